// Package natsbus implements contract.Bus over NATS core pub/sub. It is
// intended for cross-process cluster fan-out: every broker process in a
// cluster connects to the same NATS server(s) and publishes/subscribes on
// MQTT topics translated to NATS subjects.
package natsbus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/studiolambda/ember/contract"
)

// DefaultURL is the default connection URL for a local NATS server.
const DefaultURL = nats.DefaultURL

// DefaultMaxReconnects allows unlimited reconnection attempts.
const DefaultMaxReconnects = -1

// DefaultReconnectWait is the default backoff between reconnect attempts.
const DefaultReconnectWait = 2 * time.Second

// Options configures a Bus connection. All fields are optional.
type Options struct {
	URLs          []string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Username      string
	Password      string
	Token         string
}

// Bus is a contract.Bus backed by a NATS connection.
type Bus struct {
	conn *nats.Conn
}

// New connects to url with sensible defaults.
func New(url string) (*Bus, error) {
	return NewWith(Options{URLs: []string{url}})
}

// NewWith connects using explicit options, filling unset fields with
// sensible defaults the way NewNATSBrokerWith does for the ambient event
// broker.
func NewWith(options Options) (*Bus, error) {
	opts := []nats.Option{}

	if options.Name != "" {
		opts = append(opts, nats.Name(options.Name))
	}

	maxReconnects := DefaultMaxReconnects
	if options.MaxReconnects != 0 {
		maxReconnects = options.MaxReconnects
	}
	opts = append(opts, nats.MaxReconnects(maxReconnects))

	reconnectWait := DefaultReconnectWait
	if options.ReconnectWait != 0 {
		reconnectWait = options.ReconnectWait
	}
	opts = append(opts, nats.ReconnectWait(reconnectWait))

	if options.Username != "" && options.Password != "" {
		opts = append(opts, nats.UserInfo(options.Username, options.Password))
	}

	if options.Token != "" {
		opts = append(opts, nats.Token(options.Token))
	}

	urls := options.URLs
	if len(urls) == 0 {
		urls = []string{DefaultURL}
	}

	conn, err := nats.Connect(strings.Join(urls, ","), opts...)
	if err != nil {
		return nil, err
	}

	return NewFrom(conn), nil
}

// NewFrom wraps an existing NATS connection. The Bus takes ownership and
// closes it on Close.
func NewFrom(conn *nats.Conn) *Bus {
	return &Bus{conn: conn}
}

// wireMessage is the JSON envelope carried over the NATS subject, since a
// raw nats.Msg only carries a subject and a byte payload while our
// contract.Packet also needs QoS/Retain/origin bookkeeping preserved
// across the wire.
type wireMessage struct {
	Payload       []byte `json:"payload"`
	QoS           byte   `json:"qos"`
	Retain        bool   `json:"retain"`
	BrokerID      string `json:"broker_id"`
	BrokerCounter uint64 `json:"broker_counter"`
}

// subject converts an MQTT topic/filter to a NATS subject: '/' becomes
// '.', '+' becomes NATS's '*' single-token wildcard, and '#' becomes
// NATS's '>' multi-token wildcard.
func subject(topic string) string {
	s := strings.ReplaceAll(topic, "/", ".")
	s = strings.ReplaceAll(s, "+", "*")
	s = strings.ReplaceAll(s, "#", ">")

	return s
}

// On subscribes handler to the NATS subject derived from filter.
func (b *Bus) On(_ context.Context, filter string, handler contract.BusHandler) (contract.BusUnsubscribeFunc, error) {
	sub, err := b.conn.Subscribe(subject(filter), func(msg *nats.Msg) {
		var wire wireMessage
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			return
		}

		packet := contract.Packet{
			Topic:         strings.ReplaceAll(msg.Subject, ".", "/"),
			Payload:       wire.Payload,
			QoS:           wire.QoS,
			Retain:        wire.Retain,
			BrokerID:      wire.BrokerID,
			BrokerCounter: wire.BrokerCounter,
		}

		_ = handler(context.Background(), packet)
	})
	if err != nil {
		return nil, err
	}

	return func() error {
		return sub.Unsubscribe()
	}, nil
}

// Emit publishes packet on the NATS subject derived from its topic. It
// returns once the message is handed to the connection; it does not wait
// for subscriber handlers to run, and handler errors are not reported
// back.
func (b *Bus) Emit(_ context.Context, packet contract.Packet) error {
	encoded, err := json.Marshal(wireMessage{
		Payload:       packet.Payload,
		QoS:           packet.QoS,
		Retain:        packet.Retain,
		BrokerID:      packet.BrokerID,
		BrokerCounter: packet.BrokerCounter,
	})
	if err != nil {
		return err
	}

	return b.conn.Publish(subject(packet.Topic), encoded)
}

// Close drains pending messages and closes the connection.
func (b *Bus) Close() error {
	if err := b.conn.Drain(); err != nil {
		return err
	}

	b.conn.Close()

	return nil
}
