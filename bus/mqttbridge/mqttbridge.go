// Package mqttbridge implements contract.Bus by bridging through an
// upstream MQTT broker, for federating two independently-deployed ember
// clusters. Because MQTT topic syntax matches our own Packet topics
// exactly, no wildcard translation is needed — unlike the NATS, Redis and
// AMQP bus backends.
package mqttbridge

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/studiolambda/ember/contract"
	"github.com/studiolambda/ember/internal/wildcard"
)

// DefaultQoS is the QoS used for bridged publish/subscribe traffic.
const DefaultQoS = 1

// DefaultKeepAlive is the keep-alive interval, in seconds, for the bridge
// connection.
const DefaultKeepAlive = 30

// Options configures a Bus connection to the upstream broker.
type Options struct {
	URLs      []string
	Username  string
	Password  string
	QoS       byte
	KeepAlive uint16
}

// Bus is a contract.Bus backed by an upstream MQTT broker reached through
// the Eclipse Paho v5 client with automatic reconnection.
type Bus struct {
	client *autopaho.ConnectionManager
	qos    byte

	mu       sync.RWMutex
	handlers map[string]map[uint64]contract.BusHandler
	nextID   atomic.Uint64
}

// New connects to the given upstream broker URLs.
func New(ctx context.Context, options Options) (*Bus, error) {
	qos := options.QoS
	if qos == 0 {
		qos = DefaultQoS
	}

	keepAlive := options.KeepAlive
	if keepAlive == 0 {
		keepAlive = DefaultKeepAlive
	}

	urls := make([]*url.URL, len(options.URLs))
	for i, raw := range options.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("mqttbridge: invalid url %q: %w", raw, err)
		}
		urls[i] = u
	}

	b := &Bus{
		qos:      qos,
		handlers: make(map[string]map[uint64]contract.BusHandler),
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    urls,
		KeepAlive:                     keepAlive,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         0,
		ClientConfig: paho.ClientConfig{
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.route(pr.Packet)

					return true, nil
				},
			},
		},
	}

	if options.Username != "" {
		cfg.ConnectUsername = options.Username
		cfg.ConnectPassword = []byte(options.Password)
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b.client = cm

	return b, nil
}

func (b *Bus) route(pb *paho.Publish) {
	b.mu.RLock()
	var matched []contract.BusHandler
	for filter, byID := range b.handlers {
		if !wildcard.Match(filter, pb.Topic) {
			continue
		}
		for _, h := range byID {
			matched = append(matched, h)
		}
	}
	b.mu.RUnlock()

	packet := contract.Packet{
		Topic:   pb.Topic,
		Payload: pb.Payload,
		QoS:     pb.QoS,
		Retain:  pb.Retain,
	}

	for _, h := range matched {
		_ = h(context.Background(), packet)
	}
}

// On subscribes handler to filter, issuing an upstream MQTT SUBSCRIBE
// only for the first local handler on a given filter.
func (b *Bus) On(ctx context.Context, filter string, handler contract.BusHandler) (contract.BusUnsubscribeFunc, error) {
	id := b.nextID.Add(1)

	b.mu.Lock()
	isFirst := len(b.handlers[filter]) == 0
	if b.handlers[filter] == nil {
		b.handlers[filter] = make(map[uint64]contract.BusHandler)
	}
	b.handlers[filter][id] = handler
	b.mu.Unlock()

	if isFirst {
		if _, err := b.client.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: b.qos}},
		}); err != nil {
			b.mu.Lock()
			delete(b.handlers[filter], id)
			if len(b.handlers[filter]) == 0 {
				delete(b.handlers, filter)
			}
			b.mu.Unlock()

			return nil, err
		}
	}

	return func() error {
		b.mu.Lock()
		delete(b.handlers[filter], id)
		shouldUnsubscribe := len(b.handlers[filter]) == 0
		if shouldUnsubscribe {
			delete(b.handlers, filter)
		}
		b.mu.Unlock()

		if !shouldUnsubscribe {
			return nil
		}

		_, err := b.client.Unsubscribe(context.Background(), &paho.Unsubscribe{Topics: []string{filter}})

		return err
	}, nil
}

// Emit publishes packet upstream on its own topic. It returns once the
// upstream publish completes; it does not wait for local handlers to run
// on the routed copy, and handler errors are not reported back.
func (b *Bus) Emit(ctx context.Context, packet contract.Packet) error {
	_, err := b.client.Publish(ctx, &paho.Publish{
		Topic:   packet.Topic,
		QoS:     b.qos,
		Retain:  packet.Retain,
		Payload: packet.Payload,
	})

	return err
}

// Close disconnects from the upstream broker.
func (b *Bus) Close() error {
	return b.client.Disconnect(context.Background())
}
