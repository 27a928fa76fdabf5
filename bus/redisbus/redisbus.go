// Package redisbus implements contract.Bus over Redis Pub/Sub, for
// cross-process cluster fan-out backed by a shared Redis instance.
package redisbus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/studiolambda/ember/contract"
)

// Options aliases redis.Options so callers don't need to import go-redis
// directly just to configure a Bus.
type Options = redis.Options

// Bus is a contract.Bus backed by a Redis client.
type Bus struct {
	client *redis.Client
}

// New connects to Redis using options.
func New(options *Options) *Bus {
	return NewFrom(redis.NewClient(options))
}

// NewFrom wraps an existing Redis client. The Bus takes ownership and
// closes it on Close.
func NewFrom(client *redis.Client) *Bus {
	return &Bus{client: client}
}

type wireMessage struct {
	Payload       []byte `json:"payload"`
	QoS           byte   `json:"qos"`
	Retain        bool   `json:"retain"`
	BrokerID      string `json:"broker_id"`
	BrokerCounter uint64 `json:"broker_counter"`
}

// channelPattern converts an MQTT filter to a Redis PSUBSCRIBE glob.
// '+' is translated to '*' conservatively: Redis glob has no
// single-level concept, so a '+'-filter may receive extra cross-level
// matches that the caller must re-validate against the real MQTT filter
// if exactness matters (see DESIGN.md).
func channelPattern(filter string) string {
	p := strings.ReplaceAll(filter, "+", "*")
	p = strings.ReplaceAll(p, "#", "*")

	return p
}

// On subscribes handler via PSUBSCRIBE on the glob derived from filter.
func (b *Bus) On(ctx context.Context, filter string, handler contract.BusHandler) (contract.BusUnsubscribeFunc, error) {
	sub := b.client.PSubscribe(ctx, channelPattern(filter))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		for msg := range sub.Channel() {
			var wire wireMessage
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				continue
			}

			packet := contract.Packet{
				Topic:         msg.Channel,
				Payload:       wire.Payload,
				QoS:           wire.QoS,
				Retain:        wire.Retain,
				BrokerID:      wire.BrokerID,
				BrokerCounter: wire.BrokerCounter,
			}

			_ = handler(ctx, packet)
		}
	}()

	return func() error {
		err := sub.Close()
		wg.Wait()

		return err
	}, nil
}

// Emit publishes packet on the channel named by its topic. It returns once
// Redis has accepted the PUBLISH; it does not wait for subscriber handlers
// to run, and handler errors are not reported back.
func (b *Bus) Emit(ctx context.Context, packet contract.Packet) error {
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

	return b.client.Publish(ctx, packet.Topic, encoded).Err()
}

// Close closes the underlying Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}
