// Package amqpbus implements contract.Bus using a RabbitMQ topic
// exchange. MQTT's '+'/'#' wildcards map directly onto AMQP topic
// binding-key wildcards ('*' single word, '#' multi word) once '/' is
// translated to '.'.
package amqpbus

import (
	"context"
	"strings"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/studiolambda/ember/contract"
)

// DefaultExchange is the topic exchange name used when none is given.
const DefaultExchange = "ember.packets"

// Bus is a contract.Bus backed by a RabbitMQ topic exchange.
type Bus struct {
	conn     *amqp091.Connection
	pubCh    *amqp091.Channel
	exchange string
	mu       sync.Mutex
}

// New dials url and declares DefaultExchange.
func New(url string) (*Bus, error) {
	return NewWith(url, DefaultExchange)
}

// NewWith dials url and declares the named exchange.
func NewWith(url, exchange string) (*Bus, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}

	return NewFrom(conn, exchange)
}

// NewFrom wraps an existing connection and declares exchange, idempotent
// if it already exists with matching configuration.
func NewFrom(conn *amqp091.Connection, exchange string) (*Bus, error) {
	pubCh, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	if err := pubCh.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		pubCh.Close()

		return nil, err
	}

	return &Bus{conn: conn, pubCh: pubCh, exchange: exchange}, nil
}

// routingKey translates an MQTT topic or filter to an AMQP routing/binding
// key: '/' becomes '.', '+' becomes '*', '#' is already AMQP's multi-word
// wildcard.
func routingKey(topic string) string {
	k := strings.ReplaceAll(topic, "/", ".")
	k = strings.ReplaceAll(k, "+", "*")

	return k
}

// topicFromRoutingKey reverses routingKey for a concrete (wildcard-free)
// delivery routing key.
func topicFromRoutingKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// On declares an exclusive, auto-delete queue bound to filter's routing
// key and starts consuming it.
func (b *Bus) On(ctx context.Context, filter string, handler contract.BusHandler) (contract.BusUnsubscribeFunc, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()

		return nil, err
	}

	if err := ch.QueueBind(queue.Name, routingKey(filter), b.exchange, false, nil); err != nil {
		ch.Close()

		return nil, err
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()

		return nil, err
	}

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		for delivery := range deliveries {
			packet := contract.Packet{
				Topic:   topicFromRoutingKey(delivery.RoutingKey),
				Payload: delivery.Body,
			}
			if qos, ok := delivery.Headers["qos"].(int32); ok {
				packet.QoS = byte(qos)
			}
			if retain, ok := delivery.Headers["retain"].(bool); ok {
				packet.Retain = retain
			}
			if brokerID, ok := delivery.Headers["broker_id"].(string); ok {
				packet.BrokerID = brokerID
			}
			if counter, ok := delivery.Headers["broker_counter"].(int64); ok {
				packet.BrokerCounter = uint64(counter)
			}

			_ = handler(ctx, packet)
		}
	}()

	return func() error {
		defer wg.Wait()

		return ch.Close()
	}, nil
}

// Emit publishes packet with routing key derived from its topic. It
// returns once the exchange has accepted the message; it does not wait for
// subscriber handlers to run, and handler errors are not reported back.
func (b *Bus) Emit(ctx context.Context, packet contract.Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.pubCh.PublishWithContext(ctx, b.exchange, routingKey(packet.Topic), false, false, amqp091.Publishing{
		ContentType: "application/octet-stream",
		Body:        packet.Payload,
		Headers: amqp091.Table{
			"qos":            int32(packet.QoS),
			"retain":         packet.Retain,
			"broker_id":      packet.BrokerID,
			"broker_counter": int64(packet.BrokerCounter),
		},
	})
}

// Close closes the publish channel and the underlying connection.
func (b *Bus) Close() error {
	if b.pubCh != nil {
		if err := b.pubCh.Close(); err != nil {
			b.conn.Close()

			return err
		}
	}

	return b.conn.Close()
}
