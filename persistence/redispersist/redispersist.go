// Package redispersist implements contract.Persistence over Redis,
// grounded on the ambient Redis cache backend's get/put/forever shape but
// extended with lists and hashes for the broker's durable subscription,
// outgoing-queue and will bookkeeping.
package redispersist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/studiolambda/ember/contract"
	"github.com/studiolambda/ember/internal/wildcard"
)

// Options aliases redis.Options so callers don't need to import go-redis
// directly just to configure a Store.
type Options = redis.Options

const (
	retainedPrefix = "ember:retained:"
	subsHashKey    = "ember:subs"
	outgoingPrefix = "ember:outgoing:"
	outgoingSeqKey = "ember:outgoing:seq"
	willsHashKey   = "ember:wills"
)

// Store is a contract.Persistence implementation backed by a Redis
// client. It is suitable for sharing retained messages, subscriptions,
// offline queues and wills across every broker process in a cluster.
type Store struct {
	client *redis.Client
}

// New connects to Redis using options.
func New(options *Options) *Store {
	return NewFrom(redis.NewClient(options))
}

// NewFrom wraps an existing Redis client. The Store takes ownership and
// closes it when Close is called.
func NewFrom(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// StoreRetained upserts packet under a key derived from its topic. A
// zero-length payload deletes any existing retained message.
func (s *Store) StoreRetained(ctx context.Context, packet contract.Packet) error {
	key := retainedPrefix + packet.Topic

	if len(packet.Payload) == 0 {
		return s.client.Del(ctx, key).Err()
	}

	encoded, err := json.Marshal(packet)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, key, encoded, 0).Err()
}

// CreateRetainedStream scans every retained key and yields those whose
// topic matches filter.
func (s *Store) CreateRetainedStream(ctx context.Context, filter string) iter.Seq[contract.Packet] {
	return func(yield func(contract.Packet) bool) {
		var cursor uint64

		for {
			keys, next, err := s.client.Scan(ctx, cursor, retainedPrefix+"*", 200).Result()
			if err != nil {
				return
			}

			for _, key := range keys {
				topic := strings.TrimPrefix(key, retainedPrefix)
				if !wildcard.Match(filter, topic) {
					continue
				}

				encoded, err := s.client.Get(ctx, key).Result()
				if errors.Is(err, redis.Nil) {
					continue
				}
				if err != nil {
					return
				}

				var packet contract.Packet
				if err := json.Unmarshal([]byte(encoded), &packet); err != nil {
					continue
				}

				if !yield(packet) {
					return
				}
			}

			cursor = next
			if cursor == 0 {
				return
			}
		}
	}
}

func subField(clientID, filter string) string {
	return clientID + "\x00" + filter
}

// AddSubscriptions persists subs in the shared subscriptions hash.
func (s *Store) AddSubscriptions(ctx context.Context, subs []contract.Subscription) error {
	if len(subs) == 0 {
		return nil
	}

	fields := make(map[string]any, len(subs))
	for _, sub := range subs {
		encoded, err := json.Marshal(sub)
		if err != nil {
			return err
		}

		fields[subField(sub.ClientID, sub.Filter)] = encoded
	}

	return s.client.HSet(ctx, subsHashKey, fields).Err()
}

// RemoveSubscriptions deletes the given (clientID, filter) pairs.
func (s *Store) RemoveSubscriptions(ctx context.Context, subs []contract.Subscription) error {
	if len(subs) == 0 {
		return nil
	}

	fields := make([]string, len(subs))
	for i, sub := range subs {
		fields[i] = subField(sub.ClientID, sub.Filter)
	}

	return s.client.HDel(ctx, subsHashKey, fields...).Err()
}

// SubscriptionsByClient returns every durable subscription owned by
// clientID.
func (s *Store) SubscriptionsByClient(ctx context.Context, clientID string) ([]contract.Subscription, error) {
	all, err := s.client.HGetAll(ctx, subsHashKey).Result()
	if err != nil {
		return nil, err
	}

	var out []contract.Subscription
	prefix := clientID + "\x00"

	for field, encoded := range all {
		if !strings.HasPrefix(field, prefix) {
			continue
		}

		var sub contract.Subscription
		if err := json.Unmarshal([]byte(encoded), &sub); err != nil {
			continue
		}

		out = append(out, sub)
	}

	return out, nil
}

// SubscriptionsByTopic returns every durable subscription whose filter
// matches topic.
func (s *Store) SubscriptionsByTopic(ctx context.Context, topic string) ([]contract.Subscription, error) {
	all, err := s.client.HGetAll(ctx, subsHashKey).Result()
	if err != nil {
		return nil, err
	}

	var out []contract.Subscription

	for _, encoded := range all {
		var sub contract.Subscription
		if err := json.Unmarshal([]byte(encoded), &sub); err != nil {
			continue
		}

		if wildcard.Match(sub.Filter, topic) {
			out = append(out, sub)
		}
	}

	return out, nil
}

type outgoingEntry struct {
	ID     contract.OutgoingMessageID `json:"id"`
	Packet contract.Packet            `json:"packet"`
}

func outgoingKey(clientID string) string {
	return outgoingPrefix + clientID
}

// OutgoingEnqueue appends packet to sub's durable outbound queue.
func (s *Store) OutgoingEnqueue(ctx context.Context, sub contract.Subscription, packet contract.Packet) error {
	id, err := s.client.Incr(ctx, outgoingSeqKey).Result()
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(outgoingEntry{ID: contract.OutgoingMessageID(id), Packet: packet})
	if err != nil {
		return err
	}

	return s.client.RPush(ctx, outgoingKey(sub.ClientID), encoded).Err()
}

// OutgoingUpdate rewrites the packet stored under id by rewriting the
// whole list; offline queues are expected to stay small, the way a
// single device's backlog does.
func (s *Store) OutgoingUpdate(ctx context.Context, clientID string, id contract.OutgoingMessageID, packet contract.Packet) error {
	key := outgoingKey(clientID)

	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}

	for i, item := range raw {
		var entry outgoingEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}

		if entry.ID != id {
			continue
		}

		entry.Packet = packet

		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		return s.client.LSet(ctx, key, int64(i), encoded).Err()
	}

	return fmt.Errorf("redispersist: outgoing id %d for %q: %w", id, clientID, contract.ErrNotFound)
}

// OutgoingClearMessageID releases id from clientID's outbound queue.
func (s *Store) OutgoingClearMessageID(ctx context.Context, clientID string, id contract.OutgoingMessageID) error {
	key := outgoingKey(clientID)

	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}

	for _, item := range raw {
		var entry outgoingEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}

		if entry.ID == id {
			return s.client.LRem(ctx, key, 1, item).Err()
		}
	}

	return nil
}

// OutgoingStream returns every packet still queued for clientID.
func (s *Store) OutgoingStream(ctx context.Context, clientID string) iter.Seq[contract.Packet] {
	raw, err := s.client.LRange(ctx, outgoingKey(clientID), 0, -1).Result()
	if err != nil {
		raw = nil
	}

	return func(yield func(contract.Packet) bool) {
		for _, item := range raw {
			var entry outgoingEntry
			if err := json.Unmarshal([]byte(item), &entry); err != nil {
				continue
			}

			if !yield(entry.Packet) {
				return
			}
		}
	}
}

// PutWill persists a will owned by a client in the shared wills hash.
func (s *Store) PutWill(ctx context.Context, will contract.Will) error {
	encoded, err := json.Marshal(will)
	if err != nil {
		return err
	}

	return s.client.HSet(ctx, willsHashKey, will.ClientID, encoded).Err()
}

// DelWill deletes the will owned by clientID, if any. Idempotent.
func (s *Store) DelWill(ctx context.Context, clientID string) error {
	return s.client.HDel(ctx, willsHashKey, clientID).Err()
}

// StreamWill yields every will whose BrokerID is not a key of
// liveBrokers.
func (s *Store) StreamWill(ctx context.Context, liveBrokers map[string]struct{}) iter.Seq[contract.Will] {
	all, err := s.client.HGetAll(ctx, willsHashKey).Result()
	if err != nil {
		all = nil
	}

	return func(yield func(contract.Will) bool) {
		for _, encoded := range all {
			var will contract.Will
			if err := json.Unmarshal([]byte(encoded), &will); err != nil {
				continue
			}

			if _, alive := liveBrokers[will.BrokerID]; alive {
				continue
			}

			if !yield(will) {
				return
			}
		}
	}
}
