// Package memstore implements contract.Persistence using in-process maps
// for subscriptions and outgoing queues, and a go-cache store (the same
// "TTL-less forever store" shape the ambient cache layer uses) for
// retained messages and wills. It is the default persistence a
// broker.Broker constructs when none is supplied.
package memstore

import (
	"context"
	"fmt"
	"iter"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/studiolambda/ember/contract"
	"github.com/studiolambda/ember/internal/wildcard"
)

// Store is a process-local contract.Persistence implementation. It is
// safe for concurrent use.
type Store struct {
	retained *gocache.Cache
	wills    *gocache.Cache

	mu       sync.Mutex
	subs     map[string]map[string]contract.Subscription // clientID -> filter -> subscription
	outgoing map[string][]outgoingEntry                   // clientID -> queue
	nextMsgID contract.OutgoingMessageID
}

type outgoingEntry struct {
	id     contract.OutgoingMessageID
	packet contract.Packet
}

// New constructs an empty Store. Retained messages and wills never expire
// on their own; deletion is explicit, matching the broker's ownership
// rules for both.
func New() *Store {
	return &Store{
		retained: gocache.New(gocache.NoExpiration, gocache.NoExpiration),
		wills:    gocache.New(gocache.NoExpiration, gocache.NoExpiration),
		subs:     make(map[string]map[string]contract.Subscription),
		outgoing: make(map[string][]outgoingEntry),
	}
}

// StoreRetained upserts packet keyed by its topic. A zero-length payload
// deletes any existing retained message on that topic.
func (s *Store) StoreRetained(_ context.Context, packet contract.Packet) error {
	if len(packet.Payload) == 0 {
		s.retained.Delete(packet.Topic)
		return nil
	}

	s.retained.Set(packet.Topic, packet, gocache.NoExpiration)

	return nil
}

// CreateRetainedStream returns every retained packet matching filter.
func (s *Store) CreateRetainedStream(_ context.Context, filter string) iter.Seq[contract.Packet] {
	items := s.retained.Items()

	return func(yield func(contract.Packet) bool) {
		for topic, item := range items {
			if !wildcard.Match(filter, topic) {
				continue
			}

			packet, ok := item.Object.(contract.Packet)
			if !ok {
				continue
			}

			if !yield(packet) {
				return
			}
		}
	}
}

// AddSubscriptions persists subs, keyed by (clientID, filter).
func (s *Store) AddSubscriptions(_ context.Context, subs []contract.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range subs {
		if s.subs[sub.ClientID] == nil {
			s.subs[sub.ClientID] = make(map[string]contract.Subscription)
		}
		s.subs[sub.ClientID][sub.Filter] = sub
	}

	return nil
}

// RemoveSubscriptions deletes the given (clientID, filter) pairs.
func (s *Store) RemoveSubscriptions(_ context.Context, subs []contract.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range subs {
		if byFilter, ok := s.subs[sub.ClientID]; ok {
			delete(byFilter, sub.Filter)
			if len(byFilter) == 0 {
				delete(s.subs, sub.ClientID)
			}
		}
	}

	return nil
}

// SubscriptionsByClient returns every durable subscription owned by
// clientID.
func (s *Store) SubscriptionsByClient(_ context.Context, clientID string) ([]contract.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byFilter := s.subs[clientID]
	out := make([]contract.Subscription, 0, len(byFilter))
	for _, sub := range byFilter {
		out = append(out, sub)
	}

	return out, nil
}

// SubscriptionsByTopic returns every durable subscription whose filter
// matches topic.
func (s *Store) SubscriptionsByTopic(_ context.Context, topic string) ([]contract.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []contract.Subscription
	for _, byFilter := range s.subs {
		for _, sub := range byFilter {
			if wildcard.Match(sub.Filter, topic) {
				out = append(out, sub)
			}
		}
	}

	return out, nil
}

// OutgoingEnqueue appends packet to sub's durable outbound queue.
func (s *Store) OutgoingEnqueue(_ context.Context, sub contract.Subscription, packet contract.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMsgID++
	s.outgoing[sub.ClientID] = append(s.outgoing[sub.ClientID], outgoingEntry{id: s.nextMsgID, packet: packet})

	return nil
}

// OutgoingUpdate rewrites the packet stored under id.
func (s *Store) OutgoingUpdate(_ context.Context, clientID string, id contract.OutgoingMessageID, packet contract.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.outgoing[clientID]
	for i, e := range queue {
		if e.id == id {
			queue[i].packet = packet
			return nil
		}
	}

	return fmt.Errorf("memstore: outgoing id %d for %q: %w", id, clientID, contract.ErrNotFound)
}

// OutgoingClearMessageID releases id from clientID's outbound queue.
func (s *Store) OutgoingClearMessageID(_ context.Context, clientID string, id contract.OutgoingMessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.outgoing[clientID]
	for i, e := range queue {
		if e.id == id {
			s.outgoing[clientID] = append(queue[:i], queue[i+1:]...)
			return nil
		}
	}

	return nil
}

// OutgoingStream returns every packet still queued for clientID.
func (s *Store) OutgoingStream(_ context.Context, clientID string) iter.Seq[contract.Packet] {
	s.mu.Lock()
	queue := make([]outgoingEntry, len(s.outgoing[clientID]))
	copy(queue, s.outgoing[clientID])
	s.mu.Unlock()

	return func(yield func(contract.Packet) bool) {
		for _, e := range queue {
			if !yield(e.packet) {
				return
			}
		}
	}
}

// PutWill persists a will owned by a client.
func (s *Store) PutWill(_ context.Context, will contract.Will) error {
	s.wills.Set(will.ClientID, will, gocache.NoExpiration)

	return nil
}

// DelWill deletes the will owned by clientID, if any. Idempotent.
func (s *Store) DelWill(_ context.Context, clientID string) error {
	s.wills.Delete(clientID)

	return nil
}

// StreamWill yields every will whose BrokerID is not a key of
// liveBrokers.
func (s *Store) StreamWill(_ context.Context, liveBrokers map[string]struct{}) iter.Seq[contract.Will] {
	items := s.wills.Items()

	return func(yield func(contract.Will) bool) {
		for _, item := range items {
			will, ok := item.Object.(contract.Will)
			if !ok {
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
