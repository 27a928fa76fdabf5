// Package memory implements contract.Bus using only in-memory data
// structures with no external dependencies. It is the default bus a
// broker.Broker constructs when none is supplied, and is adequate for a
// single-process deployment or for tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/studiolambda/ember/contract"
	"github.com/studiolambda/ember/internal/wildcard"
)

// ErrClosed is returned by On and Emit once Close has been called.
var ErrClosed = errors.New("memory: bus is closed")

// Bus is a lightweight, zero-configuration contract.Bus. It is safe for
// concurrent use from multiple goroutines.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]contract.BusHandler
	nextID   atomic.Uint64
	closed   atomic.Bool
}

// New constructs a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string]map[uint64]contract.BusHandler),
	}
}

// On registers handler for every packet whose topic matches filter.
func (b *Bus) On(_ context.Context, filter string, handler contract.BusHandler) (contract.BusUnsubscribeFunc, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	id := b.nextID.Add(1)

	b.mu.Lock()
	if b.handlers[filter] == nil {
		b.handlers[filter] = make(map[uint64]contract.BusHandler)
	}
	b.handlers[filter][id] = handler
	b.mu.Unlock()

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()

		if byFilter, ok := b.handlers[filter]; ok {
			delete(byFilter, id)
			if len(byFilter) == 0 {
				delete(b.handlers, filter)
			}
		}

		return nil
	}, nil
}

// Emit dispatches packet to every matching subscriber, in no particular
// order, and waits for every handler to complete before returning. The
// first handler error is returned; every handler still runs to
// completion.
func (b *Bus) Emit(ctx context.Context, packet contract.Packet) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.RLock()
	var matched []contract.BusHandler
	for filter, byID := range b.handlers {
		if !wildcard.Match(filter, packet.Topic) {
			continue
		}
		for _, h := range byID {
			matched = append(matched, h)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return nil
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first error
	)

	for _, h := range matched {
		wg.Add(1)

		go func(h contract.BusHandler) {
			defer wg.Done()

			if err := h(ctx, packet); err != nil {
				mu.Lock()
				if first == nil {
					first = fmt.Errorf("memory: handler error: %w", err)
				}
				mu.Unlock()
			}
		}(h)
	}

	wg.Wait()

	return first
}

// Close marks the bus closed and discards every registered handler.
func (b *Bus) Close() error {
	b.closed.Store(true)

	b.mu.Lock()
	b.handlers = make(map[string]map[uint64]contract.BusHandler)
	b.mu.Unlock()

	return nil
}
