package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/studiolambda/ember/contract"
)

// Publish wraps p with a fresh (brokerID, brokerCounter) pair and runs it
// through the publish pipeline. session is nil for broker-generated
// system publishes. Stages run in strict sequence; the first stage error
// is returned and no later stage runs. A persistence error during
// subscriber lookup additionally fires an "error" event, since it would
// otherwise silently drop a durable delivery.
func (b *Broker) Publish(ctx context.Context, p contract.Packet, session contract.ClientSession) error {
	if b.isClosed() {
		return ErrClosed
	}

	pkt := b.wrap(p)

	if err := b.storeRetained(ctx, pkt); err != nil {
		return err
	}

	if pkt.QoS > 0 {
		if err := b.enqueueOffline(ctx, pkt); err != nil {
			return err
		}
	}

	if err := b.bus.Emit(ctx, pkt); err != nil {
		return err
	}

	b.callPublished(pkt, session)

	return nil
}

// storeRetained hands a retained packet to persistence. Non-retained
// packets are a no-op.
func (b *Broker) storeRetained(ctx context.Context, pkt contract.Packet) error {
	if !pkt.Retain {
		return nil
	}

	return b.persistence.StoreRetained(ctx, pkt)
}

// enqueuer is pooled to avoid a per-subscriber allocation in the common
// case of many parallel outgoingEnqueue calls sharing one publish. It is
// safe to draw from the pool concurrently; callers must return it via
// release after the enqueue completes.
type enqueuer struct{}

func (e *enqueuer) enqueue(ctx context.Context, p contract.Persistence, sub contract.Subscription, pkt contract.Packet) error {
	return p.OutgoingEnqueue(ctx, sub, pkt)
}

func (b *Broker) getEnqueuer() *enqueuer {
	return b.enqueuerPool.Get().(*enqueuer)
}

func (b *Broker) releaseEnqueuer(e *enqueuer) {
	b.enqueuerPool.Put(e)
}

// enqueueOffline looks up persisted subscribers matching pkt.Topic once,
// then fans each outgoingEnqueue out in parallel. A lookup failure is
// fatal to the broker. A $SYS publication never reaches a bare '#'
// subscriber, matching the reserved-namespace guard in wildcard.Match.
func (b *Broker) enqueueOffline(ctx context.Context, pkt contract.Packet) error {
	subs, err := b.persistence.SubscriptionsByTopic(ctx, pkt.Topic)
	if err != nil {
		wrapped := fmt.Errorf("broker: subscriber lookup failed: %w", err)
		b.obs.emitError(wrapped)

		return wrapped
	}

	if isSystemTopic(pkt.Topic) {
		filtered := subs[:0]
		for _, s := range subs {
			if s.Filter != "#" {
				filtered = append(filtered, s)
			}
		}
		subs = filtered
	}

	if len(subs) == 0 {
		return nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		firstJS error
	)

	for _, sub := range subs {
		wg.Add(1)

		go func(sub contract.Subscription) {
			defer wg.Done()

			e := b.getEnqueuer()
			defer b.releaseEnqueuer(e)

			if err := e.enqueue(ctx, b.persistence, sub, pkt); err != nil {
				mu.Lock()
				if firstJS == nil {
					firstJS = err
				}
				mu.Unlock()
			}
		}(sub)
	}

	wg.Wait()

	return firstJS
}

// callPublished fires the "publish" observer synchronously and then
// invokes the user-configured Published hook. Observers therefore see
// the packet before the hook has had a chance to run, the fixed ordering
// the spec calls for when the hook itself has no async completion to
// race against in this synchronous Go rendering of the pipeline.
func (b *Broker) callPublished(pkt contract.Packet, session contract.ClientSession) {
	b.obs.emitPublish(pkt, session)
	b.opts.Published(pkt, session)
}
