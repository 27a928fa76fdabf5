package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/studiolambda/ember/contract"
)

const (
	heartbeatFilter   = sysPrefix + "/+/heartbeat"
	newClientsFilter  = sysPrefix + "/+/new/clients"
	staleAfterFactor  = 3
	sweepEveryFactor  = 4
	willSweepParallel = 8
)

// subscribePresence installs the broker's own listeners for the two
// reserved cluster-presence topics. Self-subscription unifies cluster
// presence with ordinary topic routing: the same Bus that carries user
// traffic carries heartbeats and takeover notices, regardless of how many
// processes that Bus spans.
func (b *Broker) subscribePresence(ctx context.Context) error {
	if _, err := b.bus.On(ctx, heartbeatFilter, b.handleHeartbeat); err != nil {
		return err
	}

	if _, err := b.bus.On(ctx, newClientsFilter, b.handleNewClient); err != nil {
		return err
	}

	return nil
}

func (b *Broker) handleHeartbeat(_ context.Context, pkt contract.Packet) error {
	b.mu.Lock()
	b.brokers[string(pkt.Payload)] = time.Now()
	b.mu.Unlock()

	return nil
}

func (b *Broker) handleNewClient(_ context.Context, pkt contract.Packet) error {
	levels := strings.Split(pkt.Topic, "/")
	if len(levels) < 2 {
		return nil
	}
	originBroker := levels[1]

	if originBroker == b.id {
		return nil
	}

	clientID := string(pkt.Payload)

	session, ok := b.localSession(clientID)
	if !ok {
		return nil
	}

	if err := session.Close(); err != nil {
		b.logger().Warn("local session close failed during takeover", "client_id", clientID, "error", err)
	}

	b.UnregisterClient(session)

	return nil
}

// startPresence launches the heartbeat and will-sweep timers as
// background goroutines tracked by the broker's WaitGroup so Close can
// wait for them to notice the stop signal before returning.
func (b *Broker) startPresence() {
	b.wg.Add(2)
	go b.runHeartbeat()
	go b.runWillSweep()
}

func (b *Broker) runHeartbeat() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			pkt := contract.Packet{
				Topic:   fmt.Sprintf("%s/%s/heartbeat", sysPrefix, b.id),
				Payload: []byte(b.id),
				QoS:     0,
			}
			if err := b.Publish(context.Background(), pkt, nil); err != nil {
				b.logger().Warn("heartbeat publish failed", "error", err)
			}
		}
	}
}

func (b *Broker) runWillSweep() {
	defer b.wg.Done()

	ticker := time.NewTicker(sweepEveryFactor * b.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.sweepWills(context.Background())
		}
	}
}

// sweepWills first garbage-collects stale entries from brokers, then
// streams every will whose owner is not known live and republishes it.
// Because the stream is not snapshot-isolated against concurrent
// putWill/delWill, each will's owner is re-checked right before
// republishing rather than trusting the liveBrokers snapshot handed to
// StreamWill.
func (b *Broker) sweepWills(ctx context.Context) {
	staleBefore := time.Now().Add(-staleAfterFactor * b.opts.HeartbeatInterval)

	b.mu.Lock()
	for peer, lastSeen := range b.brokers {
		if lastSeen.Before(staleBefore) {
			delete(b.brokers, peer)
		}
	}
	live := make(map[string]struct{}, len(b.brokers))
	for peer := range b.brokers {
		live[peer] = struct{}{}
	}
	b.mu.Unlock()

	sem := make(chan struct{}, willSweepParallel)
	var wg sync.WaitGroup

	for will := range b.persistence.StreamWill(ctx, live) {
		if !b.willOwnerIsStale(will.BrokerID, staleBefore) {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(will contract.Will) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := b.Publish(ctx, will.Packet, nil); err != nil {
				b.logger().Warn("will republish failed", "client_id", will.ClientID, "error", err)
				return
			}

			if err := b.persistence.DelWill(ctx, will.ClientID); err != nil {
				b.logger().Warn("will delete failed after republish", "client_id", will.ClientID, "error", err)
			}
		}(will)
	}

	wg.Wait()
}

// willOwnerIsStale re-checks brokers under lock: the owning broker may
// have sent a heartbeat mid-stream since the snapshot handed to
// StreamWill was taken.
func (b *Broker) willOwnerIsStale(ownerID string, staleBefore time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	lastSeen, ok := b.brokers[ownerID]

	return !ok || lastSeen.Before(staleBefore)
}
