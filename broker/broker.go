// Package broker implements the MQTT broker dispatcher: the publish
// pipeline, the client registry with cross-broker takeover, and the
// cluster presence loop. It consumes decoded packets from an external
// protocol layer and depends only on the Bus and Persistence contracts in
// the contract package.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/studiolambda/ember/bus/memory"
	"github.com/studiolambda/ember/contract"
	"github.com/studiolambda/ember/persistence/memstore"
)

// Broker is the process-wide dispatcher. It owns the client and peer
// liveness maps, the monotonic packet counter, and the two cluster
// presence timers. Zero value is not usable; construct with New.
type Broker struct {
	id      string
	counter atomic.Uint64

	opts Options
	obs  *observers

	mu               sync.Mutex
	clients          map[string]contract.ClientSession
	brokers          map[string]time.Time
	connectedClients int
	closed           bool

	bus         contract.Bus
	persistence contract.Persistence

	enqueuerPool sync.Pool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Broker, fills in option defaults, installs the
// in-memory Bus/Persistence defaults when none are supplied, subscribes
// the broker's own cluster-presence handlers, and starts the heartbeat
// and will-sweep timers.
func New(opts Options) (*Broker, error) {
	opts = withDefaults(opts)

	if opts.Bus == nil {
		opts.Bus = memory.New()
	}
	if opts.Persistence == nil {
		opts.Persistence = memstore.New()
	}

	b := &Broker{
		id:          shortID(),
		opts:        opts,
		obs:         newObservers(),
		clients:     make(map[string]contract.ClientSession),
		brokers:     make(map[string]time.Time),
		bus:         opts.Bus,
		persistence: opts.Persistence,
		stop:        make(chan struct{}),
	}
	b.enqueuerPool.New = func() any { return &enqueuer{} }

	if err := b.subscribePresence(context.Background()); err != nil {
		return nil, fmt.Errorf("broker: subscribe presence: %w", err)
	}

	b.startPresence()

	return b, nil
}

// shortID returns a collision-resistant, short opaque broker identifier.
func shortID() string {
	return uuid.New().String()[:8]
}

// ID returns this broker's cluster-unique identifier.
func (b *Broker) ID() string {
	return b.id
}

// ConnectedClients returns the number of sessions currently registered on
// this broker. It always equals len(clients) at a quiescent point.
func (b *Broker) ConnectedClients() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.connectedClients
}

// OnClient registers an observer for newly registered sessions.
func (b *Broker) OnClient(h ClientHandler) { b.obs.OnClient(h) }

// OnClientDisconnect registers an observer for session removal.
func (b *Broker) OnClientDisconnect(h ClientHandler) { b.obs.OnClientDisconnect(h) }

// OnPublish registers an observer fired synchronously with every
// completed publish.
func (b *Broker) OnPublish(h PublishHandler) { b.obs.OnPublish(h) }

// OnError registers an observer for fatal broker errors.
func (b *Broker) OnError(h ErrorHandler) { b.obs.OnError(h) }

// Bus returns the message bus backing this broker, for the protocol
// layer to subscribe live session callbacks directly (the dispatcher
// itself only uses it for $SYS presence topics and publish fan-out).
func (b *Broker) Bus() contract.Bus {
	return b.bus
}

// Persistence returns the durable-state backend, for the protocol layer
// to record/remove a session's durable subscriptions and drain its
// offline queue on reconnect.
func (b *Broker) Persistence() contract.Persistence {
	return b.persistence
}

// Authenticate runs the configured authentication hook.
func (b *Broker) Authenticate(session contract.ClientSession, username, password string) (bool, error) {
	return b.opts.Authenticate(session, username, password)
}

// AuthorizePublish runs the configured publish-authorization hook.
func (b *Broker) AuthorizePublish(session contract.ClientSession, packet contract.Packet) error {
	return b.opts.AuthorizePublish(session, packet)
}

// AuthorizeSubscribe runs the configured subscribe-authorization hook.
func (b *Broker) AuthorizeSubscribe(session contract.ClientSession, sub contract.Subscription) (contract.Subscription, bool, error) {
	return b.opts.AuthorizeSubscribe(session, sub)
}

// AuthorizeForward runs the configured forward-authorization hook.
func (b *Broker) AuthorizeForward(session contract.ClientSession, packet contract.Packet) (contract.Packet, bool) {
	return b.opts.AuthorizeForward(session, packet)
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

// RegisterClient installs session as the live session for its ID. If a
// prior session with the same ID is registered, it is closed first; the
// map entry refers to the outgoing session for the duration of that
// close. Afterwards connectedClients is incremented, a "client" event
// fires, and a $SYS/<brokerID>/new/clients notification is published so
// peer brokers can enforce the single-session invariant.
func (b *Broker) RegisterClient(ctx context.Context, session contract.ClientSession) error {
	if b.isClosed() {
		return ErrClosed
	}

	b.mu.Lock()
	if prior, ok := b.clients[session.ID()]; ok {
		b.mu.Unlock()
		// Error closing the outgoing session is dropped: it is already
		// doomed and the new session is installed regardless.
		_ = prior.Close()
		b.mu.Lock()
	}
	b.clients[session.ID()] = session
	b.connectedClients = len(b.clients)
	b.mu.Unlock()

	b.obs.emitClient(session)

	notice := contract.Packet{
		Topic:   fmt.Sprintf("%s/%s/new/clients", sysPrefix, b.id),
		Payload: []byte(session.ID()),
		QoS:     0,
	}

	return b.Publish(ctx, notice, nil)
}

// UnregisterClient removes session's entry from the registry if it is
// still the live session for that ID, decrements connectedClients and
// fires "clientDisconnect". It is idempotent: unregistering an
// already-absent session is a no-op.
func (b *Broker) UnregisterClient(session contract.ClientSession) {
	b.mu.Lock()
	current, ok := b.clients[session.ID()]
	if !ok || current != session {
		b.mu.Unlock()
		return
	}
	delete(b.clients, session.ID())
	b.connectedClients = len(b.clients)
	b.mu.Unlock()

	b.obs.emitClientDisconnect(session)
}

func (b *Broker) localSession(clientID string) (contract.ClientSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.clients[clientID]

	return s, ok
}

// Close clears both cluster presence timers, closes every registered
// session in parallel, and marks the broker terminal. Further calls to
// Publish or RegisterClient return ErrClosed; a second Close returns nil.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]contract.ClientSession, 0, len(b.clients))
	for _, s := range b.clients {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s contract.ClientSession) {
			defer wg.Done()
			if err := s.Close(); err != nil {
				b.opts.Logger.Warn("session close failed during broker shutdown", "error", err)
			}
		}(s)
	}
	wg.Wait()

	return b.bus.Close()
}

func (b *Broker) logger() *slog.Logger {
	return b.opts.Logger
}
