package broker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/studiolambda/ember/broker"
	"github.com/studiolambda/ember/bus/memory"
	"github.com/studiolambda/ember/contract"
	"github.com/studiolambda/ember/persistence/memstore"
)

// fakeSession is a contract.ClientSession test double that records
// whether Close was called.
type fakeSession struct {
	id     string
	closed atomic.Bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Close() error {
	s.closed.Store(true)

	return nil
}

// faultyRetainedStore wraps a *memstore.Store and fails StoreRetained
// with a fixed error, for testing pipeline fault propagation.
type faultyRetainedStore struct {
	*memstore.Store
	err error
}

func (f *faultyRetainedStore) StoreRetained(context.Context, contract.Packet) error {
	return f.err
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestHeartbeatPublishesPeriodically(t *testing.T) {
	bus := memory.New()

	b, err := broker.New(broker.Options{
		Bus:               bus,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer b.Close()

	var count atomic.Int64

	unsubscribe, err := bus.On(context.Background(), "$SYS/+/heartbeat", func(_ context.Context, _ contract.Packet) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer unsubscribe()

	eventually(t, time.Second, func() bool { return count.Load() >= 2 })
}

func TestCrossBrokerTakeoverClosesPriorSession(t *testing.T) {
	sharedBus := memory.New()

	a, err := broker.New(broker.Options{Bus: sharedBus, HeartbeatInterval: time.Hour})
	require.NoError(t, err)
	defer a.Close()

	b, err := broker.New(broker.Options{Bus: sharedBus, HeartbeatInterval: time.Hour})
	require.NoError(t, err)
	defer b.Close()

	sessionOnA := newFakeSession("c1")
	sessionOnB := newFakeSession("c1")

	require.NoError(t, a.RegisterClient(context.Background(), sessionOnA))
	require.NoError(t, b.RegisterClient(context.Background(), sessionOnB))

	eventually(t, time.Second, sessionOnA.closed.Load)
	eventually(t, time.Second, func() bool { return a.ConnectedClients() == 0 })

	require.Equal(t, 1, b.ConnectedClients())
}

func TestQoS1PublishEnqueuesOfflineSubscriber(t *testing.T) {
	store := memstore.New()

	b, err := broker.New(broker.Options{Persistence: store, HeartbeatInterval: time.Hour})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	sub := contract.Subscription{ClientID: "c2", Filter: "t/+", QoS: 1}
	require.NoError(t, store.AddSubscriptions(ctx, []contract.Subscription{sub}))

	publisher := newFakeSession("pub")
	require.NoError(t, b.RegisterClient(ctx, publisher))

	err = b.Publish(ctx, contract.Packet{Topic: "t/x", Payload: []byte("hi"), QoS: 1}, publisher)
	require.NoError(t, err)

	var queued []contract.Packet
	for p := range store.OutgoingStream(ctx, "c2") {
		queued = append(queued, p)
	}

	require.Len(t, queued, 1)
	require.Equal(t, "t/x", queued[0].Topic)
}

func TestSysTopicNeverReachesBareWildcardSubscriber(t *testing.T) {
	store := memstore.New()

	b, err := broker.New(broker.Options{Persistence: store, HeartbeatInterval: time.Hour})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	sub := contract.Subscription{ClientID: "spy", Filter: "#", QoS: 1}
	require.NoError(t, store.AddSubscriptions(ctx, []contract.Subscription{sub}))

	err = b.Publish(ctx, contract.Packet{Topic: "$SYS/x/heartbeat", Payload: []byte("x"), QoS: 1}, nil)
	require.NoError(t, err)

	var queued []contract.Packet
	for p := range store.OutgoingStream(ctx, "spy") {
		queued = append(queued, p)
	}

	require.Empty(t, queued)
}

func TestWillSweepRepublishesAndDeletesDeadPeerWill(t *testing.T) {
	store := memstore.New()
	bus := memory.New()

	ctx := context.Background()
	will := contract.Will{
		ClientID: "c3",
		BrokerID: "dead",
		Packet:   contract.Packet{Topic: "status/c3", Payload: []byte("offline"), QoS: 0},
	}
	require.NoError(t, store.PutWill(ctx, will))

	var republished atomic.Int64

	unsubscribe, err := bus.On(ctx, "status/c3", func(_ context.Context, _ contract.Packet) error {
		republished.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer unsubscribe()

	b, err := broker.New(broker.Options{
		Bus:               bus,
		Persistence:       store,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer b.Close()

	eventually(t, 2*time.Second, func() bool { return republished.Load() >= 1 })

	eventually(t, time.Second, func() bool {
		var remaining int
		for range store.StreamWill(ctx, map[string]struct{}{}) {
			remaining++
		}
		return remaining == 0
	})
}

func TestRetainedStoreFailureSurfacesAndSkipsBusEmit(t *testing.T) {
	boom := errors.New("disk full")
	store := &faultyRetainedStore{Store: memstore.New(), err: boom}
	bus := memory.New()

	b, err := broker.New(broker.Options{Bus: bus, Persistence: store, HeartbeatInterval: time.Hour})
	require.NoError(t, err)
	defer b.Close()

	var delivered atomic.Bool

	unsubscribe, err := bus.On(context.Background(), "r", func(context.Context, contract.Packet) error {
		delivered.Store(true)
		return nil
	})
	require.NoError(t, err)
	defer unsubscribe()

	pubErr := b.Publish(context.Background(), contract.Packet{Topic: "r", Payload: []byte("p"), Retain: true}, nil)
	require.ErrorIs(t, pubErr, boom)
	require.False(t, delivered.Load())
}

func TestConnectedClientsMatchesRegistry(t *testing.T) {
	b, err := broker.New(broker.Options{HeartbeatInterval: time.Hour})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.RegisterClient(ctx, newFakeSession("a")))
	require.NoError(t, b.RegisterClient(ctx, newFakeSession("b")))
	require.Equal(t, 2, b.ConnectedClients())

	sessionC := newFakeSession("c")
	require.NoError(t, b.RegisterClient(ctx, sessionC))
	b.UnregisterClient(sessionC)
	require.Equal(t, 2, b.ConnectedClients())
}

func TestRegisterClientTwiceWithSameIDClosesPrior(t *testing.T) {
	b, err := broker.New(broker.Options{HeartbeatInterval: time.Hour})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	first := newFakeSession("dup")
	second := newFakeSession("dup")

	require.NoError(t, b.RegisterClient(ctx, first))
	require.NoError(t, b.RegisterClient(ctx, second))

	require.True(t, first.closed.Load())
	require.False(t, second.closed.Load())
	require.Equal(t, 1, b.ConnectedClients())
}

func TestRetainedPublishThenSubscribeDeliversOnce(t *testing.T) {
	b, err := broker.New(broker.Options{HeartbeatInterval: time.Hour})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, contract.Packet{Topic: "a/b", Payload: []byte("v1"), Retain: true}, nil))

	var got []contract.Packet
	for p := range b.Persistence().CreateRetainedStream(ctx, "a/b") {
		got = append(got, p)
	}
	require.Len(t, got, 1)
	require.Equal(t, []byte("v1"), got[0].Payload)
}

func TestBrokerCounterStrictlyIncreases(t *testing.T) {
	b, err := broker.New(broker.Options{HeartbeatInterval: time.Hour})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()

	var mu sync.Mutex
	var counters []uint64

	b.OnPublish(func(p contract.Packet, _ contract.ClientSession) {
		mu.Lock()
		counters = append(counters, p.BrokerCounter)
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, contract.Packet{Topic: "a/b", Payload: []byte("x")}, nil))
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(counters); i++ {
		require.Greater(t, counters[i], counters[i-1])
	}
}

func TestCloseIsTerminal(t *testing.T) {
	b, err := broker.New(broker.Options{HeartbeatInterval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err = b.Publish(context.Background(), contract.Packet{Topic: "a/b"}, nil)
	require.ErrorIs(t, err, broker.ErrClosed)

	err = b.RegisterClient(context.Background(), newFakeSession("x"))
	require.ErrorIs(t, err, broker.ErrClosed)
}
