package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/studiolambda/ember/bus/memory"
	"github.com/studiolambda/ember/contract"
)

func TestItDispatchesToMatchingSubscribers(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	received := make(chan contract.Packet, 1)

	_, err := b.On(ctx, "sensors/+/temperature", func(_ context.Context, packet contract.Packet) error {
		received <- packet
		return nil
	})
	require.NoError(t, err)

	err = b.Emit(ctx, contract.Packet{Topic: "sensors/1/temperature", Payload: []byte("21.5")})
	require.NoError(t, err)

	select {
	case packet := <-received:
		require.Equal(t, "sensors/1/temperature", packet.Topic)
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestItSkipsNonMatchingFilters(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	var calls int
	var mu sync.Mutex

	_, err := b.On(ctx, "sensors/+/humidity", func(_ context.Context, _ contract.Packet) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(ctx, contract.Packet{Topic: "sensors/1/temperature"}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, calls)
}

func TestItExcludesSysTopicsFromBareWildcard(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	var calls int
	var mu sync.Mutex

	_, err := b.On(ctx, "#", func(_ context.Context, _ contract.Packet) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(ctx, contract.Packet{Topic: "$SYS/broker-1/heartbeat"}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, calls)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	var calls int
	var mu sync.Mutex

	unsubscribe, err := b.On(ctx, "a/b", func(_ context.Context, _ contract.Packet) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, unsubscribe())

	require.NoError(t, b.Emit(ctx, contract.Packet{Topic: "a/b"}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, calls)
}

func TestEmitPropagatesFirstHandlerError(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := b.On(ctx, "a/b", func(_ context.Context, _ contract.Packet) error {
		return boom
	})
	require.NoError(t, err)

	err = b.Emit(ctx, contract.Packet{Topic: "a/b"})
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	require.NoError(t, b.Close())

	_, err := b.On(ctx, "a/b", func(context.Context, contract.Packet) error { return nil })
	require.ErrorIs(t, err, memory.ErrClosed)

	err = b.Emit(ctx, contract.Packet{Topic: "a/b"})
	require.ErrorIs(t, err, memory.ErrClosed)
}
