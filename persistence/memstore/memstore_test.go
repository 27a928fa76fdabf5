package memstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/studiolambda/ember/contract"
	"github.com/studiolambda/ember/persistence/memstore"
)

func TestRetainedRoundTripsAndIsIdempotent(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	packet := contract.Packet{Topic: "a/b", Payload: []byte("hello"), Retain: true}

	require.NoError(t, s.StoreRetained(ctx, packet))
	require.NoError(t, s.StoreRetained(ctx, packet))

	var got []contract.Packet
	for p := range s.CreateRetainedStream(ctx, "a/+") {
		got = append(got, p)
	}

	require.Len(t, got, 1)
	require.Equal(t, packet.Payload, got[0].Payload)
}

func TestRetainedEmptyPayloadClears(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	require.NoError(t, s.StoreRetained(ctx, contract.Packet{Topic: "a/b", Payload: []byte("x"), Retain: true}))
	require.NoError(t, s.StoreRetained(ctx, contract.Packet{Topic: "a/b", Payload: nil, Retain: true}))

	var got []contract.Packet
	for p := range s.CreateRetainedStream(ctx, "#") {
		got = append(got, p)
	}

	require.Empty(t, got)
}

func TestSubscriptionsByTopicMatchesWildcards(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	subs := []contract.Subscription{
		{ClientID: "c1", Filter: "sensors/+/temperature", QoS: 1},
		{ClientID: "c2", Filter: "sensors/#", QoS: 0},
		{ClientID: "c3", Filter: "other/topic", QoS: 0},
	}
	require.NoError(t, s.AddSubscriptions(ctx, subs))

	matched, err := s.SubscriptionsByTopic(ctx, "sensors/1/temperature")
	require.NoError(t, err)
	require.Len(t, matched, 2)
}

func TestRemoveSubscriptionsIsIdempotent(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	sub := contract.Subscription{ClientID: "c1", Filter: "a/b", QoS: 0}
	require.NoError(t, s.AddSubscriptions(ctx, []contract.Subscription{sub}))
	require.NoError(t, s.RemoveSubscriptions(ctx, []contract.Subscription{sub}))
	require.NoError(t, s.RemoveSubscriptions(ctx, []contract.Subscription{sub}))

	byClient, err := s.SubscriptionsByClient(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, byClient)
}

func TestOutgoingQueueLifecycle(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	sub := contract.Subscription{ClientID: "c1", Filter: "a/b", QoS: 1}
	packet := contract.Packet{Topic: "a/b", Payload: []byte("1")}

	require.NoError(t, s.OutgoingEnqueue(ctx, sub, packet))

	var queued []contract.Packet
	for p := range s.OutgoingStream(ctx, "c1") {
		queued = append(queued, p)
	}
	require.Len(t, queued, 1)

	err := s.OutgoingUpdate(ctx, "c1", 999, packet)
	require.Error(t, err)
	require.True(t, errors.Is(err, contract.ErrNotFound))
}

func TestWillLifecycle(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	will := contract.Will{
		ClientID: "c1",
		BrokerID: "broker-a",
		Packet:   contract.Packet{Topic: "status/c1", Payload: []byte("offline")},
	}
	require.NoError(t, s.PutWill(ctx, will))

	var streamed []contract.Will
	for w := range s.StreamWill(ctx, map[string]struct{}{}) {
		streamed = append(streamed, w)
	}
	require.Len(t, streamed, 1)

	var none []contract.Will
	for w := range s.StreamWill(ctx, map[string]struct{}{"broker-a": {}}) {
		none = append(none, w)
	}
	require.Empty(t, none)

	require.NoError(t, s.DelWill(ctx, "c1"))
	require.NoError(t, s.DelWill(ctx, "c1"))
}
