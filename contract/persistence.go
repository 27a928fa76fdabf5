package contract

import (
	"context"
	"errors"
	"iter"
)

// ErrNotFound is returned (wrapped) by OutgoingUpdate when id is not in
// the client's outbound queue. Lookups such as SubscriptionsByClient
// return an empty result rather than this error.
var ErrNotFound = errors.New("persistence: not found")

// OutgoingMessageID identifies one in-flight entry in a subscriber's
// durable outbound queue, opaque to the dispatcher and meaningful only to
// the retransmission bookkeeping owned by the protocol layer.
type OutgoingMessageID uint16

// Persistence is the durable-state contract consumed by the publish
// pipeline and the cluster presence loop. Implementations must be safe
// for concurrent use: the broker shares one Persistence across every
// session and the pipeline itself.
type Persistence interface {
	// StoreRetained upserts the retained message for packet.Topic. A
	// zero-length payload deletes any existing retained message on that
	// topic.
	StoreRetained(ctx context.Context, packet Packet) error

	// CreateRetainedStream returns a finite, non-restartable sequence of
	// every retained packet whose topic matches the given MQTT filter.
	CreateRetainedStream(ctx context.Context, filter string) iter.Seq[Packet]

	// AddSubscriptions persists durable subscriptions for a client.
	AddSubscriptions(ctx context.Context, subs []Subscription) error

	// RemoveSubscriptions removes previously persisted subscriptions for
	// a client.
	RemoveSubscriptions(ctx context.Context, subs []Subscription) error

	// SubscriptionsByClient returns every durable subscription owned by
	// clientID.
	SubscriptionsByClient(ctx context.Context, clientID string) ([]Subscription, error)

	// SubscriptionsByTopic returns every durable subscription whose
	// filter matches topic, honoring MQTT wildcard semantics.
	SubscriptionsByTopic(ctx context.Context, topic string) ([]Subscription, error)

	// OutgoingEnqueue appends packet to sub's durable outbound queue.
	OutgoingEnqueue(ctx context.Context, sub Subscription, packet Packet) error

	// OutgoingUpdate rewrites the packet stored under id in clientID's
	// outbound queue, used by QoS 2 retransmission bookkeeping.
	OutgoingUpdate(ctx context.Context, clientID string, id OutgoingMessageID, packet Packet) error

	// OutgoingClearMessageID releases id from clientID's outbound queue
	// once its handshake has completed.
	OutgoingClearMessageID(ctx context.Context, clientID string, id OutgoingMessageID) error

	// OutgoingStream returns a finite, non-restartable sequence of every
	// packet still queued for clientID, for replay after reconnect.
	OutgoingStream(ctx context.Context, clientID string) iter.Seq[Packet]

	// PutWill persists a will owned by a client.
	PutWill(ctx context.Context, will Will) error

	// DelWill deletes the will owned by clientID, if any. Idempotent.
	DelWill(ctx context.Context, clientID string) error

	// StreamWill yields every will whose BrokerID is not a key of
	// liveBrokers. The sequence is finite and non-restartable, and is not
	// snapshot-isolated against concurrent PutWill/DelWill.
	StreamWill(ctx context.Context, liveBrokers map[string]struct{}) iter.Seq[Will]
}
