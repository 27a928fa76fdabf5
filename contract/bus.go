package contract

import "context"

// BusHandler receives a dispatched packet. The bus awaits the handler's
// return before considering delivery to that subscriber complete.
type BusHandler func(ctx context.Context, packet Packet) error

// BusUnsubscribeFunc detaches a previously registered handler. bus/memory
// treats a second call as a no-op; the network-backed buses pass a second
// call on to their client, which may return an error.
type BusUnsubscribeFunc func() error

// Bus is the in-process/cluster topic-matching dispatcher the broker core
// depends on for fan-out. Implementations MUST support MQTT wildcard
// filters ('+' single-level, '#' multi-level) and MUST invoke each
// matching subscriber at most once per Emit.
type Bus interface {
	// On subscribes handler to every packet whose topic matches filter.
	// It returns once subscription setup completes.
	On(ctx context.Context, filter string, handler BusHandler) (BusUnsubscribeFunc, error)

	// Emit dispatches packet to every currently-live subscriber whose
	// filter matches packet.Topic, awaiting all handler completions
	// before returning. The first handler error is returned.
	Emit(ctx context.Context, packet Packet) error

	// Close releases the bus and any underlying connection. After Close
	// returns, On and Emit are not defined.
	Close() error
}
