package broker

import (
	"log/slog"
	"time"

	"github.com/studiolambda/ember/contract"
)

// Options configures a Broker. All fields are optional; a zero Options
// behaves like DefaultOptions with Bus and Persistence filled in with
// in-memory defaults by New.
type Options struct {
	// Concurrency is a hint for the maximum number of parallel
	// per-connection operations; the protocol layer may use it to size
	// listener counts. It has no effect on the dispatcher itself.
	Concurrency int

	// HeartbeatInterval is the period between cluster heartbeats.
	HeartbeatInterval time.Duration

	// ConnectTimeout bounds the CONNECT handshake; enforced by the
	// protocol layer, carried here so it ships with the rest of the
	// broker configuration.
	ConnectTimeout time.Duration

	// Logger receives structured lifecycle logs. Defaults to
	// slog.Default() the way atlas.DefaultOptions.Logger does.
	Logger *slog.Logger

	Authenticate       contract.AuthenticateFunc
	AuthorizePublish   contract.AuthorizePublishFunc
	AuthorizeSubscribe contract.AuthorizeSubscribeFunc
	AuthorizeForward   contract.AuthorizeForwardFunc
	Published          contract.PublishedFunc

	// Bus is the message bus used for in-process and inter-broker
	// routing. Defaults to a fresh bus/memory.Bus.
	Bus contract.Bus

	// Persistence is the durable-state backend. Defaults to a fresh
	// persistence/memstore.Store.
	Persistence contract.Persistence
}

// DefaultOptions mirrors the spec's documented defaults: a concurrency
// hint of 100 parallel per-connection operations, a one-minute heartbeat, a thirty-second connect
// timeout, permit-all hooks and a no-op published hook. Bus and
// Persistence are left nil here and filled in by New with in-memory
// defaults, since they carry allocated state DefaultOptions must not
// share across brokers.
var DefaultOptions = Options{
	Concurrency:       100,
	HeartbeatInterval: 60 * time.Second,
	ConnectTimeout:    30 * time.Second,
	Logger:            slog.Default(),
	Authenticate: func(contract.ClientSession, string, string) (bool, error) {
		return true, nil
	},
	AuthorizePublish: func(contract.ClientSession, contract.Packet) error {
		return nil
	},
	AuthorizeSubscribe: func(_ contract.ClientSession, sub contract.Subscription) (contract.Subscription, bool, error) {
		return sub, true, nil
	},
	AuthorizeForward: func(_ contract.ClientSession, packet contract.Packet) (contract.Packet, bool) {
		return packet, true
	},
	Published: func(contract.Packet, contract.ClientSession) {},
}

// withDefaults fills any zero-valued field of opts with the corresponding
// DefaultOptions field.
func withDefaults(opts Options) Options {
	d := DefaultOptions

	if opts.Concurrency == 0 {
		opts.Concurrency = d.Concurrency
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = d.HeartbeatInterval
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = d.ConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = d.Logger
	}
	if opts.Authenticate == nil {
		opts.Authenticate = d.Authenticate
	}
	if opts.AuthorizePublish == nil {
		opts.AuthorizePublish = d.AuthorizePublish
	}
	if opts.AuthorizeSubscribe == nil {
		opts.AuthorizeSubscribe = d.AuthorizeSubscribe
	}
	if opts.AuthorizeForward == nil {
		opts.AuthorizeForward = d.AuthorizeForward
	}
	if opts.Published == nil {
		opts.Published = d.Published
	}

	return opts
}
