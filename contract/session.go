package contract

// ClientSession is the minimal surface the broker core requires from the
// external protocol layer's per-connection session. Everything else about
// a session — wire framing, retransmission state, keepalive — is opaque
// to the core.
type ClientSession interface {
	// ID returns the client identifier. Two sessions with the same ID
	// are, by MQTT's single-session-per-client rule, never both live at
	// once within the cluster.
	ID() string

	// Close begins an orderly shutdown of the session and returns once
	// it has fully drained and released its resources. The caller
	// (ClientRegistry, cluster presence) must not assume Close runs
	// synchronously with respect to any previously started publish.
	Close() error
}

// Username/password authentication.
type AuthenticateFunc func(session ClientSession, username, password string) (ok bool, err error)

// AuthorizePublishFunc gates an incoming PUBLISH before it enters the
// pipeline.
type AuthorizePublishFunc func(session ClientSession, packet Packet) error

// AuthorizeSubscribeFunc may downgrade or deny a subscription request.
// Returning (Subscription{}, false, nil) denies the subscription without
// error.
type AuthorizeSubscribeFunc func(session ClientSession, sub Subscription) (allowed Subscription, ok bool, err error)

// AuthorizeForwardFunc rewrites or drops an outbound PUBLISH immediately
// before the protocol layer writes it. Returning ok=false drops it.
type AuthorizeForwardFunc func(session ClientSession, packet Packet) (forwarded Packet, ok bool)

// PublishedFunc is the user-configured hook invoked once a publish has
// completed every pipeline stage.
type PublishedFunc func(packet Packet, session ClientSession)
