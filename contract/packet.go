// Package contract defines the interfaces the broker core depends on but
// does not implement: the message bus, the persistence backend, and the
// client session owned by the protocol layer. Concrete implementations
// live in the bus and persistence packages.
package contract

// Packet is the envelope the broker assigns to every publication before it
// enters the pipeline. Topic, Payload, QoS and Retain come from the
// decoded PUBLISH (or from a broker-generated system message); BrokerID
// and BrokerCounter are assigned by the owning broker and together
// uniquely identify the packet within the cluster.
type Packet struct {
	Topic         string
	Payload       []byte
	QoS           byte
	Retain        bool
	BrokerID      string
	BrokerCounter uint64
}

// Subscription is a durable subscriber of record, as persisted by
// addSubscriptions/removeSubscriptions. ClientID and Filter together
// identify one durable subscription; a client may hold many.
type Subscription struct {
	ClientID string
	Filter   string
	QoS      byte
}

// Will is a persisted last-will record owned by one broker. It is written
// when a client connects with a will, deleted on clean disconnect, and
// republished (once) by whichever broker observes the owner dead.
type Will struct {
	ClientID string
	BrokerID string
	Packet   Packet
}
