package broker

import "github.com/studiolambda/ember/contract"

// wrap assigns the next (brokerID, brokerCounter) pair to p and returns
// the frozen Packet. Once wrapped, a Packet is handed to the pipeline and
// must not be mutated further.
func (b *Broker) wrap(p contract.Packet) contract.Packet {
	p.BrokerID = b.id
	p.BrokerCounter = b.counter.Add(1)

	return p
}
