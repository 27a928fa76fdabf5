package broker

import (
	"sync"

	"github.com/studiolambda/ember/contract"
)

// ClientHandler observes client connect/disconnect.
type ClientHandler func(session contract.ClientSession)

// PublishHandler observes a completed publish stage. session is nil for
// broker-generated publishes.
type PublishHandler func(packet contract.Packet, session contract.ClientSession)

// ErrorHandler observes a fatal broker error.
type ErrorHandler func(err error)

// observers holds the broker's named event listeners and invokes them
// synchronously, in registration order, with the event source. This
// mirrors the request-lifecycle hook manager's shape (register under a
// mutex, snapshot before firing) without the reversed-order semantics
// that manager uses for response hooks: broker events fire in the order
// observers subscribed.
type observers struct {
	mu       sync.Mutex
	client   []ClientHandler
	disconn  []ClientHandler
	publish  []PublishHandler
	errorFns []ErrorHandler
}

func newObservers() *observers {
	return &observers{}
}

func (o *observers) OnClient(h ClientHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.client = append(o.client, h)
}

func (o *observers) OnClientDisconnect(h ClientHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disconn = append(o.disconn, h)
}

func (o *observers) OnPublish(h PublishHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.publish = append(o.publish, h)
}

func (o *observers) OnError(h ErrorHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errorFns = append(o.errorFns, h)
}

func (o *observers) emitClient(session contract.ClientSession) {
	o.mu.Lock()
	handlers := append([]ClientHandler(nil), o.client...)
	o.mu.Unlock()

	for _, h := range handlers {
		h(session)
	}
}

func (o *observers) emitClientDisconnect(session contract.ClientSession) {
	o.mu.Lock()
	handlers := append([]ClientHandler(nil), o.disconn...)
	o.mu.Unlock()

	for _, h := range handlers {
		h(session)
	}
}

func (o *observers) emitPublish(packet contract.Packet, session contract.ClientSession) {
	o.mu.Lock()
	handlers := append([]PublishHandler(nil), o.publish...)
	o.mu.Unlock()

	for _, h := range handlers {
		h(packet, session)
	}
}

func (o *observers) emitError(err error) {
	o.mu.Lock()
	handlers := append([]ErrorHandler(nil), o.errorFns...)
	o.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
}
