// Package transport moves envelopes between agents: the send path with
// balancing, circuit breaking, and batching in front of the broker, and
// the receive loop that resolves pending responses and dispatches the rest.
package transport

import "sync"

// Broker message headers understood by fabric participants.
const (
	// HeaderPriority carries the numeric broker priority (255..1).
	HeaderPriority = "Fabric-Priority"
	// HeaderExpires carries the absolute RFC3339 expiry computed from the ttl.
	HeaderExpires = "Fabric-Expires"
)

// Broker is the seam between the client and the external message broker.
// Connection lifecycle stays with the caller that dialed it.
type Broker interface {
	// Publish sends one encoded envelope to a subject with broker headers.
	Publish(subject string, headers map[string]string, data []byte) error
	// QueueSubscribe delivers messages on subject to handler; subscribers
	// sharing queue split the traffic instead of duplicating it.
	QueueSubscribe(subject, queue string, handler func(data []byte)) (Subscription, error)
	// Flush blocks until buffered outbound messages reach the broker.
	Flush() error
}

// Subscription is a live inbound binding created by QueueSubscribe.
type Subscription interface {
	Unsubscribe() error
}

// CallbackBroker is a Broker that routes publishes to in-process
// subscriptions, optionally observed by a callback (for testing).
type CallbackBroker struct {
	mu        sync.Mutex
	onPublish func(subject string, headers map[string]string, data []byte) error
	handlers  map[string]func(data []byte)
}

// NewCallbackBroker creates a CallbackBroker. A non-nil onPublish sees every
// publish first; returning an error fails the publish without delivery.
func NewCallbackBroker(onPublish func(subject string, headers map[string]string, data []byte) error) *CallbackBroker {
	return &CallbackBroker{
		onPublish: onPublish,
		handlers:  make(map[string]func(data []byte)),
	}
}

// Publish delivers to the matching subscription, if any. Delivery runs on
// its own goroutine to mirror a real broker's asynchrony.
func (b *CallbackBroker) Publish(subject string, headers map[string]string, data []byte) error {
	b.mu.Lock()
	handler := b.handlers[subject]
	b.mu.Unlock()

	if b.onPublish != nil {
		if err := b.onPublish(subject, headers, data); err != nil {
			return err
		}
	}
	if handler != nil {
		go handler(data)
	}
	return nil
}

// QueueSubscribe installs handler for subject. The queue name is accepted
// for interface parity and ignored.
func (b *CallbackBroker) QueueSubscribe(subject, queue string, handler func(data []byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = handler
	return &callbackSubscription{broker: b, subject: subject}, nil
}

// Flush is a no-op; in-process delivery buffers nothing.
func (b *CallbackBroker) Flush() error { return nil }

type callbackSubscription struct {
	broker  *CallbackBroker
	subject string
}

func (s *callbackSubscription) Unsubscribe() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	delete(s.broker.handlers, s.subject)
	return nil
}
