package transport

import (
	"sync"

	"github.com/morezero/agent-fabric/pkg/protocol"
)

// pendingMap tracks waiters for in-flight requests by correlation id. A slot
// is removed exactly once, either by the resolving response or by the waiter
// giving up, so a late response can never wake a second caller.
type pendingMap struct {
	mu    sync.Mutex
	slots map[string]chan *protocol.Envelope
}

func newPendingMap() *pendingMap {
	return &pendingMap{slots: make(map[string]chan *protocol.Envelope)}
}

// create registers a waiter and returns its channel. The channel is buffered
// so the resolver never blocks on a waiter that is still between select arms.
func (p *pendingMap) create(correlationID string) chan *protocol.Envelope {
	ch := make(chan *protocol.Envelope, 1)
	p.mu.Lock()
	p.slots[correlationID] = ch
	p.mu.Unlock()
	return ch
}

// resolve hands env to the waiter for correlationID and removes the slot.
// Returns false when no slot exists (already timed out, or never created).
func (p *pendingMap) resolve(correlationID string, env *protocol.Envelope) bool {
	p.mu.Lock()
	ch, ok := p.slots[correlationID]
	if ok {
		delete(p.slots, correlationID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// remove discards the slot without waking it. Called by waiters on timeout
// or cancellation.
func (p *pendingMap) remove(correlationID string) {
	p.mu.Lock()
	delete(p.slots, correlationID)
	p.mu.Unlock()
}

// size returns the number of outstanding waiters.
func (p *pendingMap) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
