// Package dispatcher routes incoming envelopes to per-message-type handlers.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/agent-fabric/pkg/protocol"
)

const logPrefix = "dispatcher:dispatcher"

// HandlerFunc processes one incoming envelope and returns the result that is
// sent back to the source. A nil result with nil error produces an empty
// RESPONSE envelope.
type HandlerFunc func(ctx context.Context, env *protocol.Envelope) (interface{}, error)

// Dispatcher maps message types to handler functions.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.MessageType]HandlerFunc
}

// NewDispatcher creates a Dispatcher with no handlers registered.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[protocol.MessageType]HandlerFunc)}
}

// Register installs the handler for a message type, replacing any previous one.
func (d *Dispatcher) Register(messageType protocol.MessageType, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[messageType] = handler
}

// Dispatch runs the handler registered for the envelope's message type and
// returns the reply envelope. A missing handler yields METHOD_NOT_SUPPORTED;
// a handler error or panic yields an ERROR_RESPONSE and never escapes to the
// caller's receive loop.
func (d *Dispatcher) Dispatch(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	messageType := env.Header.Routing.MessageType
	slog.Debug(fmt.Sprintf("%s - type=%s method=%s id=%s", logPrefix, messageType, env.Payload.Method, env.Header.MessageID))

	d.mu.RLock()
	handler, ok := d.handlers[messageType]
	d.mu.RUnlock()
	if !ok {
		return protocol.NewErrorResponse(env, protocol.NewError(protocol.ErrMethodNotSupported,
			fmt.Sprintf("no handler registered for message type %s", messageType)).
			WithDetails(map[string]interface{}{"message_type": string(messageType)}))
	}

	result, err := d.run(ctx, handler, env)
	if err != nil {
		return protocol.NewErrorResponse(env, asFabricError(err))
	}

	resp, err := protocol.NewResponse(env, result)
	if err != nil {
		return protocol.NewErrorResponse(env, protocol.NewError(protocol.ErrInternalError, err.Error()))
	}
	return resp
}

// run invokes the handler with panics converted to errors.
func (d *Dispatcher) run(ctx context.Context, handler HandlerFunc, env *protocol.Envelope) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler panic for %s: %v", logPrefix, env.Header.Routing.MessageType, r))
			err = protocol.NewError(protocol.ErrInternalError, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return handler(ctx, env)
}

// asFabricError preserves structured error codes from handlers; anything else
// becomes INTERNAL_ERROR.
func asFabricError(err error) *protocol.Error {
	if fabricErr, ok := err.(*protocol.Error); ok {
		return fabricErr
	}
	return protocol.NewError(protocol.ErrInternalError, err.Error())
}
