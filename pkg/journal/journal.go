// Package journal records the outcome of message deliveries for audit and debugging.
package journal

import (
	"context"
	"time"
)

// Delivery outcomes recorded by the transport client.
const (
	OutcomeDelivered = "delivered" // response received, or broker accepted a fire-and-forget
	OutcomeFailed    = "failed"    // target answered with an error response
	OutcomeTimeout   = "timeout"   // no response before the deadline
	OutcomeRejected  = "rejected"  // refused locally (circuit open, validation)
	OutcomeBatched   = "batched"   // handed to the batcher, no per-message response
)

// Delivery is one completed send attempt.
type Delivery struct {
	MessageID     string    `json:"message_id"`
	CorrelationID string    `json:"correlation_id"`
	Capability    string    `json:"capability"`
	Method        string    `json:"method"`
	Target        string    `json:"target"`
	Priority      string    `json:"priority"`
	Outcome       string    `json:"outcome"`
	ErrorCode     string    `json:"error_code"`
	LatencyMS     float64   `json:"latency_ms"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Recorder persists delivery records.
type Recorder interface {
	Record(ctx context.Context, d Delivery) error
}

// NoOpRecorder is a Recorder that does nothing. Used when no journal is configured.
type NoOpRecorder struct{}

// Record does nothing.
func (r *NoOpRecorder) Record(ctx context.Context, d Delivery) error {
	return nil
}

// CallbackRecorder is a Recorder that calls a callback function (for testing).
type CallbackRecorder struct {
	callback func(ctx context.Context, d Delivery) error
}

// NewCallbackRecorder creates a new CallbackRecorder.
func NewCallbackRecorder(cb func(ctx context.Context, d Delivery) error) *CallbackRecorder {
	return &CallbackRecorder{callback: cb}
}

// Record calls the callback.
func (r *CallbackRecorder) Record(ctx context.Context, d Delivery) error {
	return r.callback(ctx, d)
}
