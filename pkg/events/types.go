// Package events defines fabric lifecycle event types and publisher interfaces.
package events

import "time"

// Event kinds published by fabric components.
const (
	KindNodeRegistered      = "node_registered"
	KindNodeStatusChanged   = "node_status_changed"
	KindNodeOffline         = "node_offline"
	KindCircuitStateChanged = "circuit_state_changed"
	KindBatchFlushed        = "batch_flushed"
)

// FabricEvent is emitted when the fabric's view of a node or route changes.
// AgentID names the subject: the registered node, or the target of a circuit
// or batch.
type FabricEvent struct {
	Kind      string            `json:"kind"`
	AgentID   string            `json:"agent_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// NewFabricEvent builds an event of the given kind with the current timestamp.
func NewFabricEvent(kind, agentID string) *FabricEvent {
	return &FabricEvent{
		Kind:      kind,
		AgentID:   agentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WithDetail attaches one key of structured detail to the event.
func (e *FabricEvent) WithDetail(key, value string) *FabricEvent {
	if e.Detail == nil {
		e.Detail = make(map[string]string)
	}
	e.Detail[key] = value
	return e
}
