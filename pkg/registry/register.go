package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/agent-fabric/pkg/events"
	"github.com/morezero/agent-fabric/pkg/protocol"
)

const registerLogPrefix = "registry:register"

// Register adds a node to the registry or refreshes an existing one.
// Re-registering an agent ID is idempotent: the descriptor and capacity
// are updated in place, accumulated counters survive, and no duplicate
// entry is created. A registered node starts AVAILABLE with a fresh
// heartbeat.
func (r *Registry) Register(ctx context.Context, descriptor protocol.AgentDescriptor, maxCapacity int) error {
	if descriptor.AgentID == "" {
		return protocol.NewError(protocol.ErrMissingRequiredField, "agent_id is required").
			WithDetails(map[string]string{"field": "agent_id"})
	}
	if maxCapacity <= 0 {
		return protocol.NewError(protocol.ErrInvalidParameters,
			fmt.Sprintf("max capacity must be positive, got %d", maxCapacity))
	}

	now := r.now()

	r.mu.Lock()
	st, existed := r.nodes[descriptor.AgentID]
	if existed {
		st.descriptor = descriptor
		st.metrics.MaxCapacity = maxCapacity
		st.metrics.LastHeartbeat = now
		st.metrics.Status = r.deriveStatus(st, now)
	} else {
		st = &nodeState{
			descriptor: descriptor,
			metrics: NodeMetrics{
				Status:        StatusAvailable,
				MaxCapacity:   maxCapacity,
				LastHeartbeat: now,
			},
			registeredAt: now,
		}
		r.nodes[descriptor.AgentID] = st
	}
	r.mu.Unlock()

	if existed {
		slog.Info(fmt.Sprintf("%s - refreshed agent=%s capacity=%d", registerLogPrefix, descriptor.AgentID, maxCapacity))
		return nil
	}

	slog.Info(fmt.Sprintf("%s - registered agent=%s type=%s capabilities=%d capacity=%d",
		registerLogPrefix, descriptor.AgentID, descriptor.AgentType, len(descriptor.Capabilities), maxCapacity))

	event := events.NewFabricEvent(events.KindNodeRegistered, descriptor.AgentID).
		WithDetail("agent_type", descriptor.AgentType)
	if err := r.publisher.Publish(ctx, event); err != nil {
		slog.Error(fmt.Sprintf("%s - publish failed: %v", registerLogPrefix, err))
	}
	return nil
}

// Deregister removes a node. Removing an unknown agent ID is a no-op.
func (r *Registry) Deregister(ctx context.Context, agentID string) {
	r.mu.Lock()
	_, existed := r.nodes[agentID]
	delete(r.nodes, agentID)
	r.mu.Unlock()

	if !existed {
		return
	}

	slog.Info(fmt.Sprintf("%s - deregistered agent=%s", registerLogPrefix, agentID))

	event := events.NewFabricEvent(events.KindNodeOffline, agentID).
		WithDetail("reason", "deregistered")
	if err := r.publisher.Publish(ctx, event); err != nil {
		slog.Error(fmt.Sprintf("%s - publish failed: %v", registerLogPrefix, err))
	}
}
