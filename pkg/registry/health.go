package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/agent-fabric/pkg/events"
	"github.com/morezero/agent-fabric/pkg/protocol"
)

const healthLogPrefix = "registry:health"

// Heartbeat refreshes a node's liveness timestamp and recomputes its
// status. An OFFLINE node that heartbeats again comes back according to
// its reported load.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	now := r.now()

	r.mu.Lock()
	st, ok := r.nodes[agentID]
	if !ok {
		r.mu.Unlock()
		return protocol.NewError(protocol.ErrAgentNotFound,
			fmt.Sprintf("agent not registered: %s", agentID))
	}

	st.metrics.LastHeartbeat = now
	prev := st.metrics.Status
	st.metrics.Status = r.deriveStatus(st, now)
	next := st.metrics.Status
	r.mu.Unlock()

	if prev != next {
		r.publishStatusChanged(ctx, agentID, prev, next)
	}
	return nil
}

// MarkOffline forces a node to OFFLINE, typically after a failed health
// probe. The node stays registered and recovers on its next heartbeat.
func (r *Registry) MarkOffline(ctx context.Context, agentID string) {
	r.mu.Lock()
	st, ok := r.nodes[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}

	prev := st.metrics.Status
	if prev == StatusOffline {
		r.mu.Unlock()
		return
	}
	st.metrics.Status = StatusOffline
	// Age the heartbeat so a status recompute on a read path cannot
	// resurrect the node before it actually heartbeats again.
	st.metrics.LastHeartbeat = r.now().Add(-r.config.StaleAfter - 1)
	r.mu.Unlock()

	slog.Warn(fmt.Sprintf("%s - marked offline agent=%s", healthLogPrefix, agentID))

	event := events.NewFabricEvent(events.KindNodeOffline, agentID).
		WithDetail("previous_status", string(prev))
	if err := r.publisher.Publish(ctx, event); err != nil {
		slog.Error(fmt.Sprintf("%s - publish failed: %v", healthLogPrefix, err))
	}
}

// SetMaintenance toggles maintenance mode for a node. A node in
// maintenance is excluded from routing until the flag is cleared; on
// clearing, status is derived from its current load and heartbeat.
func (r *Registry) SetMaintenance(ctx context.Context, agentID string, on bool) error {
	r.mu.Lock()
	st, ok := r.nodes[agentID]
	if !ok {
		r.mu.Unlock()
		return protocol.NewError(protocol.ErrAgentNotFound,
			fmt.Sprintf("agent not registered: %s", agentID))
	}

	st.maintenance = on
	prev := st.metrics.Status
	st.metrics.Status = r.deriveStatus(st, r.now())
	next := st.metrics.Status
	r.mu.Unlock()

	if prev != next {
		r.publishStatusChanged(ctx, agentID, prev, next)
	}
	return nil
}
