package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/morezero/agent-fabric/pkg/protocol"
)

// UpdateMetrics merges a partial metrics report into a node's record and
// recomputes its status. Only non-nil fields of the update are applied.
// The returned metrics are the node's state after the merge.
func (r *Registry) UpdateMetrics(ctx context.Context, agentID string, update MetricsUpdate) (*NodeMetrics, error) {
	now := r.now()

	r.mu.Lock()
	st, ok := r.nodes[agentID]
	if !ok {
		r.mu.Unlock()
		return nil, protocol.NewError(protocol.ErrAgentNotFound,
			fmt.Sprintf("agent not registered: %s", agentID))
	}

	if update.CurrentLoad != nil {
		st.metrics.CurrentLoad = *update.CurrentLoad
	}
	if update.MaxCapacity != nil && *update.MaxCapacity > 0 {
		st.metrics.MaxCapacity = *update.MaxCapacity
	}
	if update.QueueDepth != nil {
		st.metrics.QueueDepth = *update.QueueDepth
	}
	if update.AverageResponseTime != nil {
		st.metrics.AverageResponseTime = *update.AverageResponseTime
	}
	if update.ErrorRate != nil {
		st.metrics.ErrorRate = *update.ErrorRate
	}

	// A node reporting metrics is alive.
	st.metrics.LastHeartbeat = now

	prev := st.metrics.Status
	st.metrics.Status = r.deriveStatus(st, now)
	snapshot := st.metrics
	r.mu.Unlock()

	if prev != snapshot.Status {
		r.publishStatusChanged(ctx, agentID, prev, snapshot.Status)
	}
	return &snapshot, nil
}

// RecordOutcome folds one request outcome into a node's running numbers.
// The average response time is a cumulative mean over all recorded
// requests and the error rate is failed/total. Outcomes for agents no
// longer registered are dropped.
func (r *Registry) RecordOutcome(ctx context.Context, agentID string, latency time.Duration, success bool) {
	ms := float64(latency.Microseconds()) / 1000.0

	r.mu.Lock()
	st, ok := r.nodes[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}

	st.metrics.TotalRequests++
	if !success {
		st.metrics.FailedRequests++
	}
	total := float64(st.metrics.TotalRequests)
	st.metrics.AverageResponseTime += (ms - st.metrics.AverageResponseTime) / total
	st.metrics.ErrorRate = float64(st.metrics.FailedRequests) / total

	prev := st.metrics.Status
	st.metrics.Status = r.deriveStatus(st, r.now())
	next := st.metrics.Status
	r.mu.Unlock()

	if prev != next {
		r.publishStatusChanged(ctx, agentID, prev, next)
	}
}
