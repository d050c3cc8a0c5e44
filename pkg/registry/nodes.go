package registry

import (
	"sort"

	"github.com/morezero/agent-fabric/pkg/protocol"
)

// AvailableNodes returns routable nodes (AVAILABLE or BUSY) advertising
// the given capability, with status freshness applied at read time so a
// node whose heartbeat went stale since its last write is not handed to
// the balancer. An empty capability matches all nodes. The result is
// sorted by agent ID so selection strategies see a stable order.
func (r *Registry) AvailableNodes(capability string) []Node {
	now := r.now()

	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, st := range r.nodes {
		status := r.deriveStatus(st, now)
		if !status.Routable() {
			continue
		}
		node := Node{
			Descriptor:   st.descriptor,
			Metrics:      st.metrics,
			RegisteredAt: st.registeredAt,
		}
		node.Metrics.Status = status
		if !node.HasCapability(capability) {
			continue
		}
		out = append(out, node)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.AgentID < out[j].Descriptor.AgentID
	})
	return out
}

// Snapshot returns every registered node with freshness-corrected
// status, sorted by agent ID. Intended for status pages and diagnostics.
func (r *Registry) Snapshot() []Node {
	now := r.now()

	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, st := range r.nodes {
		node := Node{
			Descriptor:   st.descriptor,
			Metrics:      st.metrics,
			RegisteredAt: st.registeredAt,
		}
		node.Metrics.Status = r.deriveStatus(st, now)
		out = append(out, node)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.AgentID < out[j].Descriptor.AgentID
	})
	return out
}

// Descriptor returns the registered descriptor for one agent. The second
// return is false when the agent is not registered.
func (r *Registry) Descriptor(agentID string) (protocol.AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.nodes[agentID]
	if !ok {
		return protocol.AgentDescriptor{}, false
	}
	return st.descriptor, true
}

// Metrics returns a copy of one node's metrics with freshness-corrected
// status. The second return is false when the agent is not registered.
func (r *Registry) Metrics(agentID string) (NodeMetrics, bool) {
	r.mu.RLock()
	st, ok := r.nodes[agentID]
	if !ok {
		r.mu.RUnlock()
		return NodeMetrics{}, false
	}
	m := st.metrics
	m.Status = r.deriveStatus(st, r.now())
	r.mu.RUnlock()
	return m, true
}
