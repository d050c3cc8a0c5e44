// Package registry tracks agent nodes, their load metrics, and their
// derived availability status.
package registry

import (
	"time"

	"github.com/morezero/agent-fabric/pkg/protocol"
)

// NodeStatus is the derived availability of a registered node.
type NodeStatus string

const (
	StatusAvailable   NodeStatus = "AVAILABLE"
	StatusBusy        NodeStatus = "BUSY"
	StatusOverloaded  NodeStatus = "OVERLOADED"
	StatusOffline     NodeStatus = "OFFLINE"
	StatusMaintenance NodeStatus = "MAINTENANCE"
)

// Routable reports whether nodes in this status accept routed traffic.
// OVERLOADED, OFFLINE, and MAINTENANCE nodes are excluded from routing.
func (s NodeStatus) Routable() bool {
	return s == StatusAvailable || s == StatusBusy
}

// NodeMetrics holds the load and health numbers tracked per node.
// AverageResponseTime is a cumulative average in milliseconds.
type NodeMetrics struct {
	Status              NodeStatus `json:"status"`
	CurrentLoad         int        `json:"current_load"`
	MaxCapacity         int        `json:"max_capacity"`
	QueueDepth          int        `json:"queue_depth"`
	AverageResponseTime float64    `json:"average_response_time"`
	ErrorRate           float64    `json:"error_rate"`
	TotalRequests       int64      `json:"total_requests"`
	FailedRequests      int64      `json:"failed_requests"`
	LastHeartbeat       time.Time  `json:"last_heartbeat"`
}

// MetricsUpdate carries a partial metrics report from a node. Nil fields
// are left untouched on merge, so nodes may report only what changed.
type MetricsUpdate struct {
	CurrentLoad         *int     `json:"current_load,omitempty"`
	MaxCapacity         *int     `json:"max_capacity,omitempty"`
	QueueDepth          *int     `json:"queue_depth,omitempty"`
	AverageResponseTime *float64 `json:"average_response_time,omitempty"`
	ErrorRate           *float64 `json:"error_rate,omitempty"`
}

// Node is a point-in-time view of a registered node, returned by read
// methods. Callers receive copies and cannot mutate registry state.
type Node struct {
	Descriptor   protocol.AgentDescriptor `json:"descriptor"`
	Metrics      NodeMetrics              `json:"metrics"`
	RegisteredAt time.Time                `json:"registered_at"`
}

// HasCapability reports whether the node advertises the given capability.
// An empty capability matches every node.
func (n *Node) HasCapability(capability string) bool {
	if capability == "" {
		return true
	}
	for _, c := range n.Descriptor.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
