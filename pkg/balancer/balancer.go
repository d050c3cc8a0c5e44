// Package balancer selects a target node from a set of routable
// candidates. Strategies are stateless except for round-robin cursors,
// so one Strategy instance can be shared by all senders.
package balancer

import (
	"fmt"

	"github.com/morezero/agent-fabric/pkg/protocol"
)

// Strategy names accepted by New.
const (
	StrategyRoundRobin           = "round_robin"
	StrategyLeastConnections     = "least_connections"
	StrategyWeightedResponseTime = "weighted_response_time"
	StrategyPriorityBased        = "priority"
)

// Candidate is one routable node as seen by a selection strategy.
// AverageResponseTime is in milliseconds.
type Candidate struct {
	AgentID             string
	CurrentLoad         int
	MaxCapacity         int
	AverageResponseTime float64
}

// Strategy picks a candidate for a request. The capability keys any
// per-capability state the strategy holds; the priority lets strategies
// treat urgent traffic differently. Returns false when candidates is
// empty, and never otherwise.
type Strategy interface {
	Name() string
	Pick(candidates []Candidate, capability string, priority protocol.Priority) (string, bool)
}

// New returns the strategy registered under name. An empty name selects
// round-robin.
func New(name string) (Strategy, error) {
	switch name {
	case "", StrategyRoundRobin:
		return NewRoundRobin(), nil
	case StrategyLeastConnections:
		return NewLeastConnections(), nil
	case StrategyWeightedResponseTime:
		return NewWeightedResponseTime(), nil
	case StrategyPriorityBased:
		return NewPriorityBased(), nil
	default:
		return nil, fmt.Errorf("balancer:balancer - unknown strategy %q", name)
	}
}
