package balancer

import "github.com/morezero/agent-fabric/pkg/protocol"

// PriorityBased routes urgent traffic to the least loaded node and
// spreads everything else round-robin. CRITICAL and HIGH count as
// urgent.
type PriorityBased struct {
	urgent  *LeastConnections
	routine *RoundRobin
}

// NewPriorityBased creates a priority-based strategy.
func NewPriorityBased() *PriorityBased {
	return &PriorityBased{
		urgent:  NewLeastConnections(),
		routine: NewRoundRobin(),
	}
}

func (b *PriorityBased) Name() string { return StrategyPriorityBased }

func (b *PriorityBased) Pick(candidates []Candidate, capability string, priority protocol.Priority) (string, bool) {
	if priority == protocol.PriorityCritical || priority == protocol.PriorityHigh {
		return b.urgent.Pick(candidates, capability, priority)
	}
	return b.routine.Pick(candidates, capability, priority)
}
