package balancer

import "github.com/morezero/agent-fabric/pkg/protocol"

// LeastConnections picks the candidate with the smallest current load.
// Ties keep the first candidate in slice order; the registry hands
// candidates over sorted by agent ID.
type LeastConnections struct{}

// NewLeastConnections creates a least-connections strategy.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

func (b *LeastConnections) Name() string { return StrategyLeastConnections }

func (b *LeastConnections) Pick(candidates []Candidate, _ string, _ protocol.Priority) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].CurrentLoad < candidates[best].CurrentLoad {
			best = i
		}
	}
	return candidates[best].AgentID, true
}
