package balancer

import (
	"sync"

	"github.com/morezero/agent-fabric/pkg/protocol"
)

// RoundRobin rotates through candidates, keeping one cursor per
// capability.
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[string]int
}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: make(map[string]int)}
}

func (b *RoundRobin) Name() string { return StrategyRoundRobin }

// Pick returns the next candidate in rotation for the capability.
func (b *RoundRobin) Pick(candidates []Candidate, capability string, _ protocol.Priority) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	b.mu.Lock()
	idx := b.cursors[capability] % len(candidates)
	b.cursors[capability] = (idx + 1) % len(candidates)
	b.mu.Unlock()

	return candidates[idx].AgentID, true
}
