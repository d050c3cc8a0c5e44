package balancer

import "github.com/morezero/agent-fabric/pkg/protocol"

// WeightedResponseTime scores each candidate by its average response
// time inflated by relative load, and picks the lowest score. A node
// with no recorded history scores zero and is tried first, which gives
// new nodes traffic until they build an average.
type WeightedResponseTime struct{}

// NewWeightedResponseTime creates a weighted-response-time strategy.
func NewWeightedResponseTime() *WeightedResponseTime {
	return &WeightedResponseTime{}
}

func (b *WeightedResponseTime) Name() string { return StrategyWeightedResponseTime }

func (b *WeightedResponseTime) Pick(candidates []Candidate, _ string, _ protocol.Priority) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	best := 0
	bestScore := score(candidates[0])
	for i := 1; i < len(candidates); i++ {
		if s := score(candidates[i]); s < bestScore {
			best, bestScore = i, s
		}
	}
	return candidates[best].AgentID, true
}

// score is avgRT * (1 + load/capacity). Zero or negative capacity is
// treated as capacity one so a misreported node scores high, not NaN.
func score(c Candidate) float64 {
	capacity := c.MaxCapacity
	if capacity <= 0 {
		capacity = 1
	}
	return c.AverageResponseTime * (1 + float64(c.CurrentLoad)/float64(capacity))
}
