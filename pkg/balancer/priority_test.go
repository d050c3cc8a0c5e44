package balancer

import (
	"testing"

	"github.com/morezero/agent-fabric/pkg/protocol"
)

func TestPriorityBased_UrgentUsesLeastConnections(t *testing.T) {
	b := NewPriorityBased()
	candidates := threeWorkers()

	for _, priority := range []protocol.Priority{protocol.PriorityCritical, protocol.PriorityHigh} {
		// Repeated picks always land on the least loaded node
		for i := 0; i < 3; i++ {
			id, ok := b.Pick(candidates, "translate", priority)
			if !ok {
				t.Fatalf("balancer:priority_test - Pick returned not found")
			}
			if id != "worker-3" {
				t.Errorf("balancer:priority_test - %s pick = %q, want worker-3", priority, id)
			}
		}
	}
}

func TestPriorityBased_RoutineRotates(t *testing.T) {
	b := NewPriorityBased()
	candidates := threeWorkers()

	counts := make(map[string]int)
	for i := 0; i < 6; i++ {
		id, ok := b.Pick(candidates, "translate", protocol.PriorityNormal)
		if !ok {
			t.Fatalf("balancer:priority_test - Pick %d returned not found", i)
		}
		counts[id]++
	}

	for _, c := range candidates {
		if counts[c.AgentID] != 2 {
			t.Errorf("balancer:priority_test - %s picked %d times, want 2", c.AgentID, counts[c.AgentID])
		}
	}
}

func TestPriorityBased_UrgentDoesNotDisturbRotation(t *testing.T) {
	b := NewPriorityBased()
	candidates := threeWorkers()

	first, _ := b.Pick(candidates, "translate", protocol.PriorityNormal)
	if first != "worker-1" {
		t.Fatalf("balancer:priority_test - first routine pick = %q, want worker-1", first)
	}

	// Urgent traffic in between keeps its own selection state
	b.Pick(candidates, "translate", protocol.PriorityCritical)
	b.Pick(candidates, "translate", protocol.PriorityCritical)

	second, _ := b.Pick(candidates, "translate", protocol.PriorityNormal)
	if second != "worker-2" {
		t.Errorf("balancer:priority_test - second routine pick = %q, want worker-2", second)
	}
}
