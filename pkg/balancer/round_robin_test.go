package balancer

import (
	"testing"

	"github.com/morezero/agent-fabric/pkg/protocol"
)

func TestRoundRobin_RotatesEvenly(t *testing.T) {
	b := NewRoundRobin()
	candidates := threeWorkers()

	counts := make(map[string]int)
	for i := 0; i < 6; i++ {
		id, ok := b.Pick(candidates, "translate", protocol.PriorityNormal)
		if !ok {
			t.Fatalf("balancer:round_robin_test - Pick %d returned not found", i)
		}
		counts[id]++
	}

	// Six picks over three nodes land exactly twice each
	for _, c := range candidates {
		if counts[c.AgentID] != 2 {
			t.Errorf("balancer:round_robin_test - %s picked %d times, want 2", c.AgentID, counts[c.AgentID])
		}
	}
}

func TestRoundRobin_Order(t *testing.T) {
	b := NewRoundRobin()
	candidates := threeWorkers()

	want := []string{"worker-1", "worker-2", "worker-3", "worker-1"}
	for i, w := range want {
		id, _ := b.Pick(candidates, "translate", protocol.PriorityNormal)
		if id != w {
			t.Errorf("balancer:round_robin_test - pick %d = %q, want %q", i, id, w)
		}
	}
}

func TestRoundRobin_IndependentCursorsPerCapability(t *testing.T) {
	b := NewRoundRobin()
	candidates := threeWorkers()

	// Advance the translate cursor
	b.Pick(candidates, "translate", protocol.PriorityNormal)
	b.Pick(candidates, "translate", protocol.PriorityNormal)

	// A different capability starts its own rotation from the beginning
	id, _ := b.Pick(candidates, "classify", protocol.PriorityNormal)
	if id != "worker-1" {
		t.Errorf("balancer:round_robin_test - classify first pick = %q, want worker-1", id)
	}

	// And translate continues where it left off
	id, _ = b.Pick(candidates, "translate", protocol.PriorityNormal)
	if id != "worker-3" {
		t.Errorf("balancer:round_robin_test - translate third pick = %q, want worker-3", id)
	}
}

func TestRoundRobin_ShrunkenCandidateSet(t *testing.T) {
	b := NewRoundRobin()
	candidates := threeWorkers()

	b.Pick(candidates, "translate", protocol.PriorityNormal)
	b.Pick(candidates, "translate", protocol.PriorityNormal)

	// A node dropped out; the cursor must stay in range
	smaller := candidates[:2]
	id, ok := b.Pick(smaller, "translate", protocol.PriorityNormal)
	if !ok {
		t.Fatal("balancer:round_robin_test - Pick returned not found")
	}
	if id != "worker-1" && id != "worker-2" {
		t.Errorf("balancer:round_robin_test - pick = %q, want a remaining worker", id)
	}
}
