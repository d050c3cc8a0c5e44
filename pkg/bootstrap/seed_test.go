package bootstrap

import (
	"context"
	"testing"

	"github.com/morezero/agent-fabric/pkg/registry"
)

func TestSeed_RegistersEveryAgent(t *testing.T) {
	reg := registry.NewRegistry(registry.NewRegistryParams{})
	topo := &Topology{
		Name: "test-topology",
		Agents: []AgentEntry{
			{AgentID: "worker-1", AgentType: "worker", Capabilities: []string{"task_execution"}, MaxCapacity: 25},
			{AgentID: "planner-1", AgentType: "planner", Capabilities: []string{"planning"}},
		},
	}

	if n := Seed(context.Background(), reg, topo); n != 2 {
		t.Fatalf("expected 2 seeded agents, got %d", n)
	}
	if reg.Count() != 2 {
		t.Fatalf("expected 2 registered nodes, got %d", reg.Count())
	}

	m, ok := reg.Metrics("worker-1")
	if !ok {
		t.Fatal("expected worker-1 to be registered")
	}
	if m.MaxCapacity != 25 {
		t.Errorf("expected max capacity 25, got %d", m.MaxCapacity)
	}

	// A missing max_capacity falls back to the package default.
	m, ok = reg.Metrics("planner-1")
	if !ok {
		t.Fatal("expected planner-1 to be registered")
	}
	if m.MaxCapacity != defaultMaxCapacity {
		t.Errorf("expected default max capacity %d, got %d", defaultMaxCapacity, m.MaxCapacity)
	}

	nodes := reg.AvailableNodes("task_execution")
	if len(nodes) != 1 || nodes[0].Descriptor.AgentID != "worker-1" {
		t.Errorf("expected worker-1 routable for task_execution, got %v", nodes)
	}
}

func TestSeed_IsIdempotent(t *testing.T) {
	reg := registry.NewRegistry(registry.NewRegistryParams{})
	topo := &Topology{
		Name:   "test-topology",
		Agents: []AgentEntry{{AgentID: "worker-1", AgentType: "worker"}},
	}

	Seed(context.Background(), reg, topo)
	Seed(context.Background(), reg, topo)

	if reg.Count() != 1 {
		t.Errorf("expected 1 registered node after reseeding, got %d", reg.Count())
	}
}

func TestSeed_SkipsRejectedEntries(t *testing.T) {
	reg := registry.NewRegistry(registry.NewRegistryParams{})
	topo := &Topology{
		Name: "test-topology",
		Agents: []AgentEntry{
			{AgentID: "", AgentType: "worker"}, // no id, registry refuses it
			{AgentID: "worker-1", AgentType: "worker"},
		},
	}

	if n := Seed(context.Background(), reg, topo); n != 1 {
		t.Errorf("expected 1 seeded agent, got %d", n)
	}
	if reg.Count() != 1 {
		t.Errorf("expected 1 registered node, got %d", reg.Count())
	}
}

func TestSeed_NilTopology(t *testing.T) {
	reg := registry.NewRegistry(registry.NewRegistryParams{})
	if n := Seed(context.Background(), reg, nil); n != 0 {
		t.Errorf("expected 0 seeded agents for nil topology, got %d", n)
	}
}
