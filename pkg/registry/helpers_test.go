package registry

import (
	"context"
	"sync"
	"time"

	"github.com/morezero/agent-fabric/pkg/events"
	"github.com/morezero/agent-fabric/pkg/protocol"
)

// capturePublisher records every published event for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []*events.FabricEvent
}

func (p *capturePublisher) Publish(ctx context.Context, event *events.FabricEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) byKind(kind string) []*events.FabricEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*events.FabricEvent
	for _, e := range p.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// newTestRegistry returns a registry with a capture publisher and a
// controllable clock starting at a fixed instant.
func newTestRegistry() (*Registry, *capturePublisher, *fakeClock) {
	pub := &capturePublisher{}
	reg := NewRegistry(NewRegistryParams{
		Publisher: pub,
		Config:    DefaultConfig(),
	})
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	reg.now = clock.Now
	return reg, pub, clock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func workerDescriptor(agentID string, capabilities ...string) protocol.AgentDescriptor {
	return protocol.AgentDescriptor{
		AgentID:      agentID,
		AgentType:    "worker",
		Capabilities: capabilities,
	}
}

func testContext() context.Context { return context.Background() }

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
