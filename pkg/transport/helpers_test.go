package transport

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/morezero/agent-fabric/pkg/protocol"
	"github.com/morezero/agent-fabric/pkg/registry"
)

// wireRecorder observes every broker publish for assertions.
type wireRecorder struct {
	mu     sync.Mutex
	frames []wireFrame
}

type wireFrame struct {
	subject string
	data    []byte
}

func (r *wireRecorder) observe(subject string, headers map[string]string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, wireFrame{subject: subject, data: data})
	return nil
}

func (r *wireRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *wireRecorder) countSubject(subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f.subject == subject {
			n++
		}
	}
	return n
}

func (r *wireRecorder) anyContains(marker string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.frames {
		if strings.Contains(string(f.data), marker) {
			return true
		}
	}
	return false
}

// testFabric wires clients onto one in-process broker and one shared
// registry, with every publish recorded.
type testFabric struct {
	broker   *CallbackBroker
	registry *registry.Registry
	wire     *wireRecorder
}

func newTestFabric() *testFabric {
	wire := &wireRecorder{}
	return &testFabric{
		broker:   NewCallbackBroker(wire.observe),
		registry: registry.NewRegistry(registry.NewRegistryParams{}),
		wire:     wire,
	}
}

func (f *testFabric) newClient(t *testing.T, params NewClientParams) *Client {
	t.Helper()
	params.Registry = f.registry
	params.Broker = f.broker
	c, err := NewClient(params)
	if err != nil {
		t.Fatalf("transport:helpers_test - NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func (f *testFabric) register(t *testing.T, desc protocol.AgentDescriptor) {
	t.Helper()
	if err := f.registry.Register(context.Background(), desc, 10); err != nil {
		t.Fatalf("transport:helpers_test - Register(%s) error = %v", desc.AgentID, err)
	}
}

func agentDescriptor(agentID, agentType string, capabilities ...string) protocol.AgentDescriptor {
	return protocol.AgentDescriptor{
		AgentID:      agentID,
		AgentType:    agentType,
		Capabilities: capabilities,
	}
}

func mustStart(t *testing.T, c *Client) {
	t.Helper()
	if err := c.Start(); err != nil {
		t.Fatalf("transport:helpers_test - Start() error = %v", err)
	}
}

func waitEnvelope(t *testing.T, ch <-chan *protocol.Envelope) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("transport:helpers_test - no envelope arrived within 2s")
		return nil
	}
}
