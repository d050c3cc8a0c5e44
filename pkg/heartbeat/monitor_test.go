package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/morezero/agent-fabric/pkg/protocol"
	"github.com/morezero/agent-fabric/pkg/registry"
	"github.com/morezero/agent-fabric/pkg/transport"
)

const testPrefix = "heartbeat:monitor_test"

// fakeProber answers probes in-process, failing the agents told to fail.
type fakeProber struct {
	mu      sync.Mutex
	failing map[string]bool
	calls   int
}

func newFakeProber() *fakeProber {
	return &fakeProber{failing: make(map[string]bool)}
}

func (p *fakeProber) Send(ctx context.Context, req transport.SendRequest) (*protocol.Envelope, error) {
	p.mu.Lock()
	p.calls++
	failing := p.failing[req.TargetID]
	p.mu.Unlock()

	if failing {
		return nil, protocol.NewError(protocol.ErrDeliveryTimeout, "no response")
	}
	return nil, nil
}

func (p *fakeProber) setFailing(agentID string, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[agentID] = failing
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *registry.Registry, *fakeProber) {
	t.Helper()
	reg := registry.NewRegistry(registry.NewRegistryParams{})
	prober := newFakeProber()
	monitor, err := NewMonitor(NewMonitorParams{Registry: reg, Prober: prober, Config: cfg})
	if err != nil {
		t.Fatalf("%s - NewMonitor() error = %v", testPrefix, err)
	}
	return monitor, reg, prober
}

func registerWorker(t *testing.T, reg *registry.Registry, agentID string) {
	t.Helper()
	desc := protocol.AgentDescriptor{
		AgentID:      agentID,
		AgentType:    "worker",
		Capabilities: []string{"task_execution"},
	}
	if err := reg.Register(context.Background(), desc, 10); err != nil {
		t.Fatalf("%s - Register() error = %v", testPrefix, err)
	}
}

func TestNewMonitor_RequiredParams(t *testing.T) {
	reg := registry.NewRegistry(registry.NewRegistryParams{})
	if _, err := NewMonitor(NewMonitorParams{Prober: newFakeProber()}); err == nil {
		t.Errorf("%s - expected error without registry", testPrefix)
	}
	if _, err := NewMonitor(NewMonitorParams{Registry: reg}); err == nil {
		t.Errorf("%s - expected error without prober", testPrefix)
	}
}

func TestNewMonitor_Defaults(t *testing.T) {
	monitor, _, _ := newTestMonitor(t, Config{})
	if monitor.config.Interval != 30*time.Second {
		t.Errorf("%s - Interval = %v, want 30s", testPrefix, monitor.config.Interval)
	}
	if monitor.config.ProbeTimeout != 5*time.Second {
		t.Errorf("%s - ProbeTimeout = %v, want 5s", testPrefix, monitor.config.ProbeTimeout)
	}
	if monitor.config.MaxConcurrent != 8 {
		t.Errorf("%s - MaxConcurrent = %d, want 8", testPrefix, monitor.config.MaxConcurrent)
	}
	if monitor.config.FailureLimit != 1 {
		t.Errorf("%s - FailureLimit = %d, want 1", testPrefix, monitor.config.FailureLimit)
	}
}

func TestSweep_OfflineOnFirstFailureByDefault(t *testing.T) {
	monitor, reg, prober := newTestMonitor(t, Config{})
	registerWorker(t, reg, "worker-1")

	prober.setFailing("worker-1", true)
	monitor.Sweep(context.Background())
	if metrics, _ := reg.Metrics("worker-1"); metrics.Status != registry.StatusOffline {
		t.Fatalf("%s - status = %v, want OFFLINE after one failed probe", testPrefix, metrics.Status)
	}
	if nodes := reg.AvailableNodes("task_execution"); len(nodes) != 0 {
		t.Errorf("%s - offline node still routable: %d candidates", testPrefix, len(nodes))
	}

	prober.setFailing("worker-1", false)
	monitor.Sweep(context.Background())
	if nodes := reg.AvailableNodes("task_execution"); len(nodes) != 1 {
		t.Errorf("%s - recovered node not routable: %d candidates, want 1", testPrefix, len(nodes))
	}
}

func TestSweep_FailuresMarkOffline(t *testing.T) {
	monitor, reg, prober := newTestMonitor(t, Config{FailureLimit: 2})
	registerWorker(t, reg, "worker-1")
	prober.setFailing("worker-1", true)

	monitor.Sweep(context.Background())
	metrics, ok := reg.Metrics("worker-1")
	if !ok {
		t.Fatalf("%s - worker metrics missing", testPrefix)
	}
	if metrics.Status == registry.StatusOffline {
		t.Fatalf("%s - offline after one failure, limit is 2", testPrefix)
	}
	if n := monitor.failureCount("worker-1"); n != 1 {
		t.Errorf("%s - failure streak = %d, want 1", testPrefix, n)
	}

	monitor.Sweep(context.Background())
	metrics, _ = reg.Metrics("worker-1")
	if metrics.Status != registry.StatusOffline {
		t.Errorf("%s - status = %v, want %v", testPrefix, metrics.Status, registry.StatusOffline)
	}
}

func TestSweep_RecoveryClearsStreak(t *testing.T) {
	monitor, reg, prober := newTestMonitor(t, Config{FailureLimit: 2})
	registerWorker(t, reg, "worker-1")

	prober.setFailing("worker-1", true)
	monitor.Sweep(context.Background())
	monitor.Sweep(context.Background())
	if metrics, _ := reg.Metrics("worker-1"); metrics.Status != registry.StatusOffline {
		t.Fatalf("%s - status = %v, want OFFLINE before recovery", testPrefix, metrics.Status)
	}

	prober.setFailing("worker-1", false)
	monitor.Sweep(context.Background())
	if metrics, _ := reg.Metrics("worker-1"); metrics.Status != registry.StatusAvailable {
		t.Errorf("%s - status = %v, want %v after recovery", testPrefix, metrics.Status, registry.StatusAvailable)
	}
	if n := monitor.failureCount("worker-1"); n != 0 {
		t.Errorf("%s - failure streak = %d, want 0", testPrefix, n)
	}

	// The streak restarts from zero after a recovery.
	prober.setFailing("worker-1", true)
	monitor.Sweep(context.Background())
	if metrics, _ := reg.Metrics("worker-1"); metrics.Status == registry.StatusOffline {
		t.Errorf("%s - single failure after recovery marked the node offline", testPrefix)
	}
}

func TestSweep_EmptyRegistry(t *testing.T) {
	monitor, _, prober := newTestMonitor(t, Config{})
	monitor.Sweep(context.Background())
	if n := prober.callCount(); n != 0 {
		t.Errorf("%s - probes sent with empty registry = %d, want 0", testPrefix, n)
	}
}

func TestSweep_ProbesEveryNode(t *testing.T) {
	monitor, reg, prober := newTestMonitor(t, Config{MaxConcurrent: 2})
	for _, agentID := range []string{"worker-1", "worker-2", "worker-3"} {
		registerWorker(t, reg, agentID)
	}

	monitor.Sweep(context.Background())
	if n := prober.callCount(); n != 3 {
		t.Errorf("%s - probes sent = %d, want 3", testPrefix, n)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	monitor, reg, prober := newTestMonitor(t, Config{Interval: 20 * time.Millisecond})
	registerWorker(t, reg, "worker-1")

	monitor.Start(context.Background())
	monitor.Start(context.Background()) // second start is a no-op

	deadline := time.Now().Add(2 * time.Second)
	for prober.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if prober.callCount() == 0 {
		monitor.Stop()
		t.Fatalf("%s - no probes sent after start", testPrefix)
	}

	monitor.Stop()
	settled := prober.callCount()
	time.Sleep(60 * time.Millisecond)
	if n := prober.callCount(); n != settled {
		t.Errorf("%s - probes continued after stop: %d -> %d", testPrefix, settled, n)
	}

	// Stopping again is a no-op.
	monitor.Stop()
}
