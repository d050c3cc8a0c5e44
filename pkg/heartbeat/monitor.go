// Package heartbeat actively probes registered agents and keeps the
// registry's liveness view current. A node is marked OFFLINE as soon as
// its consecutive-failure streak reaches the configured limit (the first
// failed probe, by default); a single successful probe brings it back.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/morezero/agent-fabric/pkg/metrics"
	"github.com/morezero/agent-fabric/pkg/protocol"
	"github.com/morezero/agent-fabric/pkg/registry"
	"github.com/morezero/agent-fabric/pkg/transport"
)

const logPrefix = "heartbeat:monitor"

// Probe outcomes reported to the metrics collector.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

const (
	defaultInterval      = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
	defaultMaxConcurrent = 8
	defaultFailureLimit  = 1
)

// Config holds heartbeat monitor configuration.
type Config struct {
	// Interval is the pause between probe sweeps.
	Interval time.Duration
	// ProbeTimeout bounds one agent's ping round trip.
	ProbeTimeout time.Duration
	// MaxConcurrent bounds how many probes one sweep runs at once.
	MaxConcurrent int
	// FailureLimit is the number of consecutive failed probes after which
	// a node is marked OFFLINE. The default of 1 marks a node on its
	// first failed probe; raise it to tolerate probe loss.
	FailureLimit int
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      defaultInterval,
		ProbeTimeout:  defaultProbeTimeout,
		MaxConcurrent: defaultMaxConcurrent,
		FailureLimit:  defaultFailureLimit,
	}
}

// Prober sends one health probe and waits for the answer. The transport
// client is the production implementation.
type Prober interface {
	Send(ctx context.Context, req transport.SendRequest) (*protocol.Envelope, error)
}

// Monitor sweeps the registry on an interval and probes every node with a
// HEALTH_CHECK ping. Consecutive failures are tracked per agent; crossing
// the failure limit marks the node OFFLINE, and any success clears the
// streak and refreshes the node's heartbeat.
type Monitor struct {
	registry *registry.Registry
	prober   Prober
	metrics  *metrics.Collector
	config   Config

	mu       sync.Mutex
	failures map[string]int
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
}

// NewMonitorParams holds parameters for NewMonitor.
type NewMonitorParams struct {
	Registry *registry.Registry
	Prober   Prober
	Metrics  *metrics.Collector
	Config   Config
}

// NewMonitor creates a new Monitor instance.
func NewMonitor(params NewMonitorParams) (*Monitor, error) {
	if params.Registry == nil {
		return nil, fmt.Errorf("%s - registry is required", logPrefix)
	}
	if params.Prober == nil {
		return nil, fmt.Errorf("%s - prober is required", logPrefix)
	}

	cfg := params.Config
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = defaultFailureLimit
	}

	return &Monitor{
		registry: params.Registry,
		prober:   params.Prober,
		metrics:  params.Metrics,
		config:   cfg,
		failures: make(map[string]int),
	}, nil
}

// Start launches the sweep loop. It returns immediately; probing happens
// in the background until Stop is called or ctx is cancelled. Starting a
// running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.started = true
	m.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - started interval=%s probe_timeout=%s failure_limit=%d",
		logPrefix, m.config.Interval, m.config.ProbeTimeout, m.config.FailureLimit))
	go m.run(runCtx, done)
}

// Stop cancels the sweep loop and waits for in-flight probes to finish.
// Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.started = false
	m.mu.Unlock()

	cancel()
	<-done
	slog.Info(fmt.Sprintf("%s - stopped", logPrefix))
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every registered node once, at most MaxConcurrent at a
// time. It returns when all probes have been answered, timed out, or been
// cancelled. Exposed so operators can trigger an off-schedule pass.
func (m *Monitor) Sweep(ctx context.Context) {
	nodes := m.registry.Snapshot()
	if len(nodes) == 0 {
		return
	}
	slog.Debug(fmt.Sprintf("%s - sweeping %d nodes", logPrefix, len(nodes)))

	g, probeCtx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.MaxConcurrent)
	for _, node := range nodes {
		agentID := node.Descriptor.AgentID
		g.Go(func() error {
			m.probe(probeCtx, agentID)
			return nil
		})
	}
	// Probe outcomes are absorbed per node, never surfaced as errors.
	_ = g.Wait()
}

func (m *Monitor) probe(ctx context.Context, agentID string) {
	_, err := m.prober.Send(ctx, transport.SendRequest{
		TargetID:        agentID,
		MessageType:     protocol.MessageTypeHealthCheck,
		Method:          protocol.MethodPing,
		Priority:        protocol.PriorityLow,
		WaitForResponse: true,
		Timeout:         m.config.ProbeTimeout,
	})
	if err != nil {
		m.recordFailure(ctx, agentID, err)
		return
	}
	m.recordSuccess(ctx, agentID)
}

func (m *Monitor) recordSuccess(ctx context.Context, agentID string) {
	m.mu.Lock()
	delete(m.failures, agentID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordHeartbeatProbe(outcomeSuccess)
	}
	if err := m.registry.Heartbeat(ctx, agentID); err != nil {
		// The node deregistered while its probe was in flight.
		slog.Debug(fmt.Sprintf("%s - heartbeat refresh skipped agent=%s: %v", logPrefix, agentID, err))
	}
}

func (m *Monitor) recordFailure(ctx context.Context, agentID string, err error) {
	m.mu.Lock()
	m.failures[agentID]++
	count := m.failures[agentID]
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordHeartbeatProbe(outcomeFailure)
	}
	slog.Warn(fmt.Sprintf("%s - probe failed agent=%s consecutive=%d: %v", logPrefix, agentID, count, err))

	if count >= m.config.FailureLimit {
		m.registry.MarkOffline(ctx, agentID)
	}
}

// failureCount returns the current consecutive-failure streak for one
// agent.
func (m *Monitor) failureCount(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[agentID]
}
