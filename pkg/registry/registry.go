package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/agent-fabric/pkg/events"
	"github.com/morezero/agent-fabric/pkg/protocol"
)

const registryLogPrefix = "registry:registry"

const (
	defaultOverloadThreshold = 0.8
	defaultStaleAfter        = 90 * time.Second
)

// Config holds registry configuration.
type Config struct {
	// OverloadThreshold is the load/capacity ratio at which a node is
	// reported BUSY. At a ratio of 1.0 or above the node is OVERLOADED.
	OverloadThreshold float64
	// StaleAfter is how long a node may go without a heartbeat before
	// it is treated as OFFLINE.
	StaleAfter time.Duration
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		OverloadThreshold: defaultOverloadThreshold,
		StaleAfter:        defaultStaleAfter,
	}
}

// Registry is the in-memory node directory. All lookups used for routing
// go through it, so reads are cheap and mutation is single-writer.
type Registry struct {
	mu        sync.RWMutex
	nodes     map[string]*nodeState
	publisher events.Publisher
	config    Config
	now       func() time.Time
}

// nodeState is the mutable per-node record guarded by Registry.mu.
type nodeState struct {
	descriptor   protocol.AgentDescriptor
	metrics      NodeMetrics
	maintenance  bool
	registeredAt time.Time
}

// NewRegistryParams holds parameters for NewRegistry.
type NewRegistryParams struct {
	Publisher events.Publisher
	Config    Config
}

// NewRegistry creates a new Registry instance.
func NewRegistry(params NewRegistryParams) *Registry {
	cfg := params.Config
	if cfg.OverloadThreshold <= 0 || cfg.OverloadThreshold >= 1 {
		cfg.OverloadThreshold = defaultOverloadThreshold
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}

	pub := params.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}

	return &Registry{
		nodes:     make(map[string]*nodeState),
		publisher: pub,
		config:    cfg,
		now:       time.Now,
	}
}

// deriveStatus computes the status a node should report right now.
// MAINTENANCE is sticky until cleared; a stale heartbeat forces OFFLINE
// regardless of reported load.
func (r *Registry) deriveStatus(st *nodeState, now time.Time) NodeStatus {
	if st.maintenance {
		return StatusMaintenance
	}
	if now.Sub(st.metrics.LastHeartbeat) > r.config.StaleAfter {
		return StatusOffline
	}
	if st.metrics.MaxCapacity <= 0 {
		return StatusOverloaded
	}
	ratio := float64(st.metrics.CurrentLoad) / float64(st.metrics.MaxCapacity)
	switch {
	case ratio >= 1.0:
		return StatusOverloaded
	case ratio >= r.config.OverloadThreshold:
		return StatusBusy
	default:
		return StatusAvailable
	}
}

// publishStatusChanged emits a node-status-change event. Publish failures
// are logged, never propagated to the caller.
func (r *Registry) publishStatusChanged(ctx context.Context, agentID string, from, to NodeStatus) {
	event := events.NewFabricEvent(events.KindNodeStatusChanged, agentID).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
	if err := r.publisher.Publish(ctx, event); err != nil {
		slog.Error(fmt.Sprintf("%s - publish status change failed: %v", registryLogPrefix, err))
	}
}

// Count returns the number of registered nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
