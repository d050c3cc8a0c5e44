package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/agent-fabric/pkg/registry"
)

const seedLogPrefix = "bootstrap:seed"

// Seed registers every topology agent with the registry and returns how
// many were registered. Entries the registry refuses are skipped and
// logged. Registration is an idempotent refresh, so seeding the same
// topology twice leaves one record per agent.
func Seed(ctx context.Context, reg *registry.Registry, topo *Topology) int {
	if topo == nil || len(topo.Agents) == 0 {
		return 0
	}

	seeded := 0
	for _, entry := range topo.Agents {
		capacity := entry.MaxCapacity
		if capacity <= 0 {
			capacity = defaultMaxCapacity
		}
		if err := reg.Register(ctx, entry.Descriptor(), capacity); err != nil {
			slog.Warn(fmt.Sprintf("%s - skipped agent %q: %v", seedLogPrefix, entry.AgentID, err))
			continue
		}
		seeded++
	}

	slog.Info(fmt.Sprintf("%s - seeded %d of %d agents from topology %q", seedLogPrefix, seeded, len(topo.Agents), topo.Name))
	return seeded
}
