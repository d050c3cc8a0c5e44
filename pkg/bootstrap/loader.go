package bootstrap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

const logPrefix = "bootstrap:loader"

// Load reads the topology from the first readable file.
// It tries paths in order: first any paths passed in, then FABRIC_BOOTSTRAP_FILE env, then defaults.
// So an explicit path (e.g. from a flag) is tried before the env var.
func Load(paths ...string) (*Topology, error) {
	// Build path list: passed paths first, then env, then defaults
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("FABRIC_BOOTSTRAP_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/bootstrap.json", "bootstrap.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var topo Topology
		if err := json.Unmarshal(data, &topo); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse topology file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded topology %q (%d agents) from %s", logPrefix, topo.Name, len(topo.Agents), p))
		return &topo, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default topology", logPrefix))
	return DefaultTopology(), nil
}
