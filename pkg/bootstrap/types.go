// Package bootstrap loads a static agent topology and preloads the
// registry with it, so a fabric comes up with its well-known agents
// already routable before any of them has called in.
package bootstrap

import (
	"github.com/morezero/agent-fabric/pkg/protocol"
)

const defaultMaxCapacity = 10

// AgentEntry is one preloaded agent in the topology file.
type AgentEntry struct {
	AgentID      string   `json:"agent_id"`
	AgentType    string   `json:"agent_type"`
	InstanceID   string   `json:"instance_id,omitempty"`
	Capabilities []string `json:"capabilities"`
	MaxCapacity  int      `json:"max_capacity"`
	Priority     int      `json:"priority,omitempty"`
}

// Descriptor converts the entry to its wire descriptor.
func (e AgentEntry) Descriptor() protocol.AgentDescriptor {
	return protocol.AgentDescriptor{
		AgentID:      e.AgentID,
		AgentType:    e.AgentType,
		InstanceID:   e.InstanceID,
		Capabilities: e.Capabilities,
		Priority:     e.Priority,
	}
}

// Topology is the root bootstrap document.
type Topology struct {
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Description string       `json:"description,omitempty"`
	Agents      []AgentEntry `json:"agents"`
}

// Agent returns the entry with the given id.
func (t *Topology) Agent(agentID string) (AgentEntry, bool) {
	for _, e := range t.Agents {
		if e.AgentID == agentID {
			return e, true
		}
	}
	return AgentEntry{}, false
}

// WithCapability returns the entries advertising a capability.
func (t *Topology) WithCapability(capability string) []AgentEntry {
	var out []AgentEntry
	for _, e := range t.Agents {
		for _, c := range e.Capabilities {
			if c == capability {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// DefaultTopology returns the built-in fallback topology. It is empty:
// a fabric with no bootstrap file starts with only the agents that
// register themselves.
func DefaultTopology() *Topology {
	return &Topology{
		Name:    "fabric-default",
		Version: "1.0.0",
	}
}
