package engine

import (
	"fmt"
	"time"
)

// DefaultActivationInstruction is sent when a descriptor has none.
const DefaultActivationInstruction = "What should you do now?"

// DefaultCycleInterval applies when configuration omits an interval.
const DefaultCycleInterval = 15 * time.Minute

// AgentDescriptor is the static configuration of one remote agent.
type AgentDescriptor struct {
	AgentID               string        `json:"agent_id"`
	Name                  string        `json:"name"`
	CycleInterval         time.Duration `json:"cycle_interval"`
	ActivationInstruction string        `json:"activation_instruction"`
	Enabled               bool          `json:"enabled"`
}

func (d AgentDescriptor) displayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.AgentID
}

func (d AgentDescriptor) instruction() string {
	if d.ActivationInstruction != "" {
		return d.ActivationInstruction
	}
	return DefaultActivationInstruction
}

// ConfigError is a startup-time configuration problem. It is never raised
// once agents are running.
type ConfigError struct {
	AgentID string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.AgentID == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: agent %q: %s", e.AgentID, e.Reason)
}

// ValidateDescriptors checks ids and intervals across the full set,
// including disabled entries.
func ValidateDescriptors(descs []AgentDescriptor) error {
	seen := make(map[string]bool, len(descs))
	for i, d := range descs {
		if d.AgentID == "" {
			return &ConfigError{Reason: fmt.Sprintf("agent #%d (%s): agent_id is empty", i+1, d.Name)}
		}
		if seen[d.AgentID] {
			return &ConfigError{AgentID: d.AgentID, Reason: "duplicate agent_id"}
		}
		seen[d.AgentID] = true
		if d.CycleInterval <= 0 {
			return &ConfigError{AgentID: d.AgentID, Reason: "cycle interval must be positive"}
		}
	}
	return nil
}

// selectDescriptors returns the enabled descriptors, narrowed to subset when
// it is non-empty. Every subset entry must name a known descriptor.
func selectDescriptors(descs []AgentDescriptor, subset []string) ([]AgentDescriptor, error) {
	if err := ValidateDescriptors(descs); err != nil {
		return nil, err
	}

	var want map[string]bool
	if len(subset) > 0 {
		known := make(map[string]bool, len(descs))
		for _, d := range descs {
			known[d.AgentID] = true
		}
		want = make(map[string]bool, len(subset))
		for _, id := range subset {
			if !known[id] {
				return nil, &ConfigError{AgentID: id, Reason: "not found in configuration"}
			}
			want[id] = true
		}
	}

	var out []AgentDescriptor
	for _, d := range descs {
		if !d.Enabled {
			continue
		}
		if want != nil && !want[d.AgentID] {
			continue
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, &ConfigError{Reason: "no agents to run"}
	}
	return out, nil
}
