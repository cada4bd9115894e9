package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxEnvAgents bounds the AGENT_<n>_* scan.
const maxEnvAgents = 50

// generatedInstruction is written for env agents without an explicit
// instruction.
const generatedInstruction = "You are an autonomous agent. Review your goals and available tools. " +
	"Assess your current situation and make strategic decisions. Execute actions using your registered tools."

// FromEnv builds a config from LETTA_* and AGENT_<n>_* variables. The scan
// stops at the first n with neither AGENT_<n>_NAME nor AGENT_<n>_ID.
// Problems that would make the result unusable are returned as warnings.
func FromEnv(getenv func(string) string) (*Config, []string) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := &Config{
		Letta: LettaConfig{
			APIKey:  getenv("LETTA_API_KEY"),
			BaseURL: getenv("LETTA_BASE_URL"),
			Timeout: DefaultLettaTimeout,
		},
	}
	if cfg.Letta.BaseURL == "" {
		cfg.Letta.BaseURL = DefaultLettaBaseURL
	}

	var warnings []string
	if v := getenv("LETTA_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Letta.Timeout = n
		} else {
			warnings = append(warnings, fmt.Sprintf("LETTA_TIMEOUT=%q is not a positive integer, using %d", v, DefaultLettaTimeout))
		}
	}

	for n := 1; n <= maxEnvAgents; n++ {
		prefix := fmt.Sprintf("AGENT_%d_", n)
		name := getenv(prefix + "NAME")
		id := getenv(prefix + "ID")
		if name == "" && id == "" {
			break
		}
		if name == "" {
			name = fmt.Sprintf("Agent %d", n)
		}

		interval := 15.0
		if v := getenv(prefix + "CYCLE_INTERVAL_MINUTES"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				interval = f
			} else {
				warnings = append(warnings, fmt.Sprintf("%sCYCLE_INTERVAL_MINUTES=%q is invalid, using 15", prefix, v))
			}
		}

		instruction := getenv(prefix + "ACTIVATION_INSTRUCTION")
		if instruction == "" {
			instruction = generatedInstruction
		}

		enabled := true
		if v := getenv(prefix + "ENABLED"); v != "" {
			enabled = strings.EqualFold(v, "true")
		}

		if id == "" {
			warnings = append(warnings, fmt.Sprintf("%sID is not set", prefix))
		}
		cfg.Agents = append(cfg.Agents, AgentConfig{
			Name:                  name,
			AgentID:               id,
			CycleIntervalMinutes:  &interval,
			ActivationInstruction: instruction,
			Enabled:               &enabled,
		})
	}

	if cfg.Letta.APIKey == "" {
		warnings = append(warnings, "LETTA_API_KEY is not set")
	}
	if len(cfg.Agents) == 0 {
		warnings = append(warnings, "no agents found (set AGENT_1_NAME and AGENT_1_ID)")
	}
	return cfg, warnings
}

// MarshalYAML renders cfg as a config file.
func MarshalYAML(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
