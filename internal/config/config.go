package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models crewline.yml.
type Config struct {
	Workspace struct {
		ID string `yaml:"id"`
	} `yaml:"workspace"`
	Publish struct {
		Strategy string `yaml:"strategy"`
	} `yaml:"publish"`
	Agents struct {
		SupervisorChannel string `yaml:"supervisor_channel"`
		StaleClaimMinutes int    `yaml:"stale_claim_minutes"`
		// WatchQueues are shared queues every agent drains at startup in
		// addition to its own. Optional.
		WatchQueues []string `yaml:"watch_queues"`
	} `yaml:"agents"`
	Messages struct {
		DefaultRetentionDays int `yaml:"default_retention_days"`
	} `yaml:"messages"`
	Selection struct {
		ClaimRetries int `yaml:"claim_retries"`
	} `yaml:"selection"`
}

// Strategy modes for the publish gate.
const (
	StrategySequential       = "sequential"
	StrategyParallel         = "parallel"
	StrategyOnReady          = "on-ready"
	StrategyOnParentApproved = "on-parent-approved"
)

func validStrategy(s string) bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyOnReady, StrategyOnParentApproved:
		return true
	}
	return false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cw config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	if !validStrategy(c.Publish.Strategy) {
		return fmt.Errorf("config.publish.strategy must be one of sequential, parallel, on-ready, on-parent-approved")
	}
	if c.Agents.SupervisorChannel == "" {
		return fmt.Errorf("config.agents.supervisor_channel is required")
	}
	if c.Agents.StaleClaimMinutes <= 0 {
		return fmt.Errorf("config.agents.stale_claim_minutes must be positive")
	}
	if c.Messages.DefaultRetentionDays < 0 {
		return fmt.Errorf("config.messages.default_retention_days cannot be negative")
	}
	if c.Selection.ClaimRetries <= 0 {
		return fmt.Errorf("config.selection.claim_retries must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crewline.yml")
}

// Default returns the default Config struct for a workspace.
func Default(workspaceID string) *Config {
	var cfg Config
	cfg.Workspace.ID = workspaceID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workspaceID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workspace:
  id: %s

publish:
  strategy: sequential

agents:
  supervisor_channel: supervisor
  stale_claim_minutes: 30

messages:
  default_retention_days: 7

selection:
  claim_retries: 3
`
