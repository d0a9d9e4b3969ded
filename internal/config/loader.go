package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultMaxFixRetries is the fix budget applied when tests.max_fix_retries
// is not set. The test-execution loop runs at most retries+1 attempts.
const DefaultMaxFixRetries = 5

// Load reads and parses a workflow configuration from the given YAML file path.
// After parsing, it applies defaults to fields that are not set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a workflow config in standard locations and loads
// the first one found. Search order: ./sdlc.yaml, ~/.sdlc/config.yaml.
// When no file exists, a fully defaulted config is returned.
func LoadDefault() (*Config, error) {
	candidates := []string{"sdlc.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".sdlc", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return Defaults(), nil
}

// Defaults returns a config with every default applied and no file read.
func Defaults() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults fills in unset fields with workable defaults.
func applyDefaults(cfg *Config) {
	if cfg.Workflow.BaseBranch == "" {
		cfg.Workflow.BaseBranch = "main"
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
	if cfg.Agent.Flags == "" && cfg.Agent.Command == "claude" {
		cfg.Agent.Flags = "--permission-mode acceptEdits"
	}
	if cfg.Agent.Timeout == "" {
		cfg.Agent.Timeout = "30m"
	}
	if cfg.Tracker.Command == "" {
		cfg.Tracker.Command = "jira"
	}
	if cfg.Tracker.EpicType == "" {
		cfg.Tracker.EpicType = "Epic"
	}
	if cfg.Tracker.StoryType == "" {
		cfg.Tracker.StoryType = "Story"
	}
	if cfg.Tests.Timeout == "" {
		cfg.Tests.Timeout = "20m"
	}
}
