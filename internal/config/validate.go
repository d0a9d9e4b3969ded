package config

import (
	"fmt"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// stageNames is the set of policy names a config override may target.
// Two-phase stages carry separate plan and code policies.
var stageNames = map[string]bool{
	"epic-stories":           true,
	"implementation":         true,
	"unit-tests-plan":        true,
	"unit-tests-code":        true,
	"integration-tests-plan": true,
	"integration-tests-code": true,
	"fix":                    true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.Agent.Command == "" {
		errs = append(errs, ValidationError{Field: "agent.command", Message: "is required"})
	}
	if cfg.Tracker.Command == "" {
		errs = append(errs, ValidationError{Field: "tracker.command", Message: "is required"})
	}

	if cfg.Tests.MaxFixRetries != nil && *cfg.Tests.MaxFixRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "tests.max_fix_retries",
			Message: fmt.Sprintf("must be >= 0, got %d", *cfg.Tests.MaxFixRetries),
		})
	}

	// Timeout fields must parse as Go durations.
	for _, d := range []struct {
		field string
		value string
	}{
		{"agent.timeout", cfg.Agent.Timeout},
		{"tests.timeout", cfg.Tests.Timeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, ValidationError{
				Field:   d.field,
				Message: fmt.Sprintf("invalid duration %q", d.value),
			})
		}
	}

	// Policy overrides must target known stages.
	for stage := range cfg.Policies.Overrides {
		if !stageNames[stage] {
			errs = append(errs, ValidationError{
				Field:   "policies.overrides",
				Message: fmt.Sprintf("unknown stage %q", stage),
			})
		}
	}

	return errs
}

// AgentTimeout returns the parsed agent timeout. Call Validate first; an
// unparseable value falls back to 30 minutes here.
func (c *Config) AgentTimeout() time.Duration {
	d, err := time.ParseDuration(c.Agent.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// TestTimeout returns the parsed per-run test timeout.
func (c *Config) TestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Tests.Timeout)
	if err != nil || d <= 0 {
		return 20 * time.Minute
	}
	return d
}
