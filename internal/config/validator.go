package config

import (
	"fmt"
	"strings"

	"github.com/harun/exprtools/pkg/watcher"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateExtensions requires at least one extension, each with a leading dot
func (v *Validator) ValidateExtensions(exts []string) error {
	if len(exts) == 0 {
		return fmt.Errorf("at least one descriptor extension is required")
	}
	for _, ext := range exts {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("invalid descriptor extension %q (must start with a dot)", ext)
		}
	}
	return nil
}

// ValidatePollSchedule validates a reload poll schedule. Empty disables
// polling.
func (v *Validator) ValidatePollSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := watcher.ScheduleParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePolicy rejects empty entries in a tool policy
func (v *Validator) ValidatePolicy(policy ToolPolicyConfig) error {
	for _, name := range append(append([]string{}, policy.Allow...), policy.Deny...) {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("tool policy entries cannot be empty")
		}
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Descriptors
	if err := v.ValidateExtensions(cfg.Descriptors.Extensions); err != nil {
		errors = append(errors, err)
	}
	if cfg.Descriptors.Concurrency < 0 {
		errors = append(errors, fmt.Errorf("descriptors.concurrency must be >= 0"))
	}

	// Watch
	if err := v.ValidatePollSchedule(cfg.Watch.PollSchedule); err != nil {
		errors = append(errors, err)
	}
	if cfg.Watch.Enabled && cfg.Watch.DisableNotify && cfg.Watch.PollSchedule == "" {
		errors = append(errors, fmt.Errorf("watch.poll_schedule is required when watch.disable_notify is set"))
	}
	if cfg.Watch.StabilityThreshold < 0 {
		errors = append(errors, fmt.Errorf("watch.stability_threshold must be >= 0"))
	}

	// Executor
	if cfg.Executor.Timeout < 0 {
		errors = append(errors, fmt.Errorf("executor.timeout must be >= 0"))
	}
	if cfg.Executor.MaxOutputSize < 0 {
		errors = append(errors, fmt.Errorf("executor.max_output_size must be >= 0"))
	}
	if err := v.ValidatePolicy(cfg.Executor.Policy); err != nil {
		errors = append(errors, err)
	}

	// MCP
	if cfg.MCP.Concurrency < 0 {
		errors = append(errors, fmt.Errorf("mcp.concurrency must be >= 0"))
	}

	// Gateway
	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errors = append(errors, fmt.Errorf("gateway: %w", err))
	}
	if cfg.Gateway.RequestsPerMinute < 0 {
		errors = append(errors, fmt.Errorf("gateway.requests_per_minute must be >= 0"))
	}
	if cfg.Gateway.MaxConcurrent < 0 {
		errors = append(errors, fmt.Errorf("gateway.max_concurrent must be >= 0"))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
