package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. EXPRTOOLS_GATEWAY_PORT
const EnvPrefix = "EXPRTOOLS"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file if it exists and applies environment overrides.
// A relative descriptors.dir is resolved against the config file directory.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fromFile := false
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if filepath.Ext(configPath) == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		fromFile = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if fromFile && !filepath.IsAbs(cfg.Descriptors.Dir) {
		cfg.Descriptors.Dir = filepath.Join(filepath.Dir(configPath), cfg.Descriptors.Dir)
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".exprtools")
	}

	return cfg, nil
}

// Save writes the configuration to the config file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	settings, err := toSettings(cfg)
	if err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if filepath.Ext(configPath) == "" {
		v.SetConfigType("yaml")
	}
	for key, value := range settings {
		v.Set(key, value)
	}

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".exprtools", "config.yaml")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// toSettings flattens cfg into snake_case sections keyed like the file
// format. Durations are written in their string form.
func toSettings(cfg *Config) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	if watch, ok := settings["watch"].(map[string]interface{}); ok {
		watch["stability_threshold"] = cfg.Watch.StabilityThreshold.String()
	}
	if executor, ok := settings["executor"].(map[string]interface{}); ok {
		executor["timeout"] = cfg.Executor.Timeout.String()
	}

	return settings, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// are absent from the config file
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("descriptors.dir", cfg.Descriptors.Dir)
	v.SetDefault("descriptors.extensions", cfg.Descriptors.Extensions)
	v.SetDefault("descriptors.concurrency", cfg.Descriptors.Concurrency)

	v.SetDefault("watch.enabled", cfg.Watch.Enabled)
	v.SetDefault("watch.stability_threshold", cfg.Watch.StabilityThreshold)
	v.SetDefault("watch.poll_schedule", cfg.Watch.PollSchedule)
	v.SetDefault("watch.disable_notify", cfg.Watch.DisableNotify)

	v.SetDefault("executor.timeout", cfg.Executor.Timeout)
	v.SetDefault("executor.max_output_size", cfg.Executor.MaxOutputSize)
	v.SetDefault("executor.policy.allow", cfg.Executor.Policy.Allow)
	v.SetDefault("executor.policy.deny", cfg.Executor.Policy.Deny)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("mcp.server_name", cfg.MCP.ServerName)
	v.SetDefault("mcp.concurrency", cfg.MCP.Concurrency)

	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.shared_secret", cfg.Gateway.SharedSecret)
	v.SetDefault("gateway.allowed_origins", cfg.Gateway.AllowedOrigins)
	v.SetDefault("gateway.requests_per_minute", cfg.Gateway.RequestsPerMinute)
	v.SetDefault("gateway.max_concurrent", cfg.Gateway.MaxConcurrent)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)

	v.SetDefault("data_dir", cfg.DataDir)
}
