package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/multierr"
)

// Config represents the exprtools configuration
type Config struct {
	// Descriptors
	Descriptors DescriptorsConfig `json:"descriptors" mapstructure:"descriptors"`

	// Hot reload
	Watch WatchConfig `json:"watch" mapstructure:"watch"`

	// Tool execution
	Executor ExecutorConfig `json:"executor" mapstructure:"executor"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// MCP stdio server
	MCP MCPConfig `json:"mcp" mapstructure:"mcp"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// DescriptorsConfig locates tool descriptor files
type DescriptorsConfig struct {
	Dir         string   `json:"dir" mapstructure:"dir"`
	Extensions  []string `json:"extensions" mapstructure:"extensions"`
	Concurrency int      `json:"concurrency" mapstructure:"concurrency"`
}

// WatchConfig controls descriptor hot reload
type WatchConfig struct {
	Enabled            bool          `json:"enabled" mapstructure:"enabled"`
	StabilityThreshold time.Duration `json:"stability_threshold" mapstructure:"stability_threshold"`
	// PollSchedule is a cron expression or descriptor such as "@every 30s"
	PollSchedule  string `json:"poll_schedule" mapstructure:"poll_schedule"`
	DisableNotify bool   `json:"disable_notify" mapstructure:"disable_notify"`
}

// ExecutorConfig holds tool execution limits
type ExecutorConfig struct {
	Timeout       time.Duration    `json:"timeout" mapstructure:"timeout"`
	MaxOutputSize int              `json:"max_output_size" mapstructure:"max_output_size"`
	Policy        ToolPolicyConfig `json:"policy" mapstructure:"policy"`
}

// ToolPolicyConfig defines tool access policies
type ToolPolicyConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MCPConfig holds MCP server configuration
type MCPConfig struct {
	ServerName  string `json:"server_name" mapstructure:"server_name"`
	Concurrency int    `json:"concurrency" mapstructure:"concurrency"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port              int      `json:"port" mapstructure:"port"`
	Host              string   `json:"host" mapstructure:"host"`
	SharedSecret      string   `json:"shared_secret" mapstructure:"shared_secret"`
	AllowedOrigins    []string `json:"allowed_origins" mapstructure:"allowed_origins"`
	RequestsPerMinute int      `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int      `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// Addr returns host:port
func (g GatewayConfig) Addr() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

// MetricsConfig controls the Prometheus endpoint on the gateway
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Descriptors: DescriptorsConfig{
			Dir:         "tools",
			Extensions:  []string{".yaml", ".yml"},
			Concurrency: 8,
		},
		Watch: WatchConfig{
			Enabled:            false,
			StabilityThreshold: 100 * time.Millisecond,
		},
		Executor: ExecutorConfig{
			Timeout:       30 * time.Second,
			MaxOutputSize: 10 * 1024,
			Policy: ToolPolicyConfig{
				Allow: []string{"*"},
				Deny:  []string{},
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		MCP: MCPConfig{
			ServerName:  "exprtools",
			Concurrency: 4,
		},
		Gateway: GatewayConfig{
			Port:              8765,
			Host:              "127.0.0.1",
			SharedSecret:      "",
			AllowedOrigins:    []string{},
			RequestsPerMinute: 600,
			MaxConcurrent:     16,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid and reports every problem
// found
func (c *Config) Validate() error {
	if c.Descriptors.Dir == "" {
		return fmt.Errorf("descriptors.dir is required")
	}
	return multierr.Combine(NewValidator().ValidateConfig(c)...)
}
