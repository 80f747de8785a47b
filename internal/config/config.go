package config

import (
	"fmt"
	"time"
)

// Config represents the main toolbridge configuration
type Config struct {
	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Bridge session / flow-control configuration
	Bridge BridgeConfig `json:"bridge" mapstructure:"bridge"`

	// Browser executor configuration
	Browser BrowserConfig `json:"browser" mapstructure:"browser"`

	// Database executor configuration
	Database DatabaseConfig `json:"database" mapstructure:"database"`

	// Capability registry configuration
	Registry RegistryConfig `json:"registry" mapstructure:"registry"`

	// Principals known to the gateway and their granted scopes
	Principals []PrincipalConfig `json:"principals" mapstructure:"principals"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds the network surface configuration
type GatewayConfig struct {
	Port              int    `json:"port" mapstructure:"port"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// BridgeConfig holds session and flow-control options
type BridgeConfig struct {
	InitialCredit      int `json:"initial_credit" mapstructure:"initial_credit"`
	MaxQueuedChunks    int `json:"max_queued_chunks" mapstructure:"max_queued_chunks"`
	SessionIdleTTLMs   int `json:"session_idle_ttl_ms" mapstructure:"session_idle_ttl_ms"`
	DrainGraceMs       int `json:"drain_grace_ms" mapstructure:"drain_grace_ms"`
	HandshakeTimeoutMs int `json:"handshake_timeout_ms" mapstructure:"handshake_timeout_ms"`
}

// SessionIdleTTL returns the idle TTL as a duration
func (c BridgeConfig) SessionIdleTTL() time.Duration {
	return time.Duration(c.SessionIdleTTLMs) * time.Millisecond
}

// DrainGrace returns the drain grace period as a duration
func (c BridgeConfig) DrainGrace() time.Duration {
	return time.Duration(c.DrainGraceMs) * time.Millisecond
}

// HandshakeTimeout returns the handshake timeout as a duration
func (c BridgeConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// BrowserConfig holds browser executor security and timeout settings
type BrowserConfig struct {
	AllowedDomains []string `json:"allowed_domains" mapstructure:"allowed_domains"`
	BlockedDomains []string `json:"blocked_domains" mapstructure:"blocked_domains"`
	AllowLocalhost bool     `json:"allow_localhost" mapstructure:"allow_localhost"`
	AllowFileURLs  bool     `json:"allow_file_urls" mapstructure:"allow_file_urls"`
	TimeoutMs      int      `json:"timeout_ms" mapstructure:"timeout_ms"`
}

// Timeout returns the per-operation browser timeout as a duration
func (c BrowserConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// DatabaseConfig holds database executor settings
type DatabaseConfig struct {
	DSN            string `json:"dsn" mapstructure:"dsn"`
	MaxConnections int    `json:"max_connections" mapstructure:"max_connections"`
	MaxQueueDepth  int    `json:"max_queue_depth" mapstructure:"max_queue_depth"`
}

// RegistryConfig holds the capability registry client settings and the
// static tool descriptors served when no external registry is wired in.
type RegistryConfig struct {
	TTLMs int          `json:"ttl_ms" mapstructure:"ttl_ms"`
	Tools []ToolConfig `json:"tools" mapstructure:"tools"`
}

// TTL returns the descriptor cache TTL as a duration
func (c RegistryConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// ToolConfig describes one tool capability
type ToolConfig struct {
	Name            string                 `json:"name" mapstructure:"name"`
	Target          string                 `json:"target" mapstructure:"target"`
	SideEffectClass string                 `json:"side_effect_class" mapstructure:"side_effect_class"`
	Allowlisted     bool                   `json:"allowlisted" mapstructure:"allowlisted"`
	InputSchema     map[string]interface{} `json:"input_schema" mapstructure:"input_schema"`
}

// PrincipalConfig binds a principal name to its granted scopes
type PrincipalConfig struct {
	Name   string   `json:"name" mapstructure:"name"`
	Scopes []string `json:"scopes" mapstructure:"scopes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:              8710,
			RequestsPerMinute: 60,
			MaxConcurrent:     10,
		},
		Bridge: BridgeConfig{
			InitialCredit:      16,
			MaxQueuedChunks:    256,
			SessionIdleTTLMs:   60000,
			DrainGraceMs:       2000,
			HandshakeTimeoutMs: 5000,
		},
		Browser: BrowserConfig{
			TimeoutMs: 5000,
		},
		Database: DatabaseConfig{
			MaxConnections: 10,
			MaxQueueDepth:  50,
		},
		Registry: RegistryConfig{
			TTLMs: 30000,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535, got %d", c.Gateway.Port)
	}
	if c.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway shared_secret is required")
	}
	if c.Bridge.InitialCredit <= 0 {
		return fmt.Errorf("bridge initial_credit must be positive, got %d", c.Bridge.InitialCredit)
	}
	if c.Bridge.MaxQueuedChunks <= 0 {
		return fmt.Errorf("bridge max_queued_chunks must be positive, got %d", c.Bridge.MaxQueuedChunks)
	}
	if c.Bridge.SessionIdleTTLMs <= 0 {
		return fmt.Errorf("bridge session_idle_ttl_ms must be positive, got %d", c.Bridge.SessionIdleTTLMs)
	}
	if c.Bridge.DrainGraceMs < 0 {
		return fmt.Errorf("bridge drain_grace_ms must not be negative, got %d", c.Bridge.DrainGraceMs)
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max_connections must be positive, got %d", c.Database.MaxConnections)
	}
	if c.Database.MaxQueueDepth < 0 {
		return fmt.Errorf("database max_queue_depth must not be negative, got %d", c.Database.MaxQueueDepth)
	}
	if c.Browser.TimeoutMs <= 0 {
		return fmt.Errorf("browser timeout_ms must be positive, got %d", c.Browser.TimeoutMs)
	}

	seen := make(map[string]bool, len(c.Registry.Tools))
	for _, tool := range c.Registry.Tools {
		if tool.Name == "" {
			return fmt.Errorf("registry tool with empty name")
		}
		if seen[tool.Name] {
			return fmt.Errorf("duplicate registry tool: %s", tool.Name)
		}
		seen[tool.Name] = true

		switch tool.SideEffectClass {
		case "pure", "network", "filesystem", "browser", "database":
		default:
			return fmt.Errorf("tool %s has unknown side_effect_class %q", tool.Name, tool.SideEffectClass)
		}
	}

	return nil
}
