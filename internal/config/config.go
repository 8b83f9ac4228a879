// Package config handles loading and validating sanduku configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration.
type Config struct {
	DataDir       string                `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.sanduku/data. Override: SANDUKU_DATA_DIR env var.
	Provider      ProviderConfig        `json:"provider" yaml:"provider"`
	Sandbox       SandboxConfig         `json:"sandbox" yaml:"sandbox"`
	Agent         AgentConfig           `json:"agent" yaml:"agent"`
	Storage       *StorageConfig        `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir)
	Gateway       GatewayConfig         `json:"gateway" yaml:"gateway"`
	Sweeper       *SweeperConfig        `json:"sweeper,omitempty" yaml:"sweeper,omitempty"`             // nil = idle sweeping disabled
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ProviderConfig configures the model backend.
type ProviderConfig struct {
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
}

// AnthropicConfig configures the Anthropic Messages API client.
type AnthropicConfig struct {
	APIKey         string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: ANTHROPIC_API_KEY env var.
	Model          string `json:"model" yaml:"model"`                         // Default: "claude-sonnet-4-20250514"
	MaxTokens      int    `json:"max_tokens" yaml:"max_tokens"`               // Default: 8192
	ThinkingBudget int    `json:"thinking_budget" yaml:"thinking_budget"`     // 0 = extended thinking disabled
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`     // Default: 300
}

// Timeout returns the request timeout for model calls.
func (a *AnthropicConfig) Timeout() time.Duration {
	if a.TimeoutSeconds > 0 {
		return time.Duration(a.TimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// SandboxConfig configures the remote code-execution sandbox provider.
type SandboxConfig struct {
	E2B       E2BConfig `json:"e2b" yaml:"e2b"`
	Workspace string    `json:"workspace" yaml:"workspace"` // Base directory inside the sandbox. Default: "/home/user"
}

// E2BConfig configures the E2B sandbox API.
type E2BConfig struct {
	APIKey         string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: E2B_API_KEY env var.
	BaseURL        string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Template       string `json:"template,omitempty" yaml:"template,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Per-operation timeout. Default: 60
}

// Timeout returns the per-operation sandbox timeout.
func (e *E2BConfig) Timeout() time.Duration {
	if e.TimeoutSeconds > 0 {
		return time.Duration(e.TimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// AgentConfig configures the tool loop.
type AgentConfig struct {
	MaxIterations    int    `json:"max_iterations" yaml:"max_iterations"` // Loop ceiling per turn. Default: 15
	SystemPromptFile string `json:"system_prompt_file,omitempty" yaml:"system_prompt_file,omitempty"`
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: SANDUKU_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// GatewayConfig configures the outward-facing surfaces.
type GatewayConfig struct {
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"` // nil = HTTP gateway disabled
	MCP  *MCPGatewayConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`   // nil = MCP server disabled
}

// HTTPGatewayConfig configures the REST gateway.
type HTTPGatewayConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Addr    string   `json:"addr" yaml:"addr"`                           // Default: ":8080"
	APIKeys []string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // Empty = no auth. Override/append: SANDUKU_API_KEY env var.

	RequestsPerMinute int  `json:"requests_per_minute" yaml:"requests_per_minute"` // Per-client turn rate limit. 0 = unlimited.
	EnableDocs        bool `json:"enable_docs" yaml:"enable_docs"`                 // Serve generated OpenAPI docs.
}

// ListenAddr returns the bind address, defaulting to ":8080".
func (h *HTTPGatewayConfig) ListenAddr() string {
	if h != nil && h.Addr != "" {
		return h.Addr
	}
	return ":8080"
}

// MCPGatewayConfig configures the MCP stdio server.
type MCPGatewayConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// SweeperConfig configures idle sandbox sweeping.
type SweeperConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	IdleTTLMinutes  int  `json:"idle_ttl_minutes" yaml:"idle_ttl_minutes"` // Default: 15
	IntervalMinutes int  `json:"interval_minutes" yaml:"interval_minutes"` // Default: 5
}

// IdleTTL returns how long a cached handle may sit unused before release.
func (s *SweeperConfig) IdleTTL() time.Duration {
	if s != nil && s.IdleTTLMinutes > 0 {
		return time.Duration(s.IdleTTLMinutes) * time.Minute
	}
	return 15 * time.Minute
}

// Interval returns the sweep cadence.
func (s *SweeperConfig) Interval() time.Duration {
	if s != nil && s.IntervalMinutes > 0 {
		return time.Duration(s.IntervalMinutes) * time.Minute
	}
	return 5 * time.Minute
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path, defaulting to "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sanduku"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sanduku.yaml"
	}
	return filepath.Join(home, ".sanduku", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. API keys can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variables over file values.
func (c *Config) applyEnvOverrides() {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		c.Provider.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("E2B_API_KEY"); envKey != "" {
		c.Sandbox.E2B.APIKey = envKey
	}
	if envDD := os.Getenv("SANDUKU_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envDSN := os.Getenv("SANDUKU_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = envDSN
	}
	if envKey := os.Getenv("SANDUKU_API_KEY"); envKey != "" {
		if c.Gateway.HTTP == nil {
			c.Gateway.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		c.Gateway.HTTP.APIKeys = append(c.Gateway.HTTP.APIKeys, envKey)
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".sanduku", "data")
		}
	}
	if c.Provider.Anthropic.Model == "" {
		c.Provider.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.Provider.Anthropic.MaxTokens <= 0 {
		c.Provider.Anthropic.MaxTokens = 8192
	}
	if c.Sandbox.Workspace == "" {
		c.Sandbox.Workspace = "/home/user"
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 15
	}
}

// DatabasePath returns the SQLite database path, derived from the data dir
// unless explicitly configured.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "sanduku.db")
}

func (c *Config) validate() error {
	if c.Provider.Anthropic.APIKey == "" {
		return fmt.Errorf("provider.anthropic.api_key is required (or set ANTHROPIC_API_KEY)")
	}
	if c.Sandbox.E2B.APIKey == "" {
		return fmt.Errorf("sandbox.e2b.api_key is required (or set E2B_API_KEY)")
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}
	return nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
