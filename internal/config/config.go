// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/eugener/gandalf/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Store     StoreConfig           `yaml:"store"`
	Secrets   SecretsConfig         `yaml:"secrets"`
	Auth      AuthConfig            `yaml:"auth"`
	Telemetry TelemetryConfig       `yaml:"telemetry"`
	Sessions  SessionsConfig        `yaml:"sessions"`
	Routing   gateway.RoutingConfig `yaml:"routing"`
	Providers []ProviderEntry       `yaml:"providers"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig holds the SQLite-backed KV/event/usage store settings.
type StoreConfig struct {
	Path          string `yaml:"path"` // file path or ":memory:"
	MaxSizeMB     int64  `yaml:"max_size_mb"`
	MaintainEvery time.Duration `yaml:"maintain_every"`
}

// SecretsConfig points at the on-disk secret store file.
type SecretsConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds the gateway's own shared bearer token. When empty, one
// is minted into the secret store on first boot.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// SessionsConfig points at the client CLI's home directory, which contains
// a "sessions/YYYY/MM/DD/rollout-*.jsonl" tree used to rebuild history on a
// provider switch. An empty Dir disables previous_response_id history
// reconstruction.
type SessionsConfig struct {
	Dir string `yaml:"dir"`
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	Name         string `yaml:"name"`
	DisplayName  string `yaml:"display_name"`
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"` // plaintext; migrated to the secret store on boot, then blanked
	Disabled     *bool  `yaml:"disabled"`
	UsageAdapter string `yaml:"usage_adapter"` // "", "token-stats", "budget-info"
	UsageBaseURL string `yaml:"usage_base_url"`
	Hosting      string `yaml:"hosting"` // "", "vertex"
	Region       string `yaml:"region"`  // GCP region for Vertex AI
	Project      string `yaml:"project"` // GCP project ID for Vertex AI
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Disabled == nil || !*p.Disabled
}

// ToGateway converts a config-file provider entry into the domain type
// routing and the upstream registry use. LegacyAPIKey is copied from the
// entry's APIKey as-is; Bootstrap migrates and blanks ProviderEntry.APIKey
// itself, so an entry converted after Bootstrap carries an empty LegacyAPIKey.
func (p ProviderEntry) ToGateway() gateway.ProviderConfig {
	return gateway.ProviderConfig{
		Name:         p.Name,
		DisplayName:  p.DisplayName,
		BaseURL:      p.BaseURL,
		UsageAdapter: gateway.UsageAdapterKind(p.UsageAdapter),
		UsageBaseURL: p.UsageBaseURL,
		Disabled:     !p.IsEnabled(),
		LegacyAPIKey: p.APIKey,
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Path:          "gateway.db",
			MaxSizeMB:     512,
			MaintainEvery: time.Hour,
		},
		Secrets: SecretsConfig{
			Path: "secrets.json",
		},
		Routing: gateway.RoutingConfig{
			AutoReturnToPreferred:  true,
			PreferredStableSeconds: 120,
			FailureThreshold:       3,
			CooldownSeconds:        30,
			RequestTimeoutSeconds:  120,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
