// Package config handles YAML configuration loading with environment
// variable expansion, the same shape the base gateway's internal/config package
// uses, retargeted from a multi-provider routing/caching gateway config to
// the credential pool's server/database/proxy-loop/seed-data shape.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// Config is the top-level process configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Seed      SeedConfig      `yaml:"seed"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// ProxyConfig configures the Proxy Loop (§4.10, §5).
type ProxyConfig struct {
	// ManagementPrefixes are path prefixes the Loop rejects with 404 rather
	// than forwarding upstream (§4.10 "not a proxy endpoint").
	ManagementPrefixes []string `yaml:"management_prefixes"`
	// ManagementPort is named in the 404 body so operators know where the
	// management surface actually lives.
	ManagementPort int `yaml:"management_port"`
	// ProviderTimeoutMs is the provider timeout; the Loop bounds each proxied
	// request, all retry attempts together, by 2x this (§5).
	ProviderTimeoutMs int `yaml:"provider_timeout_ms"`
}

// ProviderTimeout returns the configured provider timeout, falling back to
// proxyloop.DefaultProviderTimeout's value when unset.
func (p ProxyConfig) ProviderTimeout() time.Duration {
	if p.ProviderTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.ProviderTimeoutMs) * time.Millisecond
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

// SeedConfig is the bootstrap fixture data loaded into a fresh database:
// provider types, the provider keys drawn from them, the service keys
// clients present, OAuth sessions, and per-model pricing. Bootstrap runs
// this idempotently against internal/store/sqlite on every process start.
type SeedConfig struct {
	ProviderTypes []ProviderTypeEntry `yaml:"provider_types"`
	ProviderKeys  []ProviderKeyEntry  `yaml:"provider_keys"`
	ServiceKeys   []ServiceKeyEntry   `yaml:"service_keys"`
	OAuthSessions []OAuthSessionEntry `yaml:"oauth_sessions"`
	Pricing       []PricingEntry      `yaml:"pricing"`
}

// ProviderTypeEntry seeds a gwcore.ProviderType, identified by Name for
// cross-references from ProviderKeyEntry/ServiceKeyEntry/PricingEntry.
type ProviderTypeEntry struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	AuthType    string `yaml:"auth_type"` // "api_key" | "oauth"
	BaseURL     string `yaml:"base_url"`
}

// ProviderKeyEntry seeds a gwcore.UserProviderKey against a named provider type.
type ProviderKeyEntry struct {
	ProviderType   string `yaml:"provider_type"`
	UserID         string `yaml:"user_id"`
	AuthType       string `yaml:"auth_type"`
	APIKey         string `yaml:"api_key"` // raw key, or an oauth session id
	Weight         int    `yaml:"weight"`
	PerMinuteQuota int    `yaml:"per_minute_quota"`
	PerDayQuota    int    `yaml:"per_day_quota"`
	ProjectID      string `yaml:"project_id"`
}

// ServiceKeyEntry seeds a gwcore.UserServiceKey: the client-facing key and
// the pool of provider keys it schedules across.
type ServiceKeyEntry struct {
	ProviderType   string   `yaml:"provider_type"`
	UserID         string   `yaml:"user_id"`
	APIKey         string   `yaml:"api_key"` // plaintext, as presented by clients
	ProviderKeys   []int    `yaml:"provider_keys"` // indices into Seed.ProviderKeys
	Strategy       string   `yaml:"strategy"`      // "round_robin" | "weighted" | "health_best"
	RetryBudget    int      `yaml:"retry_budget"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// OAuthSessionEntry seeds a completed gwcore.OAuthSession.
type OAuthSessionEntry struct {
	SessionID    string `yaml:"session_id"`
	UserID       string `yaml:"user_id"`
	ProviderName string `yaml:"provider_name"`
	Status       string `yaml:"status"`
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	ExpiresAt    time.Time `yaml:"expires_at"`
}

// PricingEntry seeds a gwcore.PricingRow for a (provider_type, model) pair.
type PricingEntry struct {
	ProviderType string             `yaml:"provider_type"`
	ModelName    string             `yaml:"model_name"`
	Currency     string             `yaml:"currency"`
	Tiers        []PricingTierEntry `yaml:"tiers"`
}

// PricingTierEntry seeds a gwcore.PricingTier.
type PricingTierEntry struct {
	TokenType     string `yaml:"token_type"`
	MinTokens     int64  `yaml:"min_tokens"`
	MaxTokens     *int64 `yaml:"max_tokens"`
	PricePerToken float64 `yaml:"price_per_token"`
}

// ToProviderType converts e into the gwcore row Bootstrap upserts.
func (e ProviderTypeEntry) ToProviderType() gwcore.ProviderType {
	authType := gwcore.AuthTypeAPIKey
	if e.AuthType == string(gwcore.AuthTypeOAuth) {
		authType = gwcore.AuthTypeOAuth
	}
	return gwcore.ProviderType{
		Name:        e.Name,
		DisplayName: e.DisplayName,
		AuthType:    authType,
		BaseURL:     e.BaseURL,
		IsActive:    true,
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
		Database: DatabaseConfig{
			DSN: "kestrel.db",
		},
		Proxy: ProxyConfig{
			ManagementPrefixes: []string{"/admin"},
			ManagementPort:     9090,
			ProviderTimeoutMs:  30_000,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
