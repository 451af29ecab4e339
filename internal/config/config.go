// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Backend       BackendConfig       `yaml:"backend"`
	Save          SaveConfig          `yaml:"save"`
	Cache         FlowCacheConfig     `yaml:"cache"`
	Drafts        DraftsConfig        `yaml:"drafts"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Display       DisplayConfig       `yaml:"display"`
	Registry      RegistryConfig      `yaml:"registry"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT verification settings. Tokens are verified
// against the JWKS endpoint, or against a shared HMAC secret read from the
// environment variable named by HMACSecretEnv.
type IdentityConfig struct {
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	JWKSURL       string            `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration     `yaml:"jwks_cache_ttl"`
	HMACSecretEnv string            `yaml:"hmac_secret_env"`
	Algorithms    []string          `yaml:"algorithms"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
}

// HMACSecret returns the shared secret, or nil when none is configured.
func (c IdentityConfig) HMACSecret() []byte {
	if c.HMACSecretEnv == "" {
		return nil
	}
	if v := os.Getenv(c.HMACSecretEnv); v != "" {
		return []byte(v)
	}
	return nil
}

// BackendConfig describes the remote flows API.
type BackendConfig struct {
	BaseURL        string               `yaml:"base_url"`
	SpecFile       string               `yaml:"spec_file"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
	HalfOpenProbes     int           `yaml:"half_open_probes"`
}

// RetryConfig describes retry settings for backend calls.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// SaveConfig bounds the fan-out of a flow save.
type SaveConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// FlowCacheConfig describes the read-through cache of loaded flows.
type FlowCacheConfig struct {
	Driver    string        `yaml:"driver"`
	AddrEnv   string        `yaml:"addr_env"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// DraftsConfig describes editing draft persistence.
type DraftsConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TTL             time.Duration `yaml:"ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// IdempotencyConfig describes save deduplication settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	Evaluator        string      `yaml:"evaluator"`
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// DisplayConfig controls how dates are rendered in summaries and details.
type DisplayConfig struct {
	Timezone string `yaml:"timezone"`
	Layout   string `yaml:"layout"`
}

// RegistryConfig points at the optional rule type display overrides.
type RegistryConfig struct {
	OverridesFile string `yaml:"overrides_file"`
	HotReload     bool   `yaml:"hot_reload"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Organization-Id",
					"X-Correlation-Id", "X-Idempotency-Key", "X-Timezone"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id":      "sub",
				"organization_id": "org_id",
				"email":           "email",
				"roles":           "roles",
			},
		},
		Backend: BackendConfig{
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:   5,
				SuccessThreshold:   2,
				Timeout:            30 * time.Second,
				ErrorRateThreshold: 0.5,
				ErrorRateWindow:    time.Minute,
				HalfOpenProbes:     1,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
		},
		Save: SaveConfig{Concurrency: 8},
		Cache: FlowCacheConfig{
			Driver:    "memory",
			KeyPrefix: "flowdesk:flow:",
			TTL:       2 * time.Minute,
		},
		Drafts: DraftsConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			TTL:             24 * time.Hour,
			SweepInterval:   10 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Capability: CapabilityConfig{
			Evaluator: "static",
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Display: DisplayConfig{
			Timezone: "UTC",
			Layout:   "Jan 2, 2006, 3:04 PM",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load layers path over Defaults, then FLOWDESK_* environment variables
// over the file, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile exports the variables of a dotenv file so the FLOWDESK_*
// overrides can be kept next to a local config. Variables already set in
// the environment win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: loading %s: %w", path, err)
}

type problems []string

func (p *problems) require(ok bool, format string, args ...any) {
	if !ok {
		*p = append(*p, fmt.Sprintf(format, args...))
	}
}

// Validate reports every invalid setting at once, separated by "; ".
func (c *Config) Validate() error {
	var p problems

	p.require(c.Server.Port >= 1 && c.Server.Port <= 65535, "server.port must be between 1 and 65535")
	p.require(c.Identity.Issuer != "", "identity.issuer is required")
	p.require(c.Identity.JWKSURL != "" || c.Identity.HMACSecretEnv != "", "identity.jwks_url or identity.hmac_secret_env is required")
	p.require(c.Identity.Audience != "", "identity.audience is required")
	p.require(c.Backend.BaseURL != "", "backend.base_url is required")

	rate := c.Backend.CircuitBreaker.ErrorRateThreshold
	p.require(rate >= 0 && rate <= 1, "backend.circuit_breaker.error_rate_threshold must be between 0 and 1")
	p.require(c.Save.Concurrency >= 1, "save.concurrency must be at least 1")

	switch c.Cache.Driver {
	case "none", "memory":
	case "redis":
		p.require(c.Cache.AddrEnv != "", "cache.addr_env is required for the redis driver")
	default:
		p.require(false, "cache.driver %q must be none, memory or redis", c.Cache.Driver)
	}

	switch c.Drafts.Driver {
	case "memory":
	case "postgres":
		p.require(c.Drafts.DSNEnv != "", "drafts.dsn_env is required for the postgres driver")
	default:
		p.require(false, "drafts.driver %q must be memory or postgres", c.Drafts.Driver)
	}
	p.require(c.Drafts.TTL > 0, "drafts.ttl must be positive")

	if c.Idempotency.Enabled {
		d := c.Idempotency.Store.Driver
		p.require(d == "memory" || d == "redis", "idempotency.store.driver %q must be memory or redis", d)
	}
	if tz := c.Display.Timezone; tz != "" {
		_, err := time.LoadLocation(tz)
		p.require(err == nil, "display.timezone %q is not a known zone", tz)
	}

	if len(p) > 0 {
		return errors.New(strings.Join(p, "; "))
	}
	return nil
}

// envOverrides binds FLOWDESK_* variables to the settings most often changed
// per deployment.
var envOverrides = map[string]func(*Config, string) error{
	"FLOWDESK_SERVER_PORT":             func(c *Config, v string) error { return setInt(&c.Server.Port, v) },
	"FLOWDESK_IDENTITY_ISSUER":         func(c *Config, v string) error { c.Identity.Issuer = v; return nil },
	"FLOWDESK_IDENTITY_JWKS_URL":       func(c *Config, v string) error { c.Identity.JWKSURL = v; return nil },
	"FLOWDESK_IDENTITY_AUDIENCE":       func(c *Config, v string) error { c.Identity.Audience = v; return nil },
	"FLOWDESK_BACKEND_BASE_URL":        func(c *Config, v string) error { c.Backend.BaseURL = v; return nil },
	"FLOWDESK_BACKEND_TIMEOUT":         func(c *Config, v string) error { return setDuration(&c.Backend.Timeout, v) },
	"FLOWDESK_SAVE_CONCURRENCY":        func(c *Config, v string) error { return setInt(&c.Save.Concurrency, v) },
	"FLOWDESK_DISPLAY_TIMEZONE":        func(c *Config, v string) error { c.Display.Timezone = v; return nil },
	"FLOWDESK_DRAFTS_DRIVER":           func(c *Config, v string) error { c.Drafts.Driver = v; return nil },
	"FLOWDESK_DRAFTS_TTL":              func(c *Config, v string) error { return setDuration(&c.Drafts.TTL, v) },
	"FLOWDESK_CACHE_DRIVER":            func(c *Config, v string) error { c.Cache.Driver = v; return nil },
	"FLOWDESK_OBSERVABILITY_LOG_LEVEL": func(c *Config, v string) error { c.Observability.LogLevel = v; return nil },
	"FLOWDESK_CAPABILITY_EVALUATOR":    func(c *Config, v string) error { c.Capability.Evaluator = v; return nil },
	"FLOWDESK_TRACING_ENDPOINT":        func(c *Config, v string) error { c.Observability.Tracing.Endpoint = v; return nil },
}

// applyEnvOverrides applies every non-empty bound variable lookup finds.
// Malformed numbers and durations are reported, not ignored.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for name, set := range envOverrides {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := set(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
