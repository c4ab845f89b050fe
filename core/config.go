package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the orchestration core, per spec.md
// §6.3. NewConfig layers it in priority order: defaults, then an
// optional YAML file, then environment variables, then functional
// options (highest). The env layer reads only PASSAGE_CONFIG_FILE,
// AGENT_URLS, PASSAGE_CONCURRENCY, PASSAGE_FANOUT_CAP,
// PASSAGE_REDIS_URL/REDIS_URL and PASSAGE_OTLP_ENDPOINT; the env and
// default struct tags on the other fields are not read by NewConfig,
// so those fields take their DefaultConfig value unless an option or
// the file layer sets them.
type Config struct {
	// AgentURLs maps agent id -> base URL. Populated from the
	// AGENT_URLS env var ("id=url,id=url") and the config file, then
	// overridden by WithAgentURL options in NewConfig.
	AgentURLs map[string]string

	// Concurrency is the global concurrent-step cap W.
	Concurrency int `env:"PASSAGE_CONCURRENCY" default:"8"`

	// FanOutCap bounds per-plan fan-out sub-steps (weather-per-waypoint).
	FanOutCap int `env:"PASSAGE_FANOUT_CAP" default:"4"`

	// DefaultStepTimeout is the configured default per-step timeout. It
	// is stored only: the Router stamps steps with its own fixed 15s
	// default and does not read this field.
	DefaultStepTimeout time.Duration `env:"PASSAGE_STEP_TIMEOUT" default:"15s"`

	Retry   RetryPolicy
	Breaker BreakerConfig

	CacheEnabled bool `env:"PASSAGE_CACHE_ENABLED" default:"true"`

	HealthProbeInterval   time.Duration `env:"PASSAGE_HEALTH_INTERVAL" default:"30s"`
	HealthProbeDeadline   time.Duration `env:"PASSAGE_HEALTH_DEADLINE" default:"5s"`
	DiscoveryRefresh      time.Duration `env:"PASSAGE_DISCOVERY_REFRESH" default:"5m"`

	// RedisURL, when set, backs the Registry's persistence layer and the
	// Fallback Manager's shared cache. Empty means memory-only.
	RedisURL string `env:"PASSAGE_REDIS_URL,REDIS_URL"`

	// OTLPEndpoint, when set, enables OTLP gRPC export; otherwise
	// telemetry logs to stdout (dev mode), matching the teacher's
	// Telemetry module default.
	OTLPEndpoint string `env:"PASSAGE_OTLP_ENDPOINT"`
}

// RetryPolicy configures the Coordinator's retry-with-backoff, per
// spec.md §4.5.
type RetryPolicy struct {
	MaxAttempts int           `env:"PASSAGE_RETRY_MAX_ATTEMPTS" default:"2"`
	InitialDelay time.Duration `env:"PASSAGE_RETRY_INITIAL_DELAY" default:"1s"`
	Multiplier  float64       `env:"PASSAGE_RETRY_MULTIPLIER" default:"2"`
	MaxDelay    time.Duration `env:"PASSAGE_RETRY_MAX_DELAY" default:"10s"`
}

// BreakerConfig configures the Fallback Manager's circuit breakers, per
// spec.md §4.6.1.
type BreakerConfig struct {
	FailureThreshold  int           `env:"PASSAGE_BREAKER_THRESHOLD" default:"5"`
	ResetTimeout      time.Duration `env:"PASSAGE_BREAKER_RESET" default:"60s"`
	HalfOpenRequests  int           `env:"PASSAGE_BREAKER_HALF_OPEN_REQUESTS" default:"3"`
}

// DefaultConfig returns the spec.md-mandated defaults.
func DefaultConfig() *Config {
	return &Config{
		AgentURLs:          map[string]string{},
		Concurrency:        8,
		FanOutCap:          4,
		DefaultStepTimeout:  15 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts:  2,
			InitialDelay: time.Second,
			Multiplier:   2,
			MaxDelay:     10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
			HalfOpenRequests: 3,
		},
		CacheEnabled:        true,
		HealthProbeInterval: 30 * time.Second,
		HealthProbeDeadline: 5 * time.Second,
		DiscoveryRefresh:    5 * time.Minute,
	}
}

// Option mutates a Config during NewConfig. Options are applied after
// environment variables, so they take highest priority.
type Option func(*Config)

// WithAgentURL adds or overrides one agent's base URL.
func WithAgentURL(agentID, url string) Option {
	return func(c *Config) { c.AgentURLs[agentID] = url }
}

// WithConcurrency overrides the global concurrent-step cap W.
func WithConcurrency(w int) Option {
	return func(c *Config) { c.Concurrency = w }
}

// WithFanOutCap overrides the per-plan fan-out cap.
func WithFanOutCap(n int) Option {
	return func(c *Config) { c.FanOutCap = n }
}

// WithDefaultStepTimeout overrides the default per-step timeout.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(c *Config) { c.DefaultStepTimeout = d }
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Config) { c.Retry = p }
}

// WithBreakerConfig overrides the breaker configuration.
func WithBreakerConfig(b BreakerConfig) Option {
	return func(c *Config) { c.Breaker = b }
}

// WithCacheEnabled sets CacheEnabled. The Fallback Manager does not
// read this flag; its response cache is always on.
func WithCacheEnabled(enabled bool) Option {
	return func(c *Config) { c.CacheEnabled = enabled }
}

// WithRedisURL sets the optional Redis backend used by the Registry and
// Fallback Manager.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.RedisURL = url }
}

// WithOTLPEndpoint sets the OTLP collector endpoint for telemetry export.
func WithOTLPEndpoint(endpoint string) Option {
	return func(c *Config) { c.OTLPEndpoint = endpoint }
}

// fileConfig mirrors the subset of Config a YAML file may override; a
// pointer field left nil in the file means "don't touch this value".
type fileConfig struct {
	AgentURLs   map[string]string `yaml:"agent_urls"`
	Concurrency *int              `yaml:"concurrency"`
	FanOutCap   *int              `yaml:"fan_out_cap"`
	Retry       *RetryPolicy      `yaml:"retry"`
	Breaker     *BreakerConfig    `yaml:"breaker"`
}

// loadConfigFile reads a YAML agent-routing file and applies it onto
// cfg. Only .yaml and .yml extensions are accepted; any other
// extension, .json included, is an error.
// An empty path is a no-op.
func loadConfigFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	ext := filepath.Ext(path)
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("config file %q: unsupported extension %q, want .yaml or .yml", path, ext)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}

	for id, url := range fc.AgentURLs {
		cfg.AgentURLs[id] = url
	}
	if fc.Concurrency != nil {
		cfg.Concurrency = *fc.Concurrency
	}
	if fc.FanOutCap != nil {
		cfg.FanOutCap = *fc.FanOutCap
	}
	if fc.Retry != nil {
		cfg.Retry = *fc.Retry
	}
	if fc.Breaker != nil {
		cfg.Breaker = *fc.Breaker
	}
	return nil
}

// NewConfig builds a Config from defaults, then an optional
// PASSAGE_CONFIG_FILE YAML file, then environment variables, then the
// supplied options, in that priority order — the file sits between
// defaults and env so an operator's env vars always win over a
// checked-in routing table.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("PASSAGE_CONFIG_FILE"); path != "" {
		if err := loadConfigFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if raw := os.Getenv("AGENT_URLS"); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
				return nil, fmt.Errorf("invalid AGENT_URLS entry %q: expected id=url", pair)
			}
			cfg.AgentURLs[kv[0]] = kv[1]
		}
	}
	if v := os.Getenv("PASSAGE_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PASSAGE_CONCURRENCY: %w", err)
		}
		cfg.Concurrency = n
	}
	if v := os.Getenv("PASSAGE_FANOUT_CAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PASSAGE_FANOUT_CAP: %w", err)
		}
		cfg.FanOutCap = n
	}
	if v := os.Getenv("PASSAGE_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("PASSAGE_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency (W) must be positive, got %d", cfg.Concurrency)
	}
	if cfg.FanOutCap <= 0 {
		return nil, fmt.Errorf("fan-out cap must be positive, got %d", cfg.FanOutCap)
	}

	return cfg, nil
}
