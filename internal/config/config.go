package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names recognized by the engine.
const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvJWTSecret    = "JWT_SECRET"
	EnvEnvironment  = "APP_ENV"
)

// Defaults applied when the config file omits a value.
const (
	DefaultEnvironment     = "production"
	DefaultTimezone        = "UTC"
	DefaultTrialLengthDays = 7
	DefaultLedgerTimeout   = 2 * time.Second
	DefaultSweepSchedule   = "*/5 * * * *"
)

// ErrMissingDatabaseDSN indicates no database DSN is present in config or env.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` in config file or env DB_CONNECTION)")

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// Duration wraps time.Duration so YAML accepts strings like "1m30s".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if errDecode := value.Decode(&raw); errDecode != nil {
		return errDecode
	}
	parsed, errParse := time.ParseDuration(strings.TrimSpace(raw))
	if errParse != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, errParse)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RoutePolicy declares the abuse rate limit applied to one route class.
// Policies are matched longest-prefix-first against the request route.
type RoutePolicy struct {
	RoutePrefix string   `yaml:"route-prefix"` // Route path prefix this policy covers.
	Window      Duration `yaml:"window"`       // Fixed window duration.
	MaxRequests int      `yaml:"max-requests"` // Requests admitted per window.
}

// RedisConfig holds the optional shared rate-limit backend settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`  // Whether to prefer the Redis backend.
	Addr     string `yaml:"addr"`     // host:port of the Redis server.
	Password string `yaml:"password"` // Optional password.
	DB       int    `yaml:"db"`       // Redis logical database.
	Prefix   string `yaml:"prefix"`   // Key prefix for limiter entries.
}

// JWTConfig holds bearer-token verification settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// Config is the full engine configuration loaded from YAML.
type Config struct {
	DatabaseDSN     string        `yaml:"database-dsn"`
	Environment     string        `yaml:"environment"`
	Timezone        string        `yaml:"timezone"`
	TrialLengthDays int           `yaml:"trial-length-days"`
	QuotaFailClosed *bool         `yaml:"quota-fail-closed"`
	LedgerTimeout   Duration      `yaml:"ledger-timeout"`
	SweepSchedule   string        `yaml:"sweep-schedule"`
	JWT             JWTConfig     `yaml:"jwt"`
	Redis           RedisConfig   `yaml:"redis"`
	RateLimits      []RoutePolicy `yaml:"rate-limits"`

	// FeatureLimits maps tier name to feature ID to daily ceiling.
	// Only the trial tier is consulted; unlimited bypasses quotas.
	FeatureLimits map[string]map[string]int64 `yaml:"feature-limits"`
}

// Load reads, defaults, env-overrides, and validates the engine config.
func Load(configPath string) (Config, error) {
	var cfg Config

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", configPath, errUnmarshal)
		}
	} else if !os.IsNotExist(errRead) {
		return Config{}, fmt.Errorf("config: read %s: %w", configPath, errRead)
	}

	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		cfg.JWT.Secret = secret
	}
	if env := strings.TrimSpace(os.Getenv(EnvEnvironment)); env != "" {
		cfg.Environment = env
	}

	cfg.applyDefaults()
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.DatabaseDSN = strings.TrimSpace(c.DatabaseDSN)
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = DefaultEnvironment
	}
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = DefaultTimezone
	}
	if c.TrialLengthDays <= 0 {
		c.TrialLengthDays = DefaultTrialLengthDays
	}
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = Duration(DefaultLedgerTimeout)
	}
	if strings.TrimSpace(c.SweepSchedule) == "" {
		c.SweepSchedule = DefaultSweepSchedule
	}
	if len(c.RateLimits) == 0 {
		c.RateLimits = []RoutePolicy{{RoutePrefix: "/", Window: Duration(10 * time.Second), MaxRequests: 60}}
	}
}

// Validate reports configuration errors that must abort startup.
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return ErrMissingDatabaseDSN
	}
	if _, errLoc := time.LoadLocation(c.Timezone); errLoc != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, errLoc)
	}
	for _, policy := range c.RateLimits {
		if strings.TrimSpace(policy.RoutePrefix) == "" {
			return fmt.Errorf("config: rate limit policy with empty route-prefix")
		}
		if policy.Window <= 0 {
			return fmt.Errorf("config: rate limit policy %q: window must be positive", policy.RoutePrefix)
		}
		if policy.MaxRequests <= 0 {
			return fmt.Errorf("config: rate limit policy %q: max-requests must be positive", policy.RoutePrefix)
		}
	}
	for tier, limits := range c.FeatureLimits {
		for feature, limit := range limits {
			if strings.TrimSpace(feature) == "" {
				return fmt.Errorf("config: tier %q declares a feature with an empty id", tier)
			}
			if limit <= 0 {
				return fmt.Errorf("config: tier %q feature %q: limit must be positive, got %d", tier, feature, limit)
			}
		}
	}
	return nil
}

// Location returns the configured timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, errLoc := time.LoadLocation(c.Timezone)
	if errLoc != nil {
		return time.UTC
	}
	return loc
}

// FailClosed reports whether quota decisions deny when the ledger is down.
// Defaults to true: paid-tier integrity over availability.
func (c *Config) FailClosed() bool {
	if c.QuotaFailClosed == nil {
		return true
	}
	return *c.QuotaFailClosed
}

// FeatureLimit resolves the daily ceiling for a feature under a tier.
func (c *Config) FeatureLimit(tier, feature string) (int64, bool) {
	limits, ok := c.FeatureLimits[tier]
	if !ok {
		return 0, false
	}
	limit, ok := limits[feature]
	return limit, ok
}
