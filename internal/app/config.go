package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// State backends for the limiter, session registry and blocklist.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`
	// HTTPFloodLimit is the coarse per-IP request budget per minute in front of every route.
	HTTPFloodLimit int `envconfig:"HTTP_FLOOD_LIMIT" default:"600"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// PGDSN is optional when BootstrapFile is set.
	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`

	StateBackend string `envconfig:"STATE_BACKEND" default:"memory"`
	// BootstrapFile runs the engine on an in-memory role and identity store loaded from YAML.
	BootstrapFile string `envconfig:"BOOTSTRAP_FILE"`

	RateWindow time.Duration  `envconfig:"RATE_WINDOW" default:"1m"`
	RateLimits map[string]int `envconfig:"RATE_LIMITS"`

	ReputationURL      string        `envconfig:"REPUTATION_URL"`
	ReputationAPIKey   string        `envconfig:"REPUTATION_API_KEY"`
	ReputationTimeout  time.Duration `envconfig:"REPUTATION_TIMEOUT" default:"500ms"`
	ReputationFailOpen bool          `envconfig:"REPUTATION_FAIL_OPEN" default:"false"`
	ReputationCacheTTL time.Duration `envconfig:"REPUTATION_CACHE_TTL" default:"5m"`

	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	AccessTimezone     string        `envconfig:"ACCESS_TIMEZONE" default:"UTC"`
	IdentityCacheTTL   time.Duration `envconfig:"IDENTITY_CACHE_TTL" default:"1m"`

	SweepSpec       string        `envconfig:"SWEEP_SPEC" default:"@every 1m"`
	RoleRefreshSpec string        `envconfig:"ROLE_REFRESH_SPEC" default:"@every 5m"`
	MaintenanceTick time.Duration `envconfig:"MAINTENANCE_TICK" default:"1m"`

	AuditBuffer int `envconfig:"AUDIT_BUFFER" default:"1024"`

	// Location is resolved from AccessTimezone by LoadConfig.
	Location *time.Location `ignored:"true"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	loc, err := time.LoadLocation(c.AccessTimezone)
	if err != nil {
		return fmt.Errorf("access timezone %q: %w", c.AccessTimezone, err)
	}
	c.Location = loc
	if c.RateWindow <= 0 {
		return errors.New("rate window must be positive")
	}
	for action, limit := range c.RateLimits {
		if limit <= 0 {
			return fmt.Errorf("rate limit for %q must be positive", action)
		}
	}
	c.StateBackend = strings.ToLower(strings.TrimSpace(c.StateBackend))
	switch c.StateBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("state backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.StateBackend)
	}
	if c.PGDSN == "" && c.BootstrapFile == "" {
		return errors.New("either PG_DSN or BOOTSTRAP_FILE must be provided")
	}
	if c.ReputationTimeout <= 0 {
		return errors.New("reputation timeout must be positive")
	}
	if c.AuditBuffer <= 0 {
		return errors.New("audit buffer must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// UsesRedis reports whether shared state lives in Redis.
func (c *Config) UsesRedis() bool {
	return c != nil && c.StateBackend == BackendRedis
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if c == nil || c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
