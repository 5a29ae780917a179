// Package config loads and validates router settings from yaml plus
// CASCADE_* environment overrides, with optional hot reload of the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Modes     ModesConfig     `mapstructure:"modes"`
	Tiers     TiersConfig     `mapstructure:"tiers"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Predictor PredictorConfig `mapstructure:"predictor"`
	History   HistoryConfig   `mapstructure:"history"`
	Session   SessionConfig   `mapstructure:"session"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ModesConfig holds per-mode total budgets.
type ModesConfig struct {
	FastBudget   time.Duration `mapstructure:"fast_budget"`
	DeepBudget   time.Duration `mapstructure:"deep_budget"`
	SearchBudget time.Duration `mapstructure:"search_budget"`
}

// TiersConfig tunes the escalation ladder.
type TiersConfig struct {
	KeywordConfidence float64 `mapstructure:"keyword_confidence"` // accept threshold for tier 2
	ReasoningSteps    int     `mapstructure:"reasoning_steps"`    // model calls in tier 5
	MaxIterations     int     `mapstructure:"max_iterations"`     // autonomous loop cap in tier 6
}

// TimeoutsConfig holds default per-call ceilings and derivation fractions.
type TimeoutsConfig struct {
	TTFT             time.Duration `mapstructure:"ttft"`
	Idle             time.Duration `mapstructure:"idle"`
	Absolute         time.Duration `mapstructure:"absolute"`
	TTFTFraction     float64       `mapstructure:"ttft_fraction"`
	IdleFraction     float64       `mapstructure:"idle_fraction"`
	RetryLighter     bool          `mapstructure:"retry_lighter"`
	MinUsefulBytes   int           `mapstructure:"min_useful_bytes"`
	StuckIsFailure   bool          `mapstructure:"stuck_is_failure"`
}

// SchedulerConfig tunes the stream intent scheduler.
type SchedulerConfig struct {
	StuckLineThreshold int     `mapstructure:"stuck_line_threshold"`
	ExtendFraction     float64 `mapstructure:"extend_fraction"`
	ReduceFraction     float64 `mapstructure:"reduce_fraction"`
}

// PredictorConfig tunes the duration predictor.
type PredictorConfig struct {
	Default time.Duration `mapstructure:"default"`
	Min     time.Duration `mapstructure:"min"`
	Max     time.Duration `mapstructure:"max"`
	Window  int           `mapstructure:"window"`
	Decay   float64       `mapstructure:"decay"`
}

// HistoryConfig selects the call-history backend.
type HistoryConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite3 or postgres
	DSN    string `mapstructure:"dsn"`
}

// SessionConfig selects the session backend.
type SessionConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"` // empty means memory-only
	RedisPassword string        `mapstructure:"redis_password"`
	TTL           time.Duration `mapstructure:"ttl"`
	MaxHistory    int           `mapstructure:"max_history"`
}

// BackendConfig selects the model backend.
type BackendConfig struct {
	Provider       string `mapstructure:"provider"` // openai or scripted
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	LightModel     string `mapstructure:"light_model"`
	FullModel      string `mapstructure:"full_model"`
	MaxTokens      int    `mapstructure:"max_tokens"`
	RateLimitTable string `mapstructure:"rate_limit_table"` // yaml file, empty disables limits
}

// BreakerConfig tunes the backend circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// LoggingConfig tunes zap.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig tunes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("modes.fast_budget", "30s")
	v.SetDefault("modes.deep_budget", "2m")
	v.SetDefault("modes.search_budget", "4m")

	v.SetDefault("tiers.keyword_confidence", 0.75)
	v.SetDefault("tiers.reasoning_steps", 3)
	v.SetDefault("tiers.max_iterations", 8)

	v.SetDefault("timeouts.ttft", "5s")
	v.SetDefault("timeouts.idle", "3s")
	v.SetDefault("timeouts.absolute", "0s")
	v.SetDefault("timeouts.ttft_fraction", 0.3)
	v.SetDefault("timeouts.idle_fraction", 0.2)
	v.SetDefault("timeouts.retry_lighter", true)
	v.SetDefault("timeouts.min_useful_bytes", 64)
	v.SetDefault("timeouts.stuck_is_failure", false)

	v.SetDefault("scheduler.stuck_line_threshold", 5)
	v.SetDefault("scheduler.extend_fraction", 0.5)
	v.SetDefault("scheduler.reduce_fraction", 0.25)

	v.SetDefault("predictor.default", "30s")
	v.SetDefault("predictor.min", "5s")
	v.SetDefault("predictor.max", "5m")
	v.SetDefault("predictor.window", 20)
	v.SetDefault("predictor.decay", 0.6)

	v.SetDefault("history.driver", "memory")
	v.SetDefault("history.dsn", "")

	v.SetDefault("session.redis_addr", "")
	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.max_history", 20)

	v.SetDefault("backend.provider", "openai")
	v.SetDefault("backend.light_model", "gpt-4o-mini")
	v.SetDefault("backend.full_model", "gpt-4o")
	v.SetDefault("backend.max_tokens", 4096)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.max_requests", 3)
	v.SetDefault("breaker.interval", "60s")
	v.SetDefault("breaker.timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}

// Load reads the config file at path. An empty path, or a missing file,
// yields pure defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CASCADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a request.
func (c *Config) Validate() error {
	if c.Modes.FastBudget <= 0 || c.Modes.DeepBudget <= 0 || c.Modes.SearchBudget <= 0 {
		return fmt.Errorf("mode budgets must be positive")
	}
	if c.Modes.DeepBudget < c.Modes.FastBudget || c.Modes.SearchBudget < c.Modes.DeepBudget {
		return fmt.Errorf("mode budgets must be non-decreasing across fast, deep, search")
	}
	if c.Tiers.KeywordConfidence <= 0 || c.Tiers.KeywordConfidence > 1 {
		return fmt.Errorf("tiers.keyword_confidence must be in (0, 1], got %v", c.Tiers.KeywordConfidence)
	}
	if c.Tiers.ReasoningSteps < 1 {
		return fmt.Errorf("tiers.reasoning_steps must be at least 1")
	}
	if c.Tiers.MaxIterations < 1 {
		return fmt.Errorf("tiers.max_iterations must be at least 1")
	}
	if f := c.Timeouts.TTFTFraction; f <= 0 || f >= 1 {
		return fmt.Errorf("timeouts.ttft_fraction must be in (0, 1), got %v", f)
	}
	if f := c.Timeouts.IdleFraction; f <= 0 || f >= 1 {
		return fmt.Errorf("timeouts.idle_fraction must be in (0, 1), got %v", f)
	}
	if c.Predictor.Min > c.Predictor.Max {
		return fmt.Errorf("predictor.min exceeds predictor.max")
	}
	if c.Predictor.Decay <= 0 || c.Predictor.Decay >= 1 {
		return fmt.Errorf("predictor.decay must be in (0, 1), got %v", c.Predictor.Decay)
	}
	switch c.History.Driver {
	case "memory", "sqlite3", "postgres":
	default:
		return fmt.Errorf("history.driver must be memory, sqlite3 or postgres, got %q", c.History.Driver)
	}
	if c.History.Driver != "memory" && c.History.DSN == "" {
		return fmt.Errorf("history.dsn required for driver %q", c.History.Driver)
	}
	switch c.Backend.Provider {
	case "openai", "scripted":
	default:
		return fmt.Errorf("backend.provider must be openai or scripted, got %q", c.Backend.Provider)
	}
	return nil
}
