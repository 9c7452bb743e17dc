package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/sourcing-cli/internal/budget"
	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/db"
	"github.com/sells-group/sourcing-cli/internal/discovery"
	"github.com/sells-group/sourcing-cli/internal/joblock"
	"github.com/sells-group/sourcing-cli/internal/resilience"
	"github.com/sells-group/sourcing-cli/internal/scoring"
	"github.com/sells-group/sourcing-cli/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig                `yaml:"store" mapstructure:"store"`
	Upstream   UpstreamConfig             `yaml:"upstream" mapstructure:"upstream"`
	Budget     BudgetConfig               `yaml:"budget" mapstructure:"budget"`
	Retry      resilience.RetrySettings   `yaml:"retry" mapstructure:"retry"`
	Circuit    resilience.CircuitSettings `yaml:"circuit" mapstructure:"circuit"`
	Discovery  DiscoveryConfig            `yaml:"discovery" mapstructure:"discovery"`
	Scoring    ScoringConfig              `yaml:"scoring" mapstructure:"scoring"`
	Redis      RedisConfig                `yaml:"redis" mapstructure:"redis"`
	Server     ServerConfig               `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig           `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig                  `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the job repository backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// Open returns the store settings for store.Open.
func (s StoreConfig) Open() store.Config {
	return store.Config{
		Driver:      s.Driver,
		DatabaseURL: s.DatabaseURL,
		Pool:        &db.PoolConfig{MaxConns: s.MaxConns, MinConns: s.MinConns},
	}
}

// UpstreamConfig holds product-data API settings.
type UpstreamConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	StatsDays   int    `yaml:"stats_days" mapstructure:"stats_days"`
}

// Timeout returns the per-request HTTP timeout.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSecs) * time.Second
}

// BudgetConfig configures the budget guard and the action-cost registry.
type BudgetConfig struct {
	CriticalThreshold     int                          `yaml:"critical_threshold" mapstructure:"critical_threshold"`
	WarningThreshold      int                          `yaml:"warning_threshold" mapstructure:"warning_threshold"`
	RefillPerMinute       float64                      `yaml:"refill_per_minute" mapstructure:"refill_per_minute"`
	Burst                 int                          `yaml:"burst" mapstructure:"burst"`
	ReconcileIntervalSecs int                          `yaml:"reconcile_interval_secs" mapstructure:"reconcile_interval_secs"`
	Actions               map[string]cost.ActionConfig `yaml:"actions" mapstructure:"actions"`
}

// ReconcileInterval returns how often the background reconciler refreshes the balance.
func (b BudgetConfig) ReconcileInterval() time.Duration {
	return time.Duration(b.ReconcileIntervalSecs) * time.Second
}

// Guard returns the budget guard settings.
func (b BudgetConfig) Guard() budget.Config {
	return budget.Config{
		CriticalThreshold: b.CriticalThreshold,
		WarningThreshold:  b.WarningThreshold,
		RefillPerMinute:   b.RefillPerMinute,
		Burst:             b.Burst,
	}
}

// DiscoveryConfig holds job defaults. CLI flags override individual fields.
type DiscoveryConfig struct {
	Domain           string `yaml:"domain" mapstructure:"domain"`
	PerPage          int    `yaml:"per_page" mapstructure:"per_page"`
	MaxPages         int    `yaml:"max_pages" mapstructure:"max_pages"`
	MaxItems         int    `yaml:"max_items" mapstructure:"max_items"`
	MaxDurationSecs  int    `yaml:"max_duration_secs" mapstructure:"max_duration_secs"`
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size"`
	MinTier          string `yaml:"min_tier" mapstructure:"min_tier"`
	WriteTimeoutSecs int    `yaml:"write_timeout_secs" mapstructure:"write_timeout_secs"`
}

// Job returns a job config seeded with these defaults.
func (d DiscoveryConfig) Job() discovery.Config {
	return discovery.Config{
		Domain:      d.Domain,
		PerPage:     d.PerPage,
		MaxPages:    d.MaxPages,
		MaxItems:    d.MaxItems,
		MaxDuration: time.Duration(d.MaxDurationSecs) * time.Second,
		Concurrency: d.Concurrency,
		BatchSize:   d.BatchSize,
		MinTier:     scoring.Tier(strings.ToUpper(d.MinTier)),
	}
}

// WriteTimeout bounds the final result flush after a job stops.
func (d DiscoveryConfig) WriteTimeout() time.Duration {
	return time.Duration(d.WriteTimeoutSecs) * time.Second
}

// ScoringConfig points at the layered scoring rules file.
type ScoringConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// RedisConfig enables the cross-worker job lock when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// Lock returns the joblock connection settings.
func (r RedisConfig) Lock() joblock.Config {
	return joblock.Config{Addr: r.Addr, Password: r.Password, DB: r.DB}
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures background alert checks.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	TokenThreshold       int     `yaml:"token_threshold" mapstructure:"token_threshold"`
}

// Load returns the layered scoring config, or the built-in defaults when no
// path is configured.
func (s ScoringConfig) Load() (*scoring.Config, error) {
	if s.Path == "" {
		cfg := scoring.DefaultConfig()
		return &cfg, nil
	}
	return scoring.LoadConfig(s.Path)
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SOURCING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "sourcing.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("upstream.key", "")
	v.SetDefault("upstream.base_url", "https://api.productdata.example")
	v.SetDefault("upstream.timeout_secs", 30)
	v.SetDefault("upstream.stats_days", 90)
	v.SetDefault("budget.critical_threshold", 10)
	v.SetDefault("budget.warning_threshold", 100)
	v.SetDefault("budget.refill_per_minute", 20)
	v.SetDefault("budget.burst", 5)
	v.SetDefault("budget.reconcile_interval_secs", 60)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("discovery.domain", "US")
	v.SetDefault("discovery.per_page", 50)
	v.SetDefault("discovery.max_pages", 1)
	v.SetDefault("discovery.max_items", 100)
	v.SetDefault("discovery.max_duration_secs", 600)
	v.SetDefault("discovery.concurrency", 4)
	v.SetDefault("discovery.batch_size", 25)
	v.SetDefault("discovery.min_tier", "BUY")
	v.SetDefault("discovery.write_timeout_secs", 30)
	v.SetDefault("scoring.path", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.token_threshold", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the fields a command mode needs are set and that
// shared settings are within bounds. Modes: "lookup" (paid single calls),
// "discovery" (jobs), "serve" (ops server), "store" (persistence only).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "lookup", "discovery":
		if c.Upstream.Key == "" {
			errs = append(errs, "upstream.key is required")
		}
		if c.Upstream.BaseURL == "" {
			errs = append(errs, "upstream.base_url is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if mode == "discovery" || mode == "store" || mode == "serve" {
		switch c.Store.Driver {
		case "memory", "sqlite":
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required for postgres")
			}
		default:
			errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver))
		}
	}

	if c.Discovery.Concurrency < 1 || c.Discovery.Concurrency > 64 {
		errs = append(errs, "discovery.concurrency must be between 1 and 64")
	}
	if c.Budget.CriticalThreshold < 0 {
		errs = append(errs, "budget.critical_threshold must be >= 0")
	}
	if c.Budget.WarningThreshold < c.Budget.CriticalThreshold {
		errs = append(errs, "budget.warning_threshold must be >= budget.critical_threshold")
	}
	if c.Budget.RefillPerMinute < 0 {
		errs = append(errs, "budget.refill_per_minute must be >= 0")
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
