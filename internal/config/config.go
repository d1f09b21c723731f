// Package config loads Hermes's runtime configuration and wires the
// process-wide zap logger, the way the teacher codebase's config.Load does.
package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Portal    PortalConfig    `yaml:"portal" mapstructure:"portal"`
	Scrape    ScrapeConfig    `yaml:"scrape" mapstructure:"scrape"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. DatabaseURL is the DSN every
// store backend opens. SyncURL defaults to DatabaseURL when unset; no
// component opens a connection with it.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SyncURL     string `yaml:"sync_url" mapstructure:"sync_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds the LLM client settings shared by the parsers.
type AnthropicConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	Model          string `yaml:"model" mapstructure:"model"`
	MaxOutputTokens int   `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
}

// PricingConfig holds per-model token pricing (USD per million tokens), used
// to derive parse-run cost estimates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing.
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// PortalConfig configures access to the regulatory filing portal.
type PortalConfig struct {
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	SocksProxy string `yaml:"socks_proxy" mapstructure:"socks_proxy"`
	Headless   bool   `yaml:"headless" mapstructure:"headless"`
	ChromePath string `yaml:"chrome_path" mapstructure:"chrome_path"`
}

// ScrapeConfig configures the scrape orchestrator's pacing and retry
// behavior.
type ScrapeConfig struct {
	DelaySeconds        int `yaml:"delay_seconds" mapstructure:"delay_seconds"`
	MaxRetries          int `yaml:"max_retries" mapstructure:"max_retries"`
	SessionTimeoutSecs  int `yaml:"session_timeout_secs" mapstructure:"session_timeout_secs"`
	Parallelism         int `yaml:"parallelism" mapstructure:"parallelism"`
	BrowserRestartEvery int `yaml:"browser_restart_every" mapstructure:"browser_restart_every"`
	BatchFlushSize      int `yaml:"batch_flush_size" mapstructure:"batch_flush_size"`
	CaptchaCooldownSecs int `yaml:"captcha_cooldown_secs" mapstructure:"captcha_cooldown_secs"`
}

// StorageConfig configures the on-disk document root.
type StorageConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks required configuration fields for the given task name.
func (c *Config) Validate(task string) error {
	var errs []string

	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Storage.Root == "" {
		errs = append(errs, "storage.root is required")
	}

	switch task {
	case "daily_scrape_incremental":
		if c.Portal.BaseURL == "" {
			errs = append(errs, "portal.base_url is required")
		}
	case "parse_new_filings":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	}

	if c.Scrape.Parallelism < 1 {
		errs = append(errs, "scrape.parallelism must be >= 1")
	}
	if c.Scrape.DelaySeconds < 0 {
		errs = append(errs, "scrape.delay_seconds must be >= 0")
	}

	if len(errs) > 0 {
		return eris.New(fmt.Sprintf("config: validation failed: %s", strings.Join(errs, "; ")))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("HERMES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	// Empty defaults register the URL keys so AutomaticEnv values reach Unmarshal.
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sync_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_output_tokens", 8192)
	v.SetDefault("portal.base_url", "https://filingaccess.serff.com")
	v.SetDefault("portal.headless", true)
	v.SetDefault("scrape.delay_seconds", 3)
	v.SetDefault("scrape.max_retries", 3)
	v.SetDefault("scrape.session_timeout_secs", 1800)
	v.SetDefault("scrape.parallelism", 4)
	v.SetDefault("scrape.browser_restart_every", 250)
	v.SetDefault("scrape.batch_flush_size", 20)
	v.SetDefault("scrape.captcha_cooldown_secs", 180)
	v.SetDefault("storage.root", "/var/lib/hermes/documents")
	v.SetDefault("pricing.anthropic", map[string]ModelPricing{
		"claude-sonnet-4-5-20250929": {Input: 3.0, Output: 15.0, BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		"claude-haiku-4-5-20251001":  {Input: 0.8, Output: 4.0, BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1},
	})

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if cfg.Store.SyncURL == "" {
		cfg.Store.SyncURL = cfg.Store.DatabaseURL
	}

	return &cfg, nil
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
