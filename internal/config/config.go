// Package config loads application configuration from file and
// environment and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Perplexity  PerplexityConfig  `yaml:"perplexity" mapstructure:"perplexity"`
	Jina        JinaConfig        `yaml:"jina" mapstructure:"jina"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Salesforce  SalesforceConfig  `yaml:"salesforce" mapstructure:"salesforce"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit" mapstructure:"ratelimit"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig     `yaml:"circuit" mapstructure:"circuit"`
	Idempotency IdempotencyConfig `yaml:"idempotency" mapstructure:"idempotency"`
	Pipeline    PipelineConfig    `yaml:"pipeline" mapstructure:"pipeline"`
	Triangulate TriangulateConfig `yaml:"triangulate" mapstructure:"triangulate"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// JinaConfig holds Jina AI settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// SalesforceConfig holds Salesforce JWT auth settings. Writeback is
// disabled when ClientID is empty.
type SalesforceConfig struct {
	ClientID string  `yaml:"client_id" mapstructure:"client_id"`
	Username string  `yaml:"username" mapstructure:"username"`
	KeyPath  string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL string  `yaml:"login_url" mapstructure:"login_url"`
	RPS      float64 `yaml:"rps" mapstructure:"rps"`
}

// ProviderLimit is one provider's token bucket.
type ProviderLimit struct {
	RefillPerSec float64 `yaml:"refill_per_sec" mapstructure:"refill_per_sec"`
	Capacity     int     `yaml:"capacity" mapstructure:"capacity"`
}

// RateLimitConfig configures per-provider token buckets.
type RateLimitConfig struct {
	Default   ProviderLimit            `yaml:"default" mapstructure:"default"`
	Providers map[string]ProviderLimit `yaml:"providers" mapstructure:"providers"`
}

// RetryConfig configures the retry policy for provider calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	HalfOpenProbes   int `yaml:"half_open_probes" mapstructure:"half_open_probes"`
}

// IdempotencyConfig configures ledger TTLs.
type IdempotencyConfig struct {
	ProcessingTTLSecs int `yaml:"processing_ttl_secs" mapstructure:"processing_ttl_secs"`
	CompletedTTLSecs  int `yaml:"completed_ttl_secs" mapstructure:"completed_ttl_secs"`
}

// PipelineConfig configures batch orchestration. StepTimeoutSecs maps
// step names to their provider call timeout in seconds; unlisted steps
// keep the built-in budgets.
type PipelineConfig struct {
	Concurrency     int            `yaml:"concurrency" mapstructure:"concurrency"`
	StallMins       int            `yaml:"stall_mins" mapstructure:"stall_mins"`
	DLQMaxRetries   int            `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
	SinkQueueDepth  int            `yaml:"sink_queue_depth" mapstructure:"sink_queue_depth"`
	StepTimeoutSecs map[string]int `yaml:"step_timeout_secs" mapstructure:"step_timeout_secs"`
}

// TriangulateConfig points at an optional triangulation rules file.
type TriangulateConfig struct {
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`
}

// ServerConfig configures the progress API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("PROSPECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "prospect.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("anthropic.model", "claude-haiku-4-5")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.rps", 5.0)
	v.SetDefault("ratelimit.default.refill_per_sec", 1.0)
	v.SetDefault("ratelimit.default.capacity", 5)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("circuit.half_open_probes", 1)
	v.SetDefault("idempotency.processing_ttl_secs", 300)
	v.SetDefault("idempotency.completed_ttl_secs", 86400)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.stall_mins", 10)
	v.SetDefault("pipeline.dlq_max_retries", 3)
	v.SetDefault("pipeline.sink_queue_depth", 64)
	v.SetDefault("pipeline.step_timeout_secs.wealth_screen", 90)
	v.SetDefault("pipeline.step_timeout_secs.philanthropy", 45)
	v.SetDefault("pipeline.step_timeout_secs.biography", 90)

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
