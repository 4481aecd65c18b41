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
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Codify     CodifyConfig     `yaml:"codify" mapstructure:"codify"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	DocStore   DocStoreConfig   `yaml:"docstore" mapstructure:"docstore"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LLMConfig selects the completion provider and its call shape.
type LLMConfig struct {
	Provider          string  `yaml:"provider" mapstructure:"provider"`
	Temperature       float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens         int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// GeminiConfig holds Google Gemini API settings.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// ExtractionConfig configures the extract/normalize/verify pipeline.
type ExtractionConfig struct {
	MaxContentChars int  `yaml:"max_content_chars" mapstructure:"max_content_chars"`
	SkipVerify      bool `yaml:"skip_verify" mapstructure:"skip_verify"`
}

// CodifyConfig configures Fast Pass and Smart Pass codification.
type CodifyConfig struct {
	FuzzyThreshold     float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	AliasCacheTTLSecs  int     `yaml:"alias_cache_ttl_secs" mapstructure:"alias_cache_ttl_secs"`
	AliasesPerCode     int     `yaml:"aliases_per_code" mapstructure:"aliases_per_code"`
	SmartPassMaxTokens int     `yaml:"smart_pass_max_tokens" mapstructure:"smart_pass_max_tokens"`
	LearnFromSmartPass bool    `yaml:"learn_from_smart_pass" mapstructure:"learn_from_smart_pass"`
	LearnMinConfidence float64 `yaml:"learn_min_confidence" mapstructure:"learn_min_confidence"`
}

// QueueConfig configures the extraction job queue.
type QueueConfig struct {
	MaxAttempts       int  `yaml:"max_attempts" mapstructure:"max_attempts"`
	BatchLimit        int  `yaml:"batch_limit" mapstructure:"batch_limit"`
	LeaseTTLSecs      int  `yaml:"lease_ttl_secs" mapstructure:"lease_ttl_secs"`
	SweepIntervalSecs int  `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	FailFastPermanent bool `yaml:"fail_fast_permanent" mapstructure:"fail_fast_permanent"`
}

// DocStoreConfig configures where document bytes are fetched from.
type DocStoreConfig struct {
	Driver            string  `yaml:"driver" mapstructure:"driver"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Root              string  `yaml:"root" mapstructure:"root"`
	Token             string  `yaml:"token" mapstructure:"token"`
	MaxBytes          int64   `yaml:"max_bytes" mapstructure:"max_bytes"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// ResilienceConfig configures retry and circuit breaking around providers.
type ResilienceConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	Sweep       bool     `yaml:"sweep" mapstructure:"sweep"`
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
	v.SetEnvPrefix("DOCINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "docintel.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.sweep", true)
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout_secs", 120)
	v.SetDefault("llm.requests_per_second", 2.0)
	v.SetDefault("llm.burst", 2)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("extraction.max_content_chars", 120000)
	v.SetDefault("extraction.skip_verify", false)
	v.SetDefault("codify.fuzzy_threshold", 0.85)
	v.SetDefault("codify.alias_cache_ttl_secs", 300)
	v.SetDefault("codify.aliases_per_code", 5)
	v.SetDefault("codify.smart_pass_max_tokens", 8192)
	v.SetDefault("codify.learn_from_smart_pass", false)
	v.SetDefault("codify.learn_min_confidence", 0.9)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.batch_limit", 5)
	v.SetDefault("queue.lease_ttl_secs", 900)
	v.SetDefault("queue.sweep_interval_secs", 60)
	v.SetDefault("queue.fail_fast_permanent", false)
	v.SetDefault("docstore.driver", "local")
	v.SetDefault("docstore.root", "./documents")
	v.SetDefault("docstore.max_bytes", 20<<20)
	v.SetDefault("docstore.timeout_secs", 60)
	v.SetDefault("docstore.requests_per_second", 5.0)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 15000)
	v.SetDefault("resilience.multiplier", 2.0)
	v.SetDefault("resilience.jitter_fraction", 0.25)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 30)
	v.SetDefault("pricing.anthropic", map[string]any{
		"claude-sonnet-4-5-20250929": map[string]any{"input": 3.0, "output": 15.0},
		"claude-haiku-4-5-20251001":  map[string]any{"input": 1.0, "output": 5.0},
	})

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

// Validate checks the settings a given command needs. Mode is one of
// "serve", "process", "codify" or "store".
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	needsLLM := mode == "serve" || mode == "process" || mode == "codify"
	if needsLLM {
		switch c.LLM.Provider {
		case "anthropic":
			if c.Anthropic.Key == "" {
				problems = append(problems, "anthropic.key is required")
			}
		case "gemini":
			if c.Gemini.Key == "" {
				problems = append(problems, "gemini.key is required")
			}
		default:
			problems = append(problems, fmt.Sprintf("llm.provider %q is not supported", c.LLM.Provider))
		}
	}

	if c.Codify.FuzzyThreshold <= 0 || c.Codify.FuzzyThreshold > 1 {
		problems = append(problems, "codify.fuzzy_threshold must be in (0, 1]")
	}
	if c.Queue.MaxAttempts < 1 {
		problems = append(problems, "queue.max_attempts must be >= 1")
	}

	if mode == "serve" && (c.Server.Port < 1 || c.Server.Port > 65535) {
		problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
