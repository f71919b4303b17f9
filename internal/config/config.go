package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/substack-intel/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Resolve   ResolveConfig   `yaml:"resolve" mapstructure:"resolve"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Lock      LockConfig      `yaml:"lock" mapstructure:"lock"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Gmail     GmailConfig     `yaml:"gmail" mapstructure:"gmail"`
	Schedule  ScheduleConfig  `yaml:"schedule" mapstructure:"schedule"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Normalize NormalizeConfig `yaml:"normalize" mapstructure:"normalize"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP trigger surface.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// LLMConfig selects and configures the extraction model backend.
type LLMConfig struct {
	Provider       string  `yaml:"provider" mapstructure:"provider"`
	AnthropicKey   string  `yaml:"anthropic_key" mapstructure:"anthropic_key"`
	AnthropicModel string  `yaml:"anthropic_model" mapstructure:"anthropic_model"`
	GeminiKey      string  `yaml:"gemini_key" mapstructure:"gemini_key"`
	GeminiModel    string  `yaml:"gemini_model" mapstructure:"gemini_model"`
	MaxTokens      int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	BreakerFails   int     `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerReset   int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// ExtractConfig tunes the extraction engine.
type ExtractConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	MissingConfidence   float64 `yaml:"missing_confidence" mapstructure:"missing_confidence"`
	Verify              bool    `yaml:"verify" mapstructure:"verify"`
	MaxInputChars       int     `yaml:"max_input_chars" mapstructure:"max_input_chars"`
}

// ResolveConfig tunes company resolution.
type ResolveConfig struct {
	// FuzzyThreshold enables trigram matching against existing companies
	// when > 0. Exact normalized-name matching is always applied.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
}

// RetryConfig overrides the named retry policies.
type RetryConfig struct {
	MailboxAttempts     int `yaml:"mailbox_attempts" mapstructure:"mailbox_attempts"`
	MailboxBackoffMs    int `yaml:"mailbox_backoff_ms" mapstructure:"mailbox_backoff_ms"`
	ExtractionAttempts  int `yaml:"extraction_attempts" mapstructure:"extraction_attempts"`
	ExtractionBackoffMs int `yaml:"extraction_backoff_ms" mapstructure:"extraction_backoff_ms"`
	DedupAttempts       int `yaml:"dedup_attempts" mapstructure:"dedup_attempts"`
	MaxBackoffMs        int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// PipelineConfig configures orchestrator runs.
type PipelineConfig struct {
	BatchSize           int           `yaml:"batch_size" mapstructure:"batch_size"`
	LockTTL             time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
	DefaultLookbackDays int           `yaml:"default_lookback_days" mapstructure:"default_lookback_days"`
	MaxResults          int           `yaml:"max_results" mapstructure:"max_results"`
}

// LockConfig selects the per-tenant lock backend.
type LockConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
}

// RedisConfig configures the optional Redis backend.
type RedisConfig struct {
	URL             string `yaml:"url" mapstructure:"url"`
	EnrichmentQueue string `yaml:"enrichment_queue" mapstructure:"enrichment_queue"`
	KeyPrefix       string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// GmailConfig holds the OAuth client and search settings for the mailbox.
type GmailConfig struct {
	ClientID     string  `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string  `yaml:"client_secret" mapstructure:"client_secret"`
	RefreshToken string  `yaml:"refresh_token" mapstructure:"refresh_token"`
	UserID       string  `yaml:"user_id" mapstructure:"user_id"`
	Query        string  `yaml:"query" mapstructure:"query"`
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit    float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ScheduleConfig configures the in-process scheduled trigger.
type ScheduleConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Cron    string `yaml:"cron" mapstructure:"cron"`
}

// SessionConfig configures request authentication.
type SessionConfig struct {
	Tokens     []TokenConfig `yaml:"tokens" mapstructure:"tokens"`
	CronSecret string        `yaml:"cron_secret" mapstructure:"cron_secret"`
}

// TokenConfig maps a static bearer token to a user.
type TokenConfig struct {
	Token       string   `yaml:"token" mapstructure:"token"`
	UserID      string   `yaml:"user_id" mapstructure:"user_id"`
	Permissions []string `yaml:"permissions" mapstructure:"permissions"`
}

// NormalizeConfig configures the content normalizer.
type NormalizeConfig struct {
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
}

// Mode names what the process is about to do, which decides the settings
// Validate requires.
type Mode string

const (
	ModeMigrate Mode = "migrate"
	ModeRead    Mode = "read"
	ModeSync    Mode = "sync"
	ModeServe   Mode = "serve"
)

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("INTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 30)
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.anthropic_model", "claude-haiku-4-5-20251001")
	v.SetDefault("llm.gemini_model", "gemini-1.5-flash")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout_secs", 60)
	v.SetDefault("llm.requests_per_sec", 2.0)
	v.SetDefault("llm.breaker_failures", 5)
	v.SetDefault("llm.breaker_reset_secs", 30)
	v.SetDefault("extract.confidence_threshold", 0.5)
	v.SetDefault("extract.missing_confidence", 0.0)
	v.SetDefault("extract.verify", false)
	v.SetDefault("extract.max_input_chars", 30000)
	v.SetDefault("resolve.fuzzy_threshold", 0.0)
	v.SetDefault("retry.mailbox_attempts", 3)
	v.SetDefault("retry.mailbox_backoff_ms", 1000)
	v.SetDefault("retry.extraction_attempts", 3)
	v.SetDefault("retry.extraction_backoff_ms", 1000)
	v.SetDefault("retry.dedup_attempts", 2)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("pipeline.batch_size", 50)
	v.SetDefault("pipeline.lock_ttl", 10*time.Minute)
	v.SetDefault("pipeline.default_lookback_days", 30)
	v.SetDefault("pipeline.max_results", 100)
	v.SetDefault("lock.driver", "store")
	v.SetDefault("redis.enrichment_queue", "intel:enrichment")
	v.SetDefault("redis.key_prefix", "intel:lock:")
	v.SetDefault("gmail.user_id", "default")
	v.SetDefault("gmail.query", "from:substack.com")
	v.SetDefault("gmail.rate_limit", 5.0)
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.cron", "0 0 2 * * *")

	// Keys without defaults are only seen by Unmarshal once bound.
	for _, key := range []string{
		"store.database_url",
		"llm.anthropic_key",
		"llm.gemini_key",
		"redis.url",
		"gmail.client_id",
		"gmail.client_secret",
		"gmail.refresh_token",
		"gmail.base_url",
		"session.cron_secret",
		"normalize.rules_file",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

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

// Validate checks that every setting needed for mode is present. It returns
// a *resilience.ConfigurationError naming all missing keys at once.
func (c *Config) Validate(mode Mode) error {
	var missing []string
	req := func(ok bool, key string) {
		if !ok {
			missing = append(missing, key)
		}
	}

	req(c.Store.Driver == "postgres" || c.Store.Driver == "sqlite", "store.driver")
	req(c.Store.DatabaseURL != "", "store.database_url")

	if mode == ModeSync || mode == ModeServe {
		switch c.LLM.Provider {
		case "anthropic":
			req(c.LLM.AnthropicKey != "", "llm.anthropic_key")
		case "gemini":
			req(c.LLM.GeminiKey != "", "llm.gemini_key")
		default:
			missing = append(missing, "llm.provider")
		}
		req(c.Extract.ConfidenceThreshold > 0 && c.Extract.ConfidenceThreshold <= 1, "extract.confidence_threshold")
		req(c.Extract.MissingConfidence >= 0 && c.Extract.MissingConfidence <= 1, "extract.missing_confidence")
		req(c.Gmail.ClientID != "", "gmail.client_id")
		req(c.Gmail.ClientSecret != "", "gmail.client_secret")
		req(c.Pipeline.BatchSize > 0, "pipeline.batch_size")
		req(c.Pipeline.LockTTL > 0, "pipeline.lock_ttl")

		switch c.Lock.Driver {
		case "store":
		case "redis":
			req(c.Redis.URL != "", "redis.url")
		default:
			missing = append(missing, "lock.driver")
		}
	}

	if mode == ModeServe {
		req(len(c.Session.Tokens) > 0 || c.Session.CronSecret != "", "session.tokens")
	}

	if len(missing) > 0 {
		return &resilience.ConfigurationError{Missing: missing}
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
