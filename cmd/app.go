package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/substack-intel/internal/config"
	"github.com/sells-group/substack-intel/internal/extract"
	"github.com/sells-group/substack-intel/internal/lock"
	"github.com/sells-group/substack-intel/internal/mailbox"
	"github.com/sells-group/substack-intel/internal/normalize"
	"github.com/sells-group/substack-intel/internal/pipeline"
	"github.com/sells-group/substack-intel/internal/queue"
	"github.com/sells-group/substack-intel/internal/resilience"
	"github.com/sells-group/substack-intel/internal/resolve"
	"github.com/sells-group/substack-intel/internal/store"
	anthropicpkg "github.com/sells-group/substack-intel/pkg/anthropic"
	"github.com/sells-group/substack-intel/pkg/gemini"
)

// appEnv holds the store, clients and orchestrator needed by the pipeline
// commands.
type appEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
	Mailboxes    *mailbox.ConnectorFactory
	Redis        *redis.Client // nil unless configured
	closers      []func() error
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "substack-intel.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates cfg for mode, opens the store and migrates it.
func openStore(ctx context.Context, mode config.Mode) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initApp wires the full pipeline. Callers should defer env.Close().
func initApp(ctx context.Context, mode config.Mode) (*appEnv, error) {
	st, err := openStore(ctx, mode)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, closers: []func() error{st.Close}}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "parse redis url")
		}
		env.Redis = redis.NewClient(opts)
		env.closers = append(env.closers, env.Redis.Close)
	}

	locker, err := initLocker(env.Redis, st)
	if err != nil {
		env.Close()
		return nil, err
	}

	llm, closeLLM, err := initLLM(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	if closeLLM != nil {
		env.closers = append(env.closers, closeLLM)
	}

	norm := normalize.Default()
	if cfg.Normalize.RulesFile != "" {
		norm, err = normalize.NewFromFile(cfg.Normalize.RulesFile)
		if err != nil {
			env.Close()
			return nil, err
		}
	}

	retry := retryPolicies(cfg.Retry)
	breakerCfg := resilience.FromCircuitConfig(cfg.LLM.BreakerFails, cfg.LLM.BreakerReset)
	breakerCfg.Name = "llm"
	engine := extract.New(llm, extract.Config{
		ConfidenceThreshold: cfg.Extract.ConfidenceThreshold,
		MissingConfidence:   cfg.Extract.MissingConfidence,
		Verify:              cfg.Extract.Verify,
		MaxInputChars:       cfg.Extract.MaxInputChars,
		Retry:               retry.extraction,
		Breaker:             resilience.NewCircuitBreaker(breakerCfg),
		Limiter:             extract.NewAdaptiveLimiter(cfg.LLM.RequestsPerSec, 1),
	})

	resolveOpts := resolve.Options{
		FuzzyThreshold: cfg.Resolve.FuzzyThreshold,
		Retry:          retry.dedup,
	}
	if env.Redis != nil && cfg.Redis.EnrichmentQueue != "" {
		pub := queue.NewPublisher(env.Redis, cfg.Redis.EnrichmentQueue)
		if err := pub.Ping(ctx); err != nil {
			zap.L().Warn("enrichment queue unreachable, new companies will not be enqueued", zap.Error(err))
		} else {
			resolveOpts.Publisher = pub
			zap.L().Info("enrichment queue enabled", zap.String("queue", cfg.Redis.EnrichmentQueue))
		}
	}

	env.Mailboxes = mailbox.NewConnectorFactory(cfg.Gmail, st)
	env.Orchestrator = pipeline.New(
		st,
		locker,
		env.Mailboxes,
		norm,
		engine,
		resolve.New(st, resolveOpts),
		pipeline.NewBroadcaster(st),
		pipeline.Options{
			BatchSize:     cfg.Pipeline.BatchSize,
			LockTTL:       cfg.Pipeline.LockTTL,
			LookbackDays:  cfg.Pipeline.DefaultLookbackDays,
			MaxResults:    cfg.Pipeline.MaxResults,
			MailboxRetry:  retry.mailbox,
			DefaultUserID: cfg.Gmail.UserID,
		},
	)

	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
		zap.String("llm", cfg.LLM.Provider),
	)
	return env, nil
}

func initLocker(rdb *redis.Client, st store.Store) (lock.Locker, error) {
	switch cfg.Lock.Driver {
	case "", "store":
		return lock.NewStoreLocker(st), nil
	case "redis":
		if rdb == nil {
			return nil, &resilience.ConfigurationError{Missing: []string{"redis.url"}}
		}
		return lock.NewRedisLocker(rdb, cfg.Redis.KeyPrefix), nil
	default:
		return nil, eris.Errorf("unsupported lock driver: %s", cfg.Lock.Driver)
	}
}

// initLLM returns the configured LLM backend and an optional closer.
func initLLM(ctx context.Context) (extract.LLMClient, func() error, error) {
	timeout := time.Duration(cfg.LLM.TimeoutSecs) * time.Second
	switch cfg.LLM.Provider {
	case "anthropic":
		client := anthropicpkg.NewClient(cfg.LLM.AnthropicKey, anthropicpkg.WithTimeout(timeout))
		return extract.NewAnthropicLLM(client, cfg.LLM.AnthropicModel, cfg.LLM.MaxTokens), nil, nil
	case "gemini":
		client, err := gemini.NewClient(ctx, cfg.LLM.GeminiKey)
		if err != nil {
			return nil, nil, eris.Wrap(err, "init gemini client")
		}
		return extract.NewGeminiLLM(client, cfg.LLM.GeminiModel, cfg.LLM.MaxTokens), client.Close, nil
	default:
		return nil, nil, &resilience.ConfigurationError{Missing: []string{"llm.provider"}}
	}
}

type policies struct {
	mailbox    resilience.RetryConfig
	extraction resilience.RetryConfig
	dedup      resilience.RetryConfig
}

// retryPolicies applies the configured overrides to the named policies.
func retryPolicies(rc config.RetryConfig) policies {
	return policies{
		mailbox:    resilience.WithOverrides(resilience.MailboxPolicy(), rc.MailboxAttempts, rc.MailboxBackoffMs, rc.MaxBackoffMs),
		extraction: resilience.WithOverrides(resilience.ExtractionPolicy(), rc.ExtractionAttempts, rc.ExtractionBackoffMs, rc.MaxBackoffMs),
		dedup:      resilience.WithOverrides(resilience.DedupPolicy(), rc.DedupAttempts, 0, 0),
	}
}
