package main

import (
	"context"
	"os"
	"time"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/donorpath/prospect-cli/internal/checkpoint"
	"github.com/donorpath/prospect-cli/internal/idempotency"
	"github.com/donorpath/prospect-cli/internal/pipeline"
	"github.com/donorpath/prospect-cli/internal/research"
	"github.com/donorpath/prospect-cli/internal/resilience"
	"github.com/donorpath/prospect-cli/internal/store"
	"github.com/donorpath/prospect-cli/internal/triangulate"
	anthropicpkg "github.com/donorpath/prospect-cli/pkg/anthropic"
	"github.com/donorpath/prospect-cli/pkg/jina"
	"github.com/donorpath/prospect-cli/pkg/perplexity"
	sfpkg "github.com/donorpath/prospect-cli/pkg/salesforce"
)

// pipelineEnv holds the initialized store, clients, and orchestrator
// needed by the batch/resume/serve commands.
type pipelineEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
	Sink         *pipeline.Sink

	exec    *pipeline.StepExecutor
	tracker *checkpoint.Tracker
	steps   []pipeline.Step
	triCfg  *triangulate.Config
	pipeCfg pipeline.Config
}

// NewOrchestrator builds a fresh orchestrator over the shared store and
// resilience stack. The server uses one per batch so progress counters
// and cancellation stay independent.
func (pe *pipelineEnv) NewOrchestrator() *pipeline.Orchestrator {
	return pipeline.New(pe.Store, pe.exec, pe.tracker, pe.steps, pe.Sink, pe.triCfg, pe.pipeCfg)
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Sink != nil {
		pe.Sink.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "prospect.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initSalesforce builds the CRM writeback client, or nil when not
// configured. Misconfiguration disables writeback rather than failing
// the run.
func initSalesforce() sfpkg.Client {
	if cfg.Salesforce.ClientID == "" {
		zap.L().Debug("salesforce not configured, crm writeback disabled")
		return nil
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		zap.L().Warn("read salesforce JWT private key, crm writeback disabled", zap.Error(err))
		return nil
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		zap.L().Warn("init salesforce, crm writeback disabled", zap.Error(err))
		return nil
	}

	return sfpkg.NewClient(sf, sfpkg.WithRateLimit(cfg.Salesforce.RPS))
}

// initEnv sets up the store, API clients, resilience stack, and
// orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	perplexityClient := perplexity.NewClient(cfg.Perplexity.Key,
		perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
		perplexity.WithModel(cfg.Perplexity.Model),
	)
	jinaOpts := []jina.Option{jina.WithBaseURL(cfg.Jina.BaseURL)}
	if cfg.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
	}
	jinaClient := jina.NewClient(cfg.Jina.Key, jinaOpts...)
	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	registry := research.NewRegistry()
	registry.Register(research.NewPerplexityProvider(perplexityClient))
	registry.Register(research.NewJinaProvider(jinaClient))
	registry.Register(research.NewAnthropicProvider(anthropicClient, cfg.Anthropic.Model))

	ledger := idempotency.New(st, idempotency.Config{
		ProcessingTTL: time.Duration(cfg.Idempotency.ProcessingTTLSecs) * time.Second,
		CompletedTTL:  time.Duration(cfg.Idempotency.CompletedTTLSecs) * time.Second,
	})

	limits := make(map[string]resilience.LimitConfig, len(cfg.RateLimit.Providers))
	for name, pl := range cfg.RateLimit.Providers {
		limits[name] = resilience.LimitConfig{RefillPerSec: pl.RefillPerSec, Capacity: pl.Capacity}
	}
	limiters := resilience.NewProviderLimiters(limits, resilience.LimitConfig{
		RefillPerSec: cfg.RateLimit.Default.RefillPerSec,
		Capacity:     cfg.RateLimit.Default.Capacity,
	})

	breakers := resilience.NewProviderBreakers(resilience.FromCircuitConfig(
		cfg.Circuit.FailureThreshold,
		cfg.Circuit.ResetTimeoutSecs,
		cfg.Circuit.HalfOpenProbes,
	))

	retryCfg := resilience.FromRetryConfig(
		cfg.Retry.MaxAttempts,
		cfg.Retry.InitialBackoffMs,
		cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier,
		cfg.Retry.JitterFraction,
	)

	exec := pipeline.NewStepExecutor(ledger, limiters, breakers, retryCfg, registry)

	stepTimeouts := make(map[string]time.Duration, len(cfg.Pipeline.StepTimeoutSecs))
	for name, secs := range cfg.Pipeline.StepTimeoutSecs {
		stepTimeouts[name] = time.Duration(secs) * time.Second
	}
	steps := pipeline.Steps(stepTimeouts)
	tracker := checkpoint.New(st, pipeline.StepNames(steps), time.Duration(cfg.Pipeline.StallMins)*time.Minute)

	triCfg := triangulate.DefaultConfig()
	if cfg.Triangulate.RulesPath != "" {
		triCfg, err = triangulate.LoadConfig(cfg.Triangulate.RulesPath)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load triangulation rules")
		}
	}

	sink := pipeline.NewSink(st, initSalesforce(), cfg.Pipeline.SinkQueueDepth)
	sink.Start(ctx)

	pipeCfg := pipeline.Config{
		Concurrency:   cfg.Pipeline.Concurrency,
		DLQMaxRetries: cfg.Pipeline.DLQMaxRetries,
	}
	orch := pipeline.New(st, exec, tracker, steps, sink, triCfg, pipeCfg)

	return &pipelineEnv{
		Store:        st,
		Orchestrator: orch,
		Sink:         sink,
		exec:         exec,
		tracker:      tracker,
		steps:        steps,
		triCfg:       triCfg,
		pipeCfg:      pipeCfg,
	}, nil
}
