package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LimitConfig is the token-bucket shape for one provider.
type LimitConfig struct {
	// RefillPerSec is the steady-state request rate. Default: 1.
	RefillPerSec float64
	// Capacity is the burst size. Default: 1.
	Capacity int
}

// ProviderLimiters is a registry of per-provider token buckets. One bucket
// is shared by every worker calling a provider, so batch concurrency can
// never exceed the provider's QPS contract.
type ProviderLimiters struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	configs  map[string]LimitConfig
	fallback LimitConfig
}

// NewProviderLimiters creates a limiter registry. configs maps provider
// name to its bucket shape; providers not listed use fallback.
func NewProviderLimiters(configs map[string]LimitConfig, fallback LimitConfig) *ProviderLimiters {
	if fallback.RefillPerSec <= 0 {
		fallback.RefillPerSec = 1
	}
	if fallback.Capacity <= 0 {
		fallback.Capacity = 1
	}
	return &ProviderLimiters{
		limiters: make(map[string]*rate.Limiter),
		configs:  configs,
		fallback: fallback,
	}
}

// Acquire blocks until a token is available for the provider or the
// context is cancelled. Work is never dropped silently.
func (pl *ProviderLimiters) Acquire(ctx context.Context, provider string) error {
	return pl.get(provider).Wait(ctx)
}

// Allow reports whether a token is immediately available, consuming it if so.
func (pl *ProviderLimiters) Allow(provider string) bool {
	return pl.get(provider).Allow()
}

func (pl *ProviderLimiters) get(provider string) *rate.Limiter {
	pl.mu.RLock()
	lim, ok := pl.limiters[provider]
	pl.mu.RUnlock()
	if ok {
		return lim
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()
	if lim, ok = pl.limiters[provider]; ok {
		return lim
	}

	cfg, ok := pl.configs[provider]
	if !ok {
		cfg = pl.fallback
	}
	if cfg.RefillPerSec <= 0 {
		cfg.RefillPerSec = pl.fallback.RefillPerSec
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = pl.fallback.Capacity
	}

	lim = rate.NewLimiter(rate.Limit(cfg.RefillPerSec), cfg.Capacity)
	pl.limiters[provider] = lim
	return lim
}
