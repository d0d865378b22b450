package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/donorpath/prospect-cli/internal/idempotency"
	"github.com/donorpath/prospect-cli/internal/model"
	"github.com/donorpath/prospect-cli/internal/research"
	"github.com/donorpath/prospect-cli/internal/resilience"
)

// ErrProcessingElsewhere is returned when another worker holds a live
// processing record for the same step invocation. The caller should not
// run the step; the holder's result will land in the ledger.
var ErrProcessingElsewhere = eris.New("pipeline: step processing elsewhere")

// StepExecutor runs a single provider step under the full resilience
// stack: ledger check, rate limit, ledger acquire, circuit breaker,
// retry with a per-attempt timeout.
type StepExecutor struct {
	ledger   *idempotency.Ledger
	limiters *resilience.ProviderLimiters
	breakers *resilience.ProviderBreakers
	retry    resilience.RetryConfig
	registry *research.Registry
}

// NewStepExecutor wires an executor. The registry must contain every
// provider named by the step list.
func NewStepExecutor(
	ledger *idempotency.Ledger,
	limiters *resilience.ProviderLimiters,
	breakers *resilience.ProviderBreakers,
	retry resilience.RetryConfig,
	registry *research.Registry,
) *StepExecutor {
	return &StepExecutor{
		ledger:   ledger,
		limiters: limiters,
		breakers: breakers,
		retry:    retry,
		registry: registry,
	}
}

// Outcome is a step execution result. Cached is true when the result was
// served from the idempotency ledger without calling the provider.
type Outcome struct {
	Result *model.ProviderResult
	Cached bool
}

// Execute runs one provider step for one prospect. Exactly one concurrent
// caller per (item, step, input) reaches the provider; the rest get the
// cached result or ErrProcessingElsewhere.
func (e *StepExecutor) Execute(ctx context.Context, itemID string, step Step, input research.Input) (*Outcome, error) {
	if step.Local() {
		return nil, eris.Errorf("pipeline: step %q is local, not executable", step.Name)
	}

	provider := e.registry.Get(step.Provider)
	if provider == nil {
		return nil, eris.Errorf("pipeline: provider %q not registered", step.Provider)
	}

	canonical := input.Canonical()
	inputHash, err := idempotency.InputHash(canonical)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: hash input for %s", step.Name)
	}
	key := idempotency.Key(itemID, step.Name, inputHash)

	if dec := e.ledger.Check(ctx, key); dec.Exists {
		if dec.Status == idempotency.StatusCompleted {
			var cached model.ProviderResult
			if err := json.Unmarshal(dec.Result, &cached); err == nil {
				zap.L().Debug("ledger hit",
					zap.String("item_id", itemID),
					zap.String("step", step.Name),
				)
				return &Outcome{Result: &cached, Cached: true}, nil
			}
			// Unreadable cached payload. Fall through and recompute.
			zap.L().Warn("ledger result unreadable, recomputing",
				zap.String("key", key),
				zap.Error(err),
			)
		} else if !dec.CanProcess {
			return nil, ErrProcessingElsewhere
		}
	}

	// Wait for rate-limit headroom before claiming the ledger record so
	// the processing TTL does not burn while queued behind the limiter.
	if err := e.limiters.Acquire(ctx, step.Provider); err != nil {
		return nil, eris.Wrapf(err, "pipeline: rate limit %s", step.Provider)
	}

	if !e.ledger.TryAcquire(ctx, key, itemID, step.Name) {
		return nil, ErrProcessingElsewhere
	}

	retryCfg := e.retry
	retryCfg.ShouldRetry = resilience.IsRetryable
	retryCfg.OnRetry = resilience.RetryLogger(step.Provider, step.Name)

	breaker := e.breakers.Get(step.Provider)
	result, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*model.ProviderResult, error) {
		return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*model.ProviderResult, error) {
			callCtx := ctx
			if step.Timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, step.Timeout)
				defer cancel()
			}
			return provider.Research(callCtx, canonical)
		})
	})
	if err != nil {
		e.ledger.Release(ctx, key)
		return nil, eris.Wrapf(err, "pipeline: step %s", step.Name)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		// The result is still good; only the cache write is lost.
		zap.L().Warn("marshal step result for ledger",
			zap.String("key", key),
			zap.Error(err),
		)
		e.ledger.Release(ctx, key)
		return &Outcome{Result: result}, nil
	}
	e.ledger.Complete(ctx, key, payload)

	return &Outcome{Result: result}, nil
}
