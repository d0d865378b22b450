package pipeline_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/donorpath/prospect-cli/internal/idempotency"
	"github.com/donorpath/prospect-cli/internal/model"
	"github.com/donorpath/prospect-cli/internal/pipeline"
	"github.com/donorpath/prospect-cli/internal/research"
	"github.com/donorpath/prospect-cli/internal/resilience"
	"github.com/donorpath/prospect-cli/internal/store"
)

func init() {
	// Replace global logger with a no-op to avoid nil pointer panics in tests.
	zap.ReplaceGlobals(zap.NewNop())
}

// stubProvider is a scriptable research.Provider that counts calls.
type stubProvider struct {
	name string
	fn   func(ctx context.Context, in research.Input) (*model.ProviderResult, error)

	mu    sync.Mutex
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Research(ctx context.Context, in research.Input) (*model.ProviderResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fn(ctx, in)
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// textProvider always returns the given narrative.
func textProvider(name, text string) *stubProvider {
	return &stubProvider{
		name: name,
		fn: func(ctx context.Context, in research.Input) (*model.ProviderResult, error) {
			return &model.ProviderResult{Provider: name, Text: text}, nil
		},
	}
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0,
	}
}

func newExecutor(st store.Store, providers ...research.Provider) (*pipeline.StepExecutor, *idempotency.Ledger) {
	reg := research.NewRegistry()
	for _, p := range providers {
		reg.Register(p)
	}
	led := idempotency.New(st, idempotency.Config{})
	limiters := resilience.NewProviderLimiters(nil, resilience.LimitConfig{RefillPerSec: 1000, Capacity: 1000})
	breakers := resilience.NewProviderBreakers(resilience.DefaultCircuitBreakerConfig())
	return pipeline.NewStepExecutor(led, limiters, breakers, fastRetry(), reg), led
}

func wealthStep() pipeline.Step {
	return pipeline.Step{
		Name:     pipeline.StepWealthScreen,
		Provider: "perplexity",
		Focus:    research.FocusWealth,
		Timeout:  time.Second,
	}
}

func testInput() research.Input {
	return research.Input{
		ProspectID: "p-1",
		FullName:   "Jane Donor",
		City:       "Boston",
		State:      "MA",
		Focus:      research.FocusWealth,
	}
}

func TestExecutor_CachedResultSkipsProvider(t *testing.T) {
	provider := textProvider("perplexity", "Net worth of $10 million.")
	exec, _ := newExecutor(store.NewMemory(), provider)
	ctx := context.Background()

	out, err := exec.Execute(ctx, "p-1", wealthStep(), testInput())
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.Equal(t, "Net worth of $10 million.", out.Result.Text)

	out, err = exec.Execute(ctx, "p-1", wealthStep(), testInput())
	require.NoError(t, err)
	assert.True(t, out.Cached)
	assert.Equal(t, "Net worth of $10 million.", out.Result.Text)

	assert.Equal(t, 1, provider.callCount())
}

func TestExecutor_InputChangeMissesCache(t *testing.T) {
	provider := textProvider("perplexity", "findings")
	exec, _ := newExecutor(store.NewMemory(), provider)
	ctx := context.Background()

	_, err := exec.Execute(ctx, "p-1", wealthStep(), testInput())
	require.NoError(t, err)

	in := testInput()
	in.Employer = "Acme Corp"
	out, err := exec.Execute(ctx, "p-1", wealthStep(), in)
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.Equal(t, 2, provider.callCount())
}

func TestExecutor_EquivalentSpellingsShareCache(t *testing.T) {
	provider := textProvider("perplexity", "findings")
	exec, _ := newExecutor(store.NewMemory(), provider)
	ctx := context.Background()

	in := testInput()
	in.FullName = "José García"
	_, err := exec.Execute(ctx, "p-1", wealthStep(), in)
	require.NoError(t, err)

	in.FullName = "  Jose   Garcia "
	out, err := exec.Execute(ctx, "p-1", wealthStep(), in)
	require.NoError(t, err)
	assert.True(t, out.Cached)
	assert.Equal(t, 1, provider.callCount())
}

func TestExecutor_ProcessingElsewhere(t *testing.T) {
	provider := textProvider("perplexity", "findings")
	st := store.NewMemory()
	exec, led := newExecutor(st, provider)
	ctx := context.Background()

	// Another worker already holds the processing record for this exact
	// step invocation.
	hash, err := idempotency.InputHash(testInput().Canonical())
	require.NoError(t, err)
	key := idempotency.Key("p-1", pipeline.StepWealthScreen, hash)
	require.True(t, led.TryAcquire(ctx, key, "p-1", pipeline.StepWealthScreen))

	_, err = exec.Execute(ctx, "p-1", wealthStep(), testInput())
	assert.ErrorIs(t, err, pipeline.ErrProcessingElsewhere)
	assert.Zero(t, provider.callCount())
}

func TestExecutor_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int
	var mu sync.Mutex
	provider := &stubProvider{
		name: "perplexity",
		fn: func(ctx context.Context, in research.Input) (*model.ProviderResult, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n < 3 {
				return nil, fmt.Errorf("API error: status 503")
			}
			return &model.ProviderResult{Provider: "perplexity", Text: "recovered"}, nil
		},
	}
	exec, _ := newExecutor(store.NewMemory(), provider)

	out, err := exec.Execute(context.Background(), "p-1", wealthStep(), testInput())
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.Equal(t, "recovered", out.Result.Text)
	assert.Equal(t, 3, provider.callCount())
}

func TestExecutor_PermanentErrorFailsFast(t *testing.T) {
	provider := &stubProvider{
		name: "perplexity",
		fn: func(ctx context.Context, in research.Input) (*model.ProviderResult, error) {
			return nil, fmt.Errorf("API error: status 401")
		},
	}
	st := store.NewMemory()
	exec, led := newExecutor(st, provider)
	ctx := context.Background()

	_, err := exec.Execute(ctx, "p-1", wealthStep(), testInput())
	require.Error(t, err)
	assert.Equal(t, 1, provider.callCount(), "permanent errors are not retried")

	// The processing record was released, so a later attempt may run.
	hash, err2 := idempotency.InputHash(testInput().Canonical())
	require.NoError(t, err2)
	key := idempotency.Key("p-1", pipeline.StepWealthScreen, hash)
	assert.True(t, led.TryAcquire(ctx, key, "p-1", pipeline.StepWealthScreen))
}

func TestExecutor_LocalStepRejected(t *testing.T) {
	exec, _ := newExecutor(store.NewMemory())

	_, err := exec.Execute(context.Background(), "p-1", pipeline.Step{Name: pipeline.StepTriangulate}, testInput())
	assert.Error(t, err)
}

func TestExecutor_UnknownProviderRejected(t *testing.T) {
	exec, _ := newExecutor(store.NewMemory())

	step := wealthStep()
	step.Provider = "nonexistent"
	_, err := exec.Execute(context.Background(), "p-1", step, testInput())
	assert.Error(t, err)
}
