package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donorpath/prospect-cli/internal/checkpoint"
	"github.com/donorpath/prospect-cli/internal/store"
)

var testSteps = []string{"wealth_screen", "philanthropy", "biography", "triangulate"}

func newTestTracker(t *testing.T) (*checkpoint.Tracker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := &now
	tr := checkpoint.New(store.NewMemory(), testSteps, 10*time.Minute).
		WithNow(func() time.Time { return *clock })
	return tr, clock
}

func TestTracker_GetSynthesizesPendingRows(t *testing.T) {
	tr, _ := newTestTracker(t)

	records, err := tr.Get(context.Background(), "item-1")
	require.NoError(t, err)
	require.Len(t, records, len(testSteps))
	for i, rec := range records {
		assert.Equal(t, testSteps[i], rec.Step)
		assert.Equal(t, checkpoint.StatusPending, rec.Status)
	}
}

func TestTracker_BeginEnforcesSequence(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	// Second step before the first has succeeded.
	err := tr.Begin(ctx, "item-1", "philanthropy")
	assert.ErrorIs(t, err, checkpoint.ErrSequenceViolation)

	// First step is always eligible.
	require.NoError(t, tr.Begin(ctx, "item-1", "wealth_screen"))
	tr.Succeed(ctx, "item-1", "wealth_screen", []byte(`{"ok":true}`))

	// Now the second step may begin.
	require.NoError(t, tr.Begin(ctx, "item-1", "philanthropy"))
}

func TestTracker_SkippedStepUnblocksSuccessors(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Begin(ctx, "item-1", "wealth_screen"))
	tr.Skip(ctx, "item-1", "wealth_screen")

	assert.NoError(t, tr.Begin(ctx, "item-1", "philanthropy"))
}

func TestTracker_BeginContention(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Begin(ctx, "item-1", "wealth_screen"))

	// A second worker cannot begin the same live running step.
	err := tr.Begin(ctx, "item-1", "wealth_screen")
	assert.ErrorIs(t, err, checkpoint.ErrStepContended)
}

func TestTracker_StaleRunningReclaimed(t *testing.T) {
	tr, clock := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Begin(ctx, "item-1", "wealth_screen"))

	// Within the stall window the step stays contended.
	*clock = clock.Add(5 * time.Minute)
	assert.ErrorIs(t, tr.Begin(ctx, "item-1", "wealth_screen"), checkpoint.ErrStepContended)

	// Past the stall window a resumed run may take over.
	*clock = clock.Add(6 * time.Minute)
	assert.NoError(t, tr.Begin(ctx, "item-1", "wealth_screen"))
}

func TestTracker_FailedStepRestartable(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Begin(ctx, "item-1", "wealth_screen"))
	tr.Fail(ctx, "item-1", "wealth_screen", eris.New("provider down"))

	records, err := tr.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, records[0].Status)
	assert.Contains(t, records[0].Error, "provider down")

	assert.NoError(t, tr.Begin(ctx, "item-1", "wealth_screen"))
}

func TestTracker_SucceedStoresOutput(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Begin(ctx, "item-1", "wealth_screen"))
	tr.Succeed(ctx, "item-1", "wealth_screen", []byte(`{"text":"findings"}`))

	records, err := tr.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusSucceeded, records[0].Status)
	assert.JSONEq(t, `{"text":"findings"}`, string(records[0].Output))
	assert.Equal(t, 1, records[0].Attempts)
}

func TestTracker_FirstIncomplete(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	first, err := tr.FirstIncomplete(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "wealth_screen", first)

	require.NoError(t, tr.Begin(ctx, "item-1", "wealth_screen"))
	tr.Succeed(ctx, "item-1", "wealth_screen", nil)
	require.NoError(t, tr.Begin(ctx, "item-1", "philanthropy"))
	tr.Succeed(ctx, "item-1", "philanthropy", nil)

	first, err = tr.FirstIncomplete(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "biography", first)

	require.NoError(t, tr.Begin(ctx, "item-1", "biography"))
	tr.Succeed(ctx, "item-1", "biography", nil)
	require.NoError(t, tr.Begin(ctx, "item-1", "triangulate"))
	tr.Succeed(ctx, "item-1", "triangulate", nil)

	first, err = tr.FirstIncomplete(ctx, "item-1")
	require.NoError(t, err)
	assert.Empty(t, first, "fully complete item has no incomplete step")
}

func TestTracker_AttemptsAccumulate(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Begin(ctx, "item-1", "wealth_screen"))
	tr.Fail(ctx, "item-1", "wealth_screen", eris.New("boom"))
	require.NoError(t, tr.Begin(ctx, "item-1", "wealth_screen"))
	tr.Succeed(ctx, "item-1", "wealth_screen", nil)

	records, err := tr.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, 2, records[0].Attempts)
}

func TestTracker_UnknownStepRejected(t *testing.T) {
	tr, _ := newTestTracker(t)

	err := tr.Begin(context.Background(), "item-1", "no_such_step")
	assert.Error(t, err)
}

// brokenStore fails every operation, standing in for an unreachable backend.
type brokenStore struct{}

func (brokenStore) GetCheckpoints(context.Context, string) ([]checkpoint.Record, error) {
	return nil, eris.New("store down")
}

func (brokenStore) BeginCheckpoint(context.Context, string, string, time.Time, time.Time) (bool, error) {
	return false, eris.New("store down")
}

func (brokenStore) FinishCheckpoint(context.Context, string, string, checkpoint.Status, []byte, string, time.Time) error {
	return eris.New("store down")
}

func TestTracker_FailsOpenOnStoreErrors(t *testing.T) {
	tr := checkpoint.New(brokenStore{}, testSteps, 10*time.Minute)
	ctx := context.Background()

	// Processing proceeds even though nothing can be recorded.
	assert.NoError(t, tr.Begin(ctx, "item-1", "wealth_screen"))
	tr.Succeed(ctx, "item-1", "wealth_screen", nil)
	tr.Fail(ctx, "item-1", "wealth_screen", eris.New("boom"))
}
