// Package checkpoint records per-prospect, per-step progress so a crashed
// or restarted batch replays only from its first incomplete step.
package checkpoint

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Status is the state of one step for one prospect.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// terminal reports whether a step no longer needs to run.
func terminal(s Status) bool {
	return s == StatusSucceeded || s == StatusSkipped
}

// Record is one durable checkpoint row, identified by (itemID, step).
type Record struct {
	ItemID    string    `json:"item_id"`
	Step      string    `json:"step"`
	Status    Status    `json:"status"`
	Output    []byte    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrSequenceViolation is returned when a step is begun before all prior
// steps have succeeded or been skipped. This is a programming-contract
// violation, never retried.
var ErrSequenceViolation = eris.New("checkpoint: step begun out of sequence")

// ErrStepContended is returned when another worker holds the running
// checkpoint for the same (item, step).
var ErrStepContended = eris.New("checkpoint: step already running elsewhere")

// Store is the durable backend for checkpoint rows. BeginCheckpoint must
// be a conditional write: it wins only if no row exists, or the existing
// row is pending/failed, or a running row has stalled past staleBefore.
type Store interface {
	GetCheckpoints(ctx context.Context, itemID string) ([]Record, error)
	BeginCheckpoint(ctx context.Context, itemID, step string, now, staleBefore time.Time) (bool, error)
	FinishCheckpoint(ctx context.Context, itemID, step string, status Status, output []byte, errMsg string, now time.Time) error
}

// Tracker enforces the fixed step order over a Store. Rows are created
// lazily on first attempt.
type Tracker struct {
	store Store
	steps []string
	stall time.Duration
	now   func() time.Time
}

// New creates a Tracker for the given ordered step list. stall bounds how
// long a running checkpoint may sit before a resumed run re-attempts it.
func New(store Store, steps []string, stall time.Duration) *Tracker {
	if stall <= 0 {
		stall = 10 * time.Minute
	}
	return &Tracker{store: store, steps: steps, stall: stall, now: time.Now}
}

// WithNow sets the clock, for tests.
func (t *Tracker) WithNow(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Steps returns the fixed step order.
func (t *Tracker) Steps() []string {
	return t.steps
}

// Get returns checkpoints for an item in fixed step order, synthesizing
// pending records for steps never attempted.
func (t *Tracker) Get(ctx context.Context, itemID string) ([]Record, error) {
	rows, err := t.store.GetCheckpoints(ctx, itemID)
	if err != nil {
		return nil, eris.Wrapf(err, "checkpoint: get %s", itemID)
	}

	byStep := make(map[string]Record, len(rows))
	for _, r := range rows {
		byStep[r.Step] = r
	}

	out := make([]Record, 0, len(t.steps))
	for _, step := range t.steps {
		if r, ok := byStep[step]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, Record{ItemID: itemID, Step: step, Status: StatusPending})
	}
	return out, nil
}

// Begin marks a step running. It fails with ErrSequenceViolation unless
// every prior step is succeeded or skipped, and with ErrStepContended if
// another worker holds a live running checkpoint. Store unavailability
// degrades to fail-open: the step runs, resumability suffers.
func (t *Tracker) Begin(ctx context.Context, itemID, step string) error {
	idx := t.indexOf(step)
	if idx < 0 {
		return eris.Errorf("checkpoint: unknown step %q", step)
	}

	records, err := t.Get(ctx, itemID)
	if err != nil {
		zap.L().Warn("checkpoint: store unavailable on begin, failing open",
			zap.String("item", itemID),
			zap.String("step", step),
			zap.Error(err),
		)
		return nil
	}

	for _, r := range records[:idx] {
		if !terminal(r.Status) {
			return eris.Wrapf(ErrSequenceViolation, "step %q before %q is %s", r.Step, step, r.Status)
		}
	}

	now := t.now()
	won, err := t.store.BeginCheckpoint(ctx, itemID, step, now, now.Add(-t.stall))
	if err != nil {
		zap.L().Warn("checkpoint: begin write failed, failing open",
			zap.String("item", itemID),
			zap.String("step", step),
			zap.Error(err),
		)
		return nil
	}
	if !won {
		return ErrStepContended
	}
	return nil
}

// Succeed records a step's output.
func (t *Tracker) Succeed(ctx context.Context, itemID, step string, output []byte) {
	if err := t.store.FinishCheckpoint(ctx, itemID, step, StatusSucceeded, output, "", t.now()); err != nil {
		zap.L().Warn("checkpoint: succeed write failed",
			zap.String("item", itemID),
			zap.String("step", step),
			zap.Error(err),
		)
	}
}

// Fail records a step failure.
func (t *Tracker) Fail(ctx context.Context, itemID, step string, stepErr error) {
	msg := ""
	if stepErr != nil {
		msg = stepErr.Error()
	}
	if err := t.store.FinishCheckpoint(ctx, itemID, step, StatusFailed, nil, msg, t.now()); err != nil {
		zap.L().Warn("checkpoint: fail write failed",
			zap.String("item", itemID),
			zap.String("step", step),
			zap.Error(err),
		)
	}
}

// Skip marks a step intentionally not run; later steps may proceed past it.
func (t *Tracker) Skip(ctx context.Context, itemID, step string) {
	if err := t.store.FinishCheckpoint(ctx, itemID, step, StatusSkipped, nil, "", t.now()); err != nil {
		zap.L().Warn("checkpoint: skip write failed",
			zap.String("item", itemID),
			zap.String("step", step),
			zap.Error(err),
		)
	}
}

// FirstIncomplete returns the first step not yet succeeded or skipped, or
// "" when the item is complete. Failed and stale running steps are
// re-attempted on resume.
func (t *Tracker) FirstIncomplete(ctx context.Context, itemID string) (string, error) {
	records, err := t.Get(ctx, itemID)
	if err != nil {
		return "", err
	}
	for _, r := range records {
		if !terminal(r.Status) {
			return r.Step, nil
		}
	}
	return "", nil
}

func (t *Tracker) indexOf(step string) int {
	for i, s := range t.steps {
		if s == step {
			return i
		}
	}
	return -1
}
