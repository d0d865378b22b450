package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of a ledger record.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// Record is one durable ledger row.
type Record struct {
	Key       string    `json:"key"`
	ItemID    string    `json:"item_id"`
	Step      string    `json:"step"`
	Status    Status    `json:"status"`
	Result    []byte    `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Decision is the outcome of a ledger check.
type Decision struct {
	Exists     bool
	Status     Status
	Result     []byte
	CanProcess bool
}

// Store is the durable backend for ledger records. Implementations must
// make TryAcquireRecord atomic: exactly one of any set of concurrent
// callers for the same key may succeed.
type Store interface {
	GetLedgerRecord(ctx context.Context, key string) (*Record, error)
	// TryAcquireRecord inserts rec if no record exists for its key, or
	// replaces a record whose expiry is at or before now. Returns whether
	// the caller won the record.
	TryAcquireRecord(ctx context.Context, rec Record, now time.Time) (bool, error)
	CompleteLedgerRecord(ctx context.Context, key string, result []byte, expiresAt time.Time) error
	DeleteLedgerRecord(ctx context.Context, key string) error
	SweepLedger(ctx context.Context, now time.Time) (int, error)
}

// Config holds the ledger TTLs. Both trade duplicate-call protection
// against recovery latency after a crashed worker, so they are tunable
// rather than constants.
type Config struct {
	// ProcessingTTL is how long a processing record may stall before it
	// is treated as abandoned and reclaimable. Default: 5m.
	ProcessingTTL time.Duration
	// CompletedTTL is how long a completed result stays cached. Default: 24h.
	CompletedTTL time.Duration
}

// DefaultConfig returns the default TTLs.
func DefaultConfig() Config {
	return Config{
		ProcessingTTL: 5 * time.Minute,
		CompletedTTL:  24 * time.Hour,
	}
}

// Ledger layers TTL policy and fail-open degradation over a Store.
// Idempotency is a best-effort optimization on top of retry-safe steps:
// when the backing store is unavailable the ledger allows processing
// instead of blocking the pipeline.
type Ledger struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// New creates a Ledger over a store.
func New(store Store, cfg Config) *Ledger {
	if cfg.ProcessingTTL <= 0 {
		cfg.ProcessingTTL = 5 * time.Minute
	}
	if cfg.CompletedTTL <= 0 {
		cfg.CompletedTTL = 24 * time.Hour
	}
	return &Ledger{store: store, cfg: cfg, now: time.Now}
}

// WithNow sets the clock, for tests.
func (l *Ledger) WithNow(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Check reports whether a step invocation may proceed. A live completed
// record yields CanProcess=false and the cached result; a stalled
// processing record is treated as reclaimable.
func (l *Ledger) Check(ctx context.Context, key string) Decision {
	rec, err := l.store.GetLedgerRecord(ctx, key)
	if err != nil {
		zap.L().Warn("idempotency: ledger unavailable, failing open",
			zap.String("key", key),
			zap.Error(err),
		)
		return Decision{CanProcess: true}
	}
	if rec == nil {
		return Decision{CanProcess: true}
	}

	d := Decision{Exists: true, Status: rec.Status}
	expired := !rec.ExpiresAt.After(l.now())

	switch rec.Status {
	case StatusCompleted:
		if expired {
			d.CanProcess = true
			return d
		}
		d.Result = rec.Result
		return d
	case StatusProcessing:
		// A stalled worker's record is reclaimable once past its TTL.
		d.CanProcess = expired
		return d
	default:
		d.CanProcess = true
		return d
	}
}

// TryAcquire atomically creates a processing record for the key, or
// reclaims an expired one. Returns whether the caller now holds the lock.
func (l *Ledger) TryAcquire(ctx context.Context, key, itemID, step string) bool {
	now := l.now()
	rec := Record{
		Key:       key,
		ItemID:    itemID,
		Step:      step,
		Status:    StatusProcessing,
		CreatedAt: now,
		ExpiresAt: now.Add(l.cfg.ProcessingTTL),
	}

	acquired, err := l.store.TryAcquireRecord(ctx, rec, now)
	if err != nil {
		zap.L().Warn("idempotency: acquire failed, failing open",
			zap.String("key", key),
			zap.String("item", itemID),
			zap.String("step", step),
			zap.Error(err),
		)
		return true
	}
	return acquired
}

// Complete transitions a held lock to completed, caching the result until
// the completed TTL.
func (l *Ledger) Complete(ctx context.Context, key string, result []byte) {
	expiresAt := l.now().Add(l.cfg.CompletedTTL)
	if err := l.store.CompleteLedgerRecord(ctx, key, result, expiresAt); err != nil {
		zap.L().Warn("idempotency: complete failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// Release deletes a processing record after a failure or abort, making
// the key immediately retryable.
func (l *Ledger) Release(ctx context.Context, key string) {
	if err := l.store.DeleteLedgerRecord(ctx, key); err != nil {
		zap.L().Warn("idempotency: release failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// Sweep deletes all records past expiry. Safe to run concurrently with
// normal traffic.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	return l.store.SweepLedger(ctx, l.now())
}
