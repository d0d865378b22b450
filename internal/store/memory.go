package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/donorpath/prospect-cli/internal/checkpoint"
	"github.com/donorpath/prospect-cli/internal/idempotency"
	"github.com/donorpath/prospect-cli/internal/model"
	"github.com/donorpath/prospect-cli/internal/resilience"
)

// MemoryStore is an in-process Store. It backs unit tests and ad-hoc runs
// where durability across restarts is not needed; the conditional-write
// semantics match the SQL backends.
type MemoryStore struct {
	mu          sync.Mutex
	ledger      map[string]idempotency.Record
	checkpoints map[string]map[string]checkpoint.Record // itemID -> step
	batches     map[string]model.Batch
	batchItems  map[string][]model.Prospect
	enrichments map[string]model.TriangulatedResult
	dlq         map[string]resilience.DLQEntry
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		ledger:      make(map[string]idempotency.Record),
		checkpoints: make(map[string]map[string]checkpoint.Record),
		batches:     make(map[string]model.Batch),
		batchItems:  make(map[string][]model.Prospect),
		enrichments: make(map[string]model.TriangulatedResult),
		dlq:         make(map[string]resilience.DLQEntry),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// Idempotency ledger

func (s *MemoryStore) GetLedgerRecord(ctx context.Context, key string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ledger[key]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *MemoryStore) TryAcquireRecord(ctx context.Context, rec idempotency.Record, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.ledger[rec.Key]
	if ok && existing.ExpiresAt.After(now) {
		return false, nil
	}
	s.ledger[rec.Key] = rec
	return true, nil
}

func (s *MemoryStore) CompleteLedgerRecord(ctx context.Context, key string, result []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ledger[key]
	if !ok {
		return eris.Errorf("ledger record not found: %s", key)
	}
	rec.Status = idempotency.StatusCompleted
	rec.Result = result
	rec.ExpiresAt = expiresAt
	s.ledger[key] = rec
	return nil
}

func (s *MemoryStore) DeleteLedgerRecord(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ledger, key)
	return nil
}

func (s *MemoryStore) SweepLedger(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for key, rec := range s.ledger {
		if !rec.ExpiresAt.After(now) {
			delete(s.ledger, key)
			n++
		}
	}
	return n, nil
}

// Checkpoints

func (s *MemoryStore) GetCheckpoints(ctx context.Context, itemID string) ([]checkpoint.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []checkpoint.Record
	for _, r := range s.checkpoints[itemID] {
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) BeginCheckpoint(ctx context.Context, itemID, step string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStep, ok := s.checkpoints[itemID]
	if !ok {
		byStep = make(map[string]checkpoint.Record)
		s.checkpoints[itemID] = byStep
	}

	existing, ok := byStep[step]
	if ok {
		switch existing.Status {
		case checkpoint.StatusPending, checkpoint.StatusFailed:
			// re-attemptable
		case checkpoint.StatusRunning:
			if existing.UpdatedAt.After(staleBefore) {
				return false, nil
			}
		default:
			return false, nil
		}
		existing.Status = checkpoint.StatusRunning
		existing.Attempts++
		existing.Error = ""
		existing.StartedAt = now
		existing.UpdatedAt = now
		byStep[step] = existing
		return true, nil
	}

	byStep[step] = checkpoint.Record{
		ItemID:    itemID,
		Step:      step,
		Status:    checkpoint.StatusRunning,
		Attempts:  1,
		StartedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

func (s *MemoryStore) FinishCheckpoint(ctx context.Context, itemID, step string, status checkpoint.Status, output []byte, errMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStep, ok := s.checkpoints[itemID]
	if !ok {
		byStep = make(map[string]checkpoint.Record)
		s.checkpoints[itemID] = byStep
	}
	r := byStep[step]
	r.ItemID = itemID
	r.Step = step
	r.Status = status
	r.Output = output
	r.Error = errMsg
	r.UpdatedAt = now
	if r.Attempts == 0 {
		r.Attempts = 1
	}
	byStep[step] = r
	return nil
}

// Batches

func (s *MemoryStore) CreateBatch(ctx context.Context, prospects []model.Prospect) (*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	b := model.Batch{
		ID:        uuid.New().String(),
		Status:    model.BatchStatusPending,
		Total:     len(prospects),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.batches[b.ID] = b
	s.batchItems[b.ID] = append([]model.Prospect(nil), prospects...)
	return &b, nil
}

func (s *MemoryStore) UpdateBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return eris.Errorf("batch not found: %s", batchID)
	}
	b.Status = status
	b.UpdatedAt = time.Now().UTC()
	s.batches[batchID] = b
	return nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, eris.Errorf("batch not found: %s", batchID)
	}
	out := b
	return &out, nil
}

func (s *MemoryStore) GetBatchProspects(ctx context.Context, batchID string) ([]model.Prospect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Prospect(nil), s.batchItems[batchID]...), nil
}

// Enrichments

func (s *MemoryStore) SaveEnrichment(ctx context.Context, prospectID string, result *model.TriangulatedResult) error {
	// Round-trip through JSON so callers cannot mutate stored state.
	raw, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "memory: marshal enrichment")
	}
	var tr model.TriangulatedResult
	if err := json.Unmarshal(raw, &tr); err != nil {
		return eris.Wrap(err, "memory: unmarshal enrichment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrichments[prospectID] = tr
	return nil
}

func (s *MemoryStore) GetEnrichment(ctx context.Context, prospectID string) (*model.TriangulatedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.enrichments[prospectID]
	if !ok {
		return nil, nil
	}
	out := tr
	return &out, nil
}

// Dead letter queue

func (s *MemoryStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	s.dlq[entry.ID] = entry
	return nil
}

func (s *MemoryStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []resilience.DLQEntry
	for _, e := range s.dlq {
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) RemoveDLQ(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dlq, id)
	return nil
}

func (s *MemoryStore) CountDLQ(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dlq), nil
}
