// Package store provides durable persistence for the research pipeline:
// the idempotency ledger, checkpoint rows, batches, enrichment writeback,
// and the dead letter queue. SQLite and Postgres backends share one
// interface.
package store

import (
	"context"

	"github.com/donorpath/prospect-cli/internal/checkpoint"
	"github.com/donorpath/prospect-cli/internal/idempotency"
	"github.com/donorpath/prospect-cli/internal/model"
	"github.com/donorpath/prospect-cli/internal/resilience"
)

// Store is the persistence interface for the research pipeline. It embeds
// the narrow backends the idempotency ledger and checkpoint tracker
// depend on; both require atomic conditional writes so concurrent workers
// racing on the same key never both win.
type Store interface {
	idempotency.Store
	checkpoint.Store

	// Batches
	CreateBatch(ctx context.Context, prospects []model.Prospect) (*model.Batch, error)
	UpdateBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
	GetBatchProspects(ctx context.Context, batchID string) ([]model.Prospect, error)

	// Enrichment writeback, keyed by prospect id.
	SaveEnrichment(ctx context.Context, prospectID string, result *model.TriangulatedResult) error
	GetEnrichment(ctx context.Context, prospectID string) (*model.TriangulatedResult, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
