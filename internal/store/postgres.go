package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/donorpath/prospect-cli/internal/checkpoint"
	"github.com/donorpath/prospect-cli/internal/idempotency"
	"github.com/donorpath/prospect-cli/internal/model"
	"github.com/donorpath/prospect-cli/internal/resilience"
)

// Pool abstracts pgxpool.Pool for test injection (pgxmock satisfies it).
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS idempotency (
	key        TEXT PRIMARY KEY,
	item_id    TEXT NOT NULL,
	step       TEXT NOT NULL,
	status     TEXT NOT NULL,
	result     BYTEA,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	item_id    TEXT NOT NULL,
	step       TEXT NOT NULL,
	status     TEXT NOT NULL,
	output     BYTEA,
	error      TEXT,
	attempts   INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ,
	PRIMARY KEY (item_id, step)
);

CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'pending',
	total      INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS batch_items (
	batch_id   TEXT NOT NULL REFERENCES batches(id),
	position   INTEGER NOT NULL,
	prospect   JSONB NOT NULL,
	PRIMARY KEY (batch_id, position)
);

CREATE TABLE IF NOT EXISTS enrichments (
	prospect_id TEXT PRIMARY KEY,
	result      JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	prospect       JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	failed_step    TEXT,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	last_failed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency(expires_at);
CREATE INDEX IF NOT EXISTS idx_checkpoints_item_id ON checkpoints(item_id);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Idempotency ledger

func (s *PostgresStore) GetLedgerRecord(ctx context.Context, key string) (*idempotency.Record, error) {
	var rec idempotency.Record
	err := s.pool.QueryRow(ctx,
		`SELECT key, item_id, step, status, result, created_at, expires_at FROM idempotency WHERE key = $1`,
		key,
	).Scan(&rec.Key, &rec.ItemID, &rec.Step, &rec.Status, &rec.Result, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get ledger record")
	}
	return &rec, nil
}

func (s *PostgresStore) TryAcquireRecord(ctx context.Context, rec idempotency.Record, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency (key, item_id, step, status, result, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, NULL, $5, $6)
		 ON CONFLICT (key) DO UPDATE SET
		   item_id = EXCLUDED.item_id, step = EXCLUDED.step, status = EXCLUDED.status,
		   result = NULL, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		 WHERE idempotency.expires_at <= $7`,
		rec.Key, rec.ItemID, rec.Step, string(rec.Status),
		rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(), now.UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: acquire ledger record")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CompleteLedgerRecord(ctx context.Context, key string, result []byte, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE idempotency SET status = $1, result = $2, expires_at = $3 WHERE key = $4`,
		string(idempotency.StatusCompleted), result, expiresAt.UTC(), key,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete ledger record %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("ledger record not found: %s", key)
	}
	return nil
}

func (s *PostgresStore) DeleteLedgerRecord(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency WHERE key = $1`, key)
	return eris.Wrapf(err, "postgres: delete ledger record %s", key)
}

func (s *PostgresStore) SweepLedger(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency WHERE expires_at <= $1`, now.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: sweep ledger")
	}
	return int(tag.RowsAffected()), nil
}

// Checkpoints

func (s *PostgresStore) GetCheckpoints(ctx context.Context, itemID string) ([]checkpoint.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT item_id, step, status, output, error, attempts, started_at, updated_at
		 FROM checkpoints WHERE item_id = $1`,
		itemID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get checkpoints")
	}
	defer rows.Close()

	var out []checkpoint.Record
	for rows.Next() {
		var r checkpoint.Record
		var errMsg *string
		var startedAt, updatedAt *time.Time
		if err := rows.Scan(&r.ItemID, &r.Step, &r.Status, &r.Output, &errMsg, &r.Attempts, &startedAt, &updatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan checkpoint")
		}
		if errMsg != nil {
			r.Error = *errMsg
		}
		if startedAt != nil {
			r.StartedAt = *startedAt
		}
		if updatedAt != nil {
			r.UpdatedAt = *updatedAt
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get checkpoints iterate")
}

func (s *PostgresStore) BeginCheckpoint(ctx context.Context, itemID, step string, now, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (item_id, step, status, attempts, started_at, updated_at)
		 VALUES ($1, $2, $3, 1, $4, $4)
		 ON CONFLICT (item_id, step) DO UPDATE SET
		   status = EXCLUDED.status, attempts = checkpoints.attempts + 1,
		   error = NULL, started_at = EXCLUDED.started_at, updated_at = EXCLUDED.updated_at
		 WHERE checkpoints.status IN ('pending', 'failed')
		    OR (checkpoints.status = 'running' AND checkpoints.updated_at <= $5)`,
		itemID, step, string(checkpoint.StatusRunning), now.UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin checkpoint")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FinishCheckpoint(ctx context.Context, itemID, step string, status checkpoint.Status, output []byte, errMsg string, now time.Time) error {
	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (item_id, step, status, output, error, attempts, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
		 ON CONFLICT (item_id, step) DO UPDATE SET
		   status = EXCLUDED.status, output = EXCLUDED.output,
		   error = EXCLUDED.error, updated_at = EXCLUDED.updated_at`,
		itemID, step, string(status), output, errVal, now.UTC(),
	)
	return eris.Wrapf(err, "postgres: finish checkpoint %s/%s", itemID, step)
}

// Batches

func (s *PostgresStore) CreateBatch(ctx context.Context, prospects []model.Prospect) (*model.Batch, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO batches (id, status, total, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
		id, string(model.BatchStatusPending), len(prospects), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert batch")
	}

	for i, p := range prospects {
		pJSON, err := json.Marshal(p)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal prospect")
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO batch_items (batch_id, position, prospect) VALUES ($1, $2, $3)`,
			id, i, pJSON,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: insert batch item")
		}
	}

	return &model.Batch{
		ID:        id,
		Status:    model.BatchStatusPending,
		Total:     len(prospects),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update batch status %s", batchID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("batch not found: %s", batchID)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	var b model.Batch
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, total, created_at, updated_at FROM batches WHERE id = $1`,
		batchID,
	).Scan(&b.ID, &b.Status, &b.Total, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("batch not found: %s", batchID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get batch")
	}
	return &b, nil
}

func (s *PostgresStore) GetBatchProspects(ctx context.Context, batchID string) ([]model.Prospect, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT prospect FROM batch_items WHERE batch_id = $1 ORDER BY position`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get batch prospects")
	}
	defer rows.Close()

	var prospects []model.Prospect
	for rows.Next() {
		var pJSON []byte
		if err := rows.Scan(&pJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch item")
		}
		var p model.Prospect
		if err := json.Unmarshal(pJSON, &p); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal prospect")
		}
		prospects = append(prospects, p)
	}
	return prospects, eris.Wrap(rows.Err(), "postgres: get batch prospects iterate")
}

// Enrichments

func (s *PostgresStore) SaveEnrichment(ctx context.Context, prospectID string, result *model.TriangulatedResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal enrichment")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrichments (prospect_id, result, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (prospect_id) DO UPDATE SET result = EXCLUDED.result, updated_at = EXCLUDED.updated_at`,
		prospectID, resultJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save enrichment %s", prospectID)
}

func (s *PostgresStore) GetEnrichment(ctx context.Context, prospectID string) (*model.TriangulatedResult, error) {
	var resultJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM enrichments WHERE prospect_id = $1`,
		prospectID,
	).Scan(&resultJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get enrichment")
	}

	var tr model.TriangulatedResult
	if err := json.Unmarshal(resultJSON, &tr); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal enrichment")
	}
	return &tr, nil
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	prospectJSON, err := json.Marshal(entry.Prospect)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq prospect")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, prospect, error, error_type, failed_step, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $3, error_type = $4, failed_step = $5, retry_count = $6,
		   next_retry_at = $8, last_failed_at = $10`,
		entry.ID, prospectJSON, entry.Error, entry.ErrorType,
		entry.FailedStep, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, prospect, error, error_type, failed_step, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var prospectJSON []byte
		var failedStep *string
		if err := rows.Scan(&e.ID, &prospectJSON, &e.Error, &e.ErrorType,
			&failedStep, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if failedStep != nil {
			e.FailedStep = *failedStep
		}
		if err := json.Unmarshal(prospectJSON, &e.Prospect); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq prospect")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: remove dlq %s", id)
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
