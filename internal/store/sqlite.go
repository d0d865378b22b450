package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/donorpath/prospect-cli/internal/checkpoint"
	"github.com/donorpath/prospect-cli/internal/idempotency"
	"github.com/donorpath/prospect-cli/internal/model"
	"github.com/donorpath/prospect-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS idempotency (
	key        TEXT PRIMARY KEY,
	item_id    TEXT NOT NULL,
	step       TEXT NOT NULL,
	status     TEXT NOT NULL,
	result     BLOB,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	item_id    TEXT NOT NULL,
	step       TEXT NOT NULL,
	status     TEXT NOT NULL,
	output     BLOB,
	error      TEXT,
	attempts   INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME,
	updated_at DATETIME,
	PRIMARY KEY (item_id, step)
);

CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'pending',
	total      INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_items (
	batch_id   TEXT NOT NULL REFERENCES batches(id),
	position   INTEGER NOT NULL,
	prospect   TEXT NOT NULL,
	PRIMARY KEY (batch_id, position)
);

CREATE TABLE IF NOT EXISTS enrichments (
	prospect_id TEXT PRIMARY KEY,
	result      TEXT NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	prospect       TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	failed_step    TEXT,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency(expires_at);
CREATE INDEX IF NOT EXISTS idx_checkpoints_item_id ON checkpoints(item_id);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Idempotency ledger

func (s *SQLiteStore) GetLedgerRecord(ctx context.Context, key string) (*idempotency.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, item_id, step, status, result, created_at, expires_at FROM idempotency WHERE key = ?`,
		key,
	)

	var rec idempotency.Record
	var result []byte
	err := row.Scan(&rec.Key, &rec.ItemID, &rec.Step, &rec.Status, &result, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get ledger record")
	}
	rec.Result = result
	return &rec, nil
}

func (s *SQLiteStore) TryAcquireRecord(ctx context.Context, rec idempotency.Record, now time.Time) (bool, error) {
	// Insert-if-absent, or reclaim a record whose expiry has passed. The
	// conditional upsert makes exactly one concurrent caller win.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency (key, item_id, step, status, result, created_at, expires_at)
		 VALUES (?, ?, ?, ?, NULL, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   item_id = excluded.item_id, step = excluded.step, status = excluded.status,
		   result = NULL, created_at = excluded.created_at, expires_at = excluded.expires_at
		 WHERE idempotency.expires_at <= ?`,
		rec.Key, rec.ItemID, rec.Step, string(rec.Status),
		rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(), now.UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: acquire ledger record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: acquire rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) CompleteLedgerRecord(ctx context.Context, key string, result []byte, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency SET status = ?, result = ?, expires_at = ? WHERE key = ?`,
		string(idempotency.StatusCompleted), result, expiresAt.UTC(), key,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete ledger record %s", key)
	}
	return checkRowsAffected(res, "ledger record", key)
}

func (s *SQLiteStore) DeleteLedgerRecord(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE key = ?`, key)
	return eris.Wrapf(err, "sqlite: delete ledger record %s", key)
}

func (s *SQLiteStore) SweepLedger(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE expires_at <= ?`, now.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: sweep ledger")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: sweep rows affected")
}

// Checkpoints

func (s *SQLiteStore) GetCheckpoints(ctx context.Context, itemID string) ([]checkpoint.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, step, status, output, error, attempts, started_at, updated_at
		 FROM checkpoints WHERE item_id = ?`,
		itemID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get checkpoints")
	}
	defer rows.Close()

	var out []checkpoint.Record
	for rows.Next() {
		var r checkpoint.Record
		var output []byte
		var errMsg sql.NullString
		var startedAt, updatedAt sql.NullTime
		if err := rows.Scan(&r.ItemID, &r.Step, &r.Status, &output, &errMsg, &r.Attempts, &startedAt, &updatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan checkpoint")
		}
		r.Output = output
		r.Error = errMsg.String
		r.StartedAt = startedAt.Time
		r.UpdatedAt = updatedAt.Time
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get checkpoints iterate")
}

func (s *SQLiteStore) BeginCheckpoint(ctx context.Context, itemID, step string, now, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (item_id, step, status, attempts, started_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT(item_id, step) DO UPDATE SET
		   status = excluded.status, attempts = checkpoints.attempts + 1,
		   error = NULL, started_at = excluded.started_at, updated_at = excluded.updated_at
		 WHERE checkpoints.status IN ('pending', 'failed')
		    OR (checkpoints.status = 'running' AND checkpoints.updated_at <= ?)`,
		itemID, step, string(checkpoint.StatusRunning),
		now.UTC(), now.UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin checkpoint")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin checkpoint rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) FinishCheckpoint(ctx context.Context, itemID, step string, status checkpoint.Status, output []byte, errMsg string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (item_id, step, status, output, error, attempts, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(item_id, step) DO UPDATE SET
		   status = excluded.status, output = excluded.output,
		   error = excluded.error, updated_at = excluded.updated_at`,
		itemID, step, string(status), output, nullIfEmpty(errMsg), now.UTC(), now.UTC(),
	)
	return eris.Wrapf(err, "sqlite: finish checkpoint %s/%s", itemID, step)
}

// Batches

func (s *SQLiteStore) CreateBatch(ctx context.Context, prospects []model.Prospect) (*model.Batch, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, status, total, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(model.BatchStatusPending), len(prospects), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert batch")
	}

	for i, p := range prospects {
		pJSON, err := json.Marshal(p)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal prospect")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batch_items (batch_id, position, prospect) VALUES (?, ?, ?)`,
			id, i, string(pJSON),
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: insert batch item")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit batch")
	}

	return &model.Batch{
		ID:        id,
		Status:    model.BatchStatusPending,
		Total:     len(prospects),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update batch status %s", batchID)
	}
	return checkRowsAffected(res, "batch", batchID)
}

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	var b model.Batch
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, total, created_at, updated_at FROM batches WHERE id = ?`,
		batchID,
	).Scan(&b.ID, &b.Status, &b.Total, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("batch not found: %s", batchID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get batch")
	}
	return &b, nil
}

func (s *SQLiteStore) GetBatchProspects(ctx context.Context, batchID string) ([]model.Prospect, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT prospect FROM batch_items WHERE batch_id = ? ORDER BY position`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get batch prospects")
	}
	defer rows.Close()

	var prospects []model.Prospect
	for rows.Next() {
		var pJSON string
		if err := rows.Scan(&pJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch item")
		}
		var p model.Prospect
		if err := json.Unmarshal([]byte(pJSON), &p); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal prospect")
		}
		prospects = append(prospects, p)
	}
	return prospects, eris.Wrap(rows.Err(), "sqlite: get batch prospects iterate")
}

// Enrichments

func (s *SQLiteStore) SaveEnrichment(ctx context.Context, prospectID string, result *model.TriangulatedResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal enrichment")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrichments (prospect_id, result, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(prospect_id) DO UPDATE SET result = excluded.result, updated_at = excluded.updated_at`,
		prospectID, string(resultJSON), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save enrichment %s", prospectID)
}

func (s *SQLiteStore) GetEnrichment(ctx context.Context, prospectID string) (*model.TriangulatedResult, error) {
	var resultJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM enrichments WHERE prospect_id = ?`,
		prospectID,
	).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get enrichment")
	}

	var tr model.TriangulatedResult
	if err := json.Unmarshal([]byte(resultJSON), &tr); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal enrichment")
	}
	return &tr, nil
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	prospectJSON, err := json.Marshal(entry.Prospect)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq prospect")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, prospect, error, error_type, failed_step, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type,
		   failed_step = excluded.failed_step, retry_count = excluded.retry_count,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		entry.ID, string(prospectJSON), entry.Error, entry.ErrorType,
		entry.FailedStep, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, prospect, error, error_type, failed_step, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE 1=1`
	var args []any

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var prospectJSON string
		var failedStep sql.NullString
		if err := rows.Scan(&e.ID, &prospectJSON, &e.Error, &e.ErrorType,
			&failedStep, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.FailedStep = failedStep.String
		if err := json.Unmarshal([]byte(prospectJSON), &e.Prospect); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq prospect")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: remove dlq %s", id)
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
