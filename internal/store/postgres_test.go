package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/donorpath/prospect-cli/internal/checkpoint"
	"github.com/donorpath/prospect-cli/internal/idempotency"
	"github.com/donorpath/prospect-cli/internal/model"
	"github.com/donorpath/prospect-cli/internal/store"
)

func init() {
	// Replace global logger with a no-op to avoid nil pointer panics in tests.
	zap.ReplaceGlobals(zap.NewNop())
}

func newMockPostgres(t *testing.T) (*store.PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return store.NewPostgresWithPool(mock), mock
}

func TestPostgres_TryAcquireRecord(t *testing.T) {
	st, mock := newMockPostgres(t)
	now := time.Now().UTC()

	rec := idempotency.Record{
		Key:       "abc123",
		ItemID:    "p-1",
		Step:      "wealth_screen",
		Status:    idempotency.StatusProcessing,
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}

	// First caller wins the conditional upsert.
	mock.ExpectExec("INSERT INTO idempotency").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	won, err := st.TryAcquireRecord(context.Background(), rec, now)
	assert.NoError(t, err)
	assert.True(t, won)

	// Second caller sees zero rows affected.
	mock.ExpectExec("INSERT INTO idempotency").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	won, err = st.TryAcquireRecord(context.Background(), rec, now)
	assert.NoError(t, err)
	assert.False(t, won)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetLedgerRecord(t *testing.T) {
	st, mock := newMockPostgres(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"key", "item_id", "step", "status", "result", "created_at", "expires_at"}).
		AddRow("abc123", "p-1", "wealth_screen", "completed", []byte(`{"ok":true}`), now, now.Add(24*time.Hour))
	mock.ExpectQuery("SELECT (.+) FROM idempotency WHERE key").
		WithArgs("abc123").
		WillReturnRows(rows)

	rec, err := st.GetLedgerRecord(context.Background(), "abc123")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, idempotency.StatusCompleted, rec.Status)
	assert.Equal(t, "p-1", rec.ItemID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetLedgerRecordMissing(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT (.+) FROM idempotency WHERE key").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"key", "item_id", "step", "status", "result", "created_at", "expires_at"}))

	rec, err := st.GetLedgerRecord(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, rec)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CompleteLedgerRecordMissing(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE idempotency SET").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := st.CompleteLedgerRecord(context.Background(), "missing", nil, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger record not found")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SweepLedger(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec("DELETE FROM idempotency WHERE expires_at").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := st.SweepLedger(context.Background(), time.Now())
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BeginCheckpoint(t *testing.T) {
	st, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	won, err := st.BeginCheckpoint(context.Background(), "p-1", "wealth_screen", now, now.Add(-10*time.Minute))
	assert.NoError(t, err)
	assert.True(t, won)

	// Contended: the conditional update matched nothing.
	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	won, err = st.BeginCheckpoint(context.Background(), "p-1", "wealth_screen", now, now.Add(-10*time.Minute))
	assert.NoError(t, err)
	assert.False(t, won)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FinishCheckpoint(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := st.FinishCheckpoint(context.Background(), "p-1", "wealth_screen",
		checkpoint.StatusSucceeded, []byte(`{"ok":true}`), "", time.Now())
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetBatch(t *testing.T) {
	st, mock := newMockPostgres(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"id", "status", "total", "created_at", "updated_at"}).
		AddRow("b-1", "running", 5, now, now)
	mock.ExpectQuery("SELECT (.+) FROM batches WHERE id").
		WithArgs("b-1").
		WillReturnRows(rows)

	b, err := st.GetBatch(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusRunning, b.Status)
	assert.Equal(t, 5, b.Total)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateBatchStatusMissing(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE batches SET").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := st.UpdateBatchStatus(context.Background(), "missing", model.BatchStatusCompleted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch not found")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CountDLQ(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := st.CountDLQ(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 7, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_QueryErrorsPropagate(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT (.+) FROM idempotency WHERE key").
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(fmt.Errorf("connection lost"))

	_, err := st.GetLedgerRecord(context.Background(), "abc123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get ledger record")

	assert.NoError(t, mock.ExpectationsWereMet())
}
