package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"orchestrator/internal/snapshot"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func TestUpsert(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec := snapshot.Record{
		TaskID:       "t1",
		Version:      1,
		Payload:      "data",
		TTLExpiresAt: time.Unix(1700000100, 0),
		CreatedAt:    time.Unix(1700000000, 0),
	}
	mock.ExpectExec("INSERT INTO task_snapshots").
		WithArgs(rec.TaskID, rec.Version, sqlmock.AnyArg(), rec.TTLExpiresAt, rec.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpired(t *testing.T) {
	repo, mock := newMockRepo(t)
	rows := sqlmock.NewRows([]string{"task_id"}).AddRow("t1").AddRow("t1").AddRow("t2")
	mock.ExpectQuery("DELETE FROM task_snapshots").WillReturnRows(rows)

	ids, err := repo.DeleteExpired(context.Background(), time.Now())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"t1", "t2"}, ids)
}
