// Package postgres is a Postgres-backed snapshot.Repository, persisting the
// task snapshot row exactly as laid out in the kernel's persisted-state
// contract: (taskId, snapshotVersion, snapshotData, ttlExpiresAt, createdAt,
// UNIQUE(taskId, snapshotVersion)), with an index on ttlExpiresAt supporting
// cleanup. TTL comparisons use `now()` evaluated by Postgres itself, per the
// kernel's "use the persistence layer's clock" rule for TTL under clock skew.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"orchestrator/internal/snapshot"
)

// Repository implements snapshot.Repository against Postgres via sqlx over
// the pgx stdlib driver.
type Repository struct {
	db *sqlx.DB
}

// New wraps an already-open *sqlx.DB.
func New(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Upsert(ctx context.Context, rec snapshot.Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO task_snapshots (task_id, snapshot_version, snapshot_data, ttl_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id, snapshot_version) DO UPDATE SET
			snapshot_data = EXCLUDED.snapshot_data,
			ttl_expires_at = EXCLUDED.ttl_expires_at
	`, rec.TaskID, rec.Version, payload, rec.TTLExpiresAt, rec.CreatedAt)
	return err
}

func (r *Repository) DeleteTask(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM task_snapshots WHERE task_id = $1`, taskID)
	return err
}

func (r *Repository) DeleteExpired(ctx context.Context, _ time.Time) ([]string, error) {
	// Signature kept narrow deliberately: the comparison clause below uses
	// Postgres's own now(), not the passed-in application timestamp.
	var rows []string
	err := r.db.SelectContext(ctx, &rows, `
		DELETE FROM task_snapshots
		WHERE ttl_expires_at <= now()
		RETURNING task_id
	`)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(rows))
	var ids []string
	for _, id := range rows {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}
