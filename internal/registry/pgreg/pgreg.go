// Package pgreg is a Postgres-backed registry.Repository, persisting the
// worker capability row exactly as laid out in the kernel's persisted-state
// contract: (workerId PRIMARY KEY, capabilities, healthStatus,
// saturationRatio, lastHeartbeat, createdAt).
package pgreg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"orchestrator/internal/registry"
)

// Repository implements registry.Repository against a Postgres database
// reached through database/sql via the pgx stdlib driver.
type Repository struct {
	db *sqlx.DB
}

// New wraps an already-open *sqlx.DB (expected to be opened with driver name
// "pgx", i.e. github.com/jackc/pgx/v5/stdlib registered).
func New(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

type workerRow struct {
	WorkerID      string    `db:"worker_id"`
	Capabilities  []byte    `db:"capabilities"`
	HealthStatus  string    `db:"health_status"`
	Saturation    float64   `db:"saturation_ratio"`
	LastHeartbeat time.Time `db:"last_heartbeat"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r *Repository) Upsert(ctx context.Context, w registry.Worker) error {
	capsJSON, err := json.Marshal(w.Capabilities)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO worker_capabilities (worker_id, capabilities, health_status, saturation_ratio, last_heartbeat, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (worker_id) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			health_status = EXCLUDED.health_status,
			saturation_ratio = EXCLUDED.saturation_ratio,
			last_heartbeat = EXCLUDED.last_heartbeat
	`, w.ID, capsJSON, string(w.Health), w.Saturation, w.LastHeartbeat, w.CreatedAt)
	return err
}

func (r *Repository) Delete(ctx context.Context, workerID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM worker_capabilities WHERE worker_id = $1`, workerID)
	return err
}

func (r *Repository) Get(ctx context.Context, workerID string) (registry.Worker, bool, error) {
	var row workerRow
	err := r.db.GetContext(ctx, &row, `SELECT worker_id, capabilities, health_status, saturation_ratio, last_heartbeat, created_at FROM worker_capabilities WHERE worker_id = $1`, workerID)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return registry.Worker{}, false, nil
		}
		return registry.Worker{}, false, err
	}
	w, err := rowToWorker(row)
	return w, true, err
}

func (r *Repository) List(ctx context.Context) ([]registry.Worker, error) {
	var rows []workerRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT worker_id, capabilities, health_status, saturation_ratio, last_heartbeat, created_at FROM worker_capabilities`); err != nil {
		return nil, err
	}
	workers := make([]registry.Worker, 0, len(rows))
	for _, row := range rows {
		w, err := rowToWorker(row)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func rowToWorker(row workerRow) (registry.Worker, error) {
	var caps map[string]string
	if len(row.Capabilities) > 0 {
		if err := json.Unmarshal(row.Capabilities, &caps); err != nil {
			return registry.Worker{}, err
		}
	}
	return registry.Worker{
		ID:            row.WorkerID,
		Capabilities:  caps,
		Health:        registry.Health(row.HealthStatus),
		Saturation:    row.Saturation,
		LastHeartbeat: row.LastHeartbeat,
		CreatedAt:     row.CreatedAt,
	}, nil
}
