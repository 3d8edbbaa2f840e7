// Package redisreg is a Redis-backed registry.Repository. Heartbeat
// staleness maps directly onto a native Redis key TTL: each worker row is
// stored with an expiry refreshed on every Upsert, so a crashed orchestrator
// replica can trust Redis itself to have evicted long-silent workers rather
// than re-deriving staleness in application code.
package redisreg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"orchestrator/internal/registry"
)

const keyPrefix = "orchestrator:worker:"

// Repository implements registry.Repository against go-redis.
type Repository struct {
	client *redis.Client
	ttl    time.Duration
}

// New wraps an already-connected redis.Client. ttl bounds how long a row
// survives without a refreshing Upsert/heartbeat-triggered Upsert.
func New(client *redis.Client, ttl time.Duration) *Repository {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Repository{client: client, ttl: ttl}
}

type record struct {
	ID            string            `json:"id"`
	Capabilities  map[string]string `json:"capabilities"`
	Health        string            `json:"health"`
	Saturation    float64           `json:"saturation"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (r *Repository) Upsert(ctx context.Context, w registry.Worker) error {
	rec := record{
		ID:            w.ID,
		Capabilities:  w.Capabilities,
		Health:        string(w.Health),
		Saturation:    w.Saturation,
		LastHeartbeat: w.LastHeartbeat,
		CreatedAt:     w.CreatedAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, keyPrefix+w.ID, data, r.ttl).Err()
}

func (r *Repository) Delete(ctx context.Context, workerID string) error {
	return r.client.Del(ctx, keyPrefix+workerID).Err()
}

func (r *Repository) Get(ctx context.Context, workerID string) (registry.Worker, bool, error) {
	data, err := r.client.Get(ctx, keyPrefix+workerID).Bytes()
	if err == redis.Nil {
		return registry.Worker{}, false, nil
	}
	if err != nil {
		return registry.Worker{}, false, err
	}
	w, err := decode(data)
	return w, true, err
}

func (r *Repository) List(ctx context.Context) ([]registry.Worker, error) {
	var workers []registry.Worker
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		w, err := decode(data)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, iter.Err()
}

func decode(data []byte) (registry.Worker, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return registry.Worker{}, err
	}
	return registry.Worker{
		ID:            rec.ID,
		Capabilities:  rec.Capabilities,
		Health:        registry.Health(rec.Health),
		Saturation:    rec.Saturation,
		LastHeartbeat: rec.LastHeartbeat,
		CreatedAt:     rec.CreatedAt,
	}, nil
}
