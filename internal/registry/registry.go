// Package registry implements the Worker Capability Registry: the live set
// of workers, their declared capabilities, and their health/load, answering
// capability-constrained queries for the scheduler. The in-memory core is
// the registry of record per the kernel's design (components keep their own
// maps behind their public API); Repository is the optional durability port
// satisfied by the postgres and redis adapters for surviving orchestrator
// restarts.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	kerrors "orchestrator/internal/errors"
	"orchestrator/internal/events"
)

// Health is one of the registry's three health levels, ordered
// unhealthy < degraded < healthy.
type Health string

const (
	Unhealthy Health = "unhealthy"
	Degraded  Health = "degraded"
	Healthy   Health = "healthy"
)

func (h Health) rank() int {
	switch h {
	case Unhealthy:
		return 0
	case Degraded:
		return 1
	case Healthy:
		return 2
	default:
		return -1
	}
}

func (h Health) valid() bool {
	return h.rank() >= 0
}

// Worker is a point-in-time view of a registered worker.
type Worker struct {
	ID            string
	Capabilities  map[string]string
	Health        Health
	Saturation    float64
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

func (w Worker) hasAll(required []string) bool {
	for _, cap := range required {
		if _, ok := w.Capabilities[cap]; !ok {
			return false
		}
	}
	return true
}

// Repository is the durability port for worker rows. The in-memory Registry
// does not require one; adapters (postgres, redis) implement it to persist
// registrations across restarts.
type Repository interface {
	Upsert(ctx context.Context, w Worker) error
	Delete(ctx context.Context, workerID string) error
	Get(ctx context.Context, workerID string) (Worker, bool, error)
	List(ctx context.Context) ([]Worker, error)
}

type workerRecord struct {
	mu sync.RWMutex
	w  Worker
}

// Registry is the Worker Capability Registry.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*workerRecord
	repo   Repository
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithRepository attaches a durable backing store. Register, Deregister,
// UpdateHealth and Heartbeat write through to it and surface repository
// errors to the caller; CleanupStale evictions are not mirrored to it.
func WithRepository(repo Repository) Option {
	return func(r *Registry) { r.repo = repo }
}

// New constructs a Registry.
func New(bus *events.Bus, logger *slog.Logger, now func() time.Time, opts ...Option) *Registry {
	if now == nil {
		now = time.Now
	}
	r := &Registry{byID: make(map[string]*workerRecord), bus: bus, logger: logger, now: now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register upserts a worker and sets lastHeartbeat = now. Emits worker.registered.
func (r *Registry) Register(ctx context.Context, workerID string, capabilities map[string]string, initialHealth Health, initialSaturation float64) error {
	if !initialHealth.valid() {
		return kerrors.New(kerrors.InvalidArgument, "invalid health value")
	}
	if initialSaturation < 0 || initialSaturation > 1 {
		return kerrors.New(kerrors.InvalidArgument, "saturation must be in [0,1]")
	}
	now := r.now()
	capCopy := make(map[string]string, len(capabilities))
	for k, v := range capabilities {
		capCopy[k] = v
	}

	rec := &workerRecord{w: Worker{
		ID:            workerID,
		Capabilities:  capCopy,
		Health:        initialHealth,
		Saturation:    initialSaturation,
		LastHeartbeat: now,
		CreatedAt:     now,
	}}

	r.mu.Lock()
	if existing, ok := r.byID[workerID]; ok {
		rec.w.CreatedAt = existing.w.CreatedAt
	}
	r.byID[workerID] = rec
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.Upsert(ctx, rec.w); err != nil {
			return kerrors.Wrap(kerrors.ServiceUnavailable, "registry repository upsert failed", err)
		}
	}

	r.publish(events.WorkerRegistered, events.Data{WorkerID: workerID, Health: string(initialHealth), Saturation: initialSaturation}, now)
	return nil
}

// Deregister removes a worker. Emits worker.deregistered.
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	r.mu.Lock()
	_, ok := r.byID[workerID]
	delete(r.byID, workerID)
	r.mu.Unlock()
	if !ok {
		return kerrors.New(kerrors.NotFound, "worker "+workerID+" not found")
	}

	if r.repo != nil {
		if err := r.repo.Delete(ctx, workerID); err != nil {
			return kerrors.Wrap(kerrors.ServiceUnavailable, "registry repository delete failed", err)
		}
	}

	r.publish(events.WorkerDeregistered, events.Data{WorkerID: workerID}, r.now())
	return nil
}

// UpdateHealth updates a worker's health and self-reported saturation.
//
// Open Question #1 (saturation authority): this self-reported saturation is
// authoritative for query() filtering — only the worker itself can observe
// its own load precisely — while admission decisions in the supervisor use
// their own busyCount/maxWorkers computation. See internal/pool.Evaluate.
func (r *Registry) UpdateHealth(ctx context.Context, workerID string, health Health, saturation float64) error {
	if !health.valid() {
		return kerrors.New(kerrors.InvalidArgument, "invalid health value")
	}
	if saturation < 0 || saturation > 1 {
		return kerrors.New(kerrors.InvalidArgument, "saturation must be in [0,1]")
	}

	rec, err := r.lookup(workerID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.w.Health = health
	rec.w.Saturation = saturation
	snapshot := rec.w
	rec.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.Upsert(ctx, snapshot); err != nil {
			return kerrors.Wrap(kerrors.ServiceUnavailable, "registry repository upsert failed", err)
		}
	}

	r.publish(events.WorkerHealthUpdate, events.Data{WorkerID: workerID, Health: string(health), Saturation: saturation}, r.now())
	return nil
}

// Heartbeat updates lastHeartbeat for a worker. Missing worker is an error.
func (r *Registry) Heartbeat(workerID string) error {
	rec, err := r.lookup(workerID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.w.LastHeartbeat = r.now()
	snapshot := rec.w
	rec.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.Upsert(context.Background(), snapshot); err != nil {
			return kerrors.Wrap(kerrors.ServiceUnavailable, "registry repository upsert failed", err)
		}
	}
	return nil
}

// Query is the filter set accepted by Query.
type Query struct {
	RequiredCapabilities []string
	MaxSaturationRatio   float64 // applied only when HasMaxSaturation is true; otherwise saturation is not filtered
	HasMaxSaturation     bool
	MinHealthStatus      Health
	Limit                int
}

// QueryResult returns workers satisfying all required capabilities, with
// saturation <= maxSaturationRatio and health >= minHealthStatus, ordered by
// ascending saturation then descending lastHeartbeat, with a lexicographic
// worker-id tiebreak for determinism.
func (r *Registry) QueryResult(q Query) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	minRank := q.MinHealthStatus.rank()
	if minRank < 0 {
		minRank = Unhealthy.rank()
	}

	var matches []Worker
	for _, rec := range r.byID {
		rec.mu.RLock()
		w := rec.w
		rec.mu.RUnlock()

		if !w.hasAll(q.RequiredCapabilities) {
			continue
		}
		if q.HasMaxSaturation && w.Saturation > q.MaxSaturationRatio {
			continue
		}
		if w.Health.rank() < minRank {
			continue
		}
		matches = append(matches, w)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Saturation != matches[j].Saturation {
			return matches[i].Saturation < matches[j].Saturation
		}
		if !matches[i].LastHeartbeat.Equal(matches[j].LastHeartbeat) {
			return matches[i].LastHeartbeat.After(matches[j].LastHeartbeat)
		}
		return matches[i].ID < matches[j].ID
	})

	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches
}

// CleanupStale removes workers whose lastHeartbeat is older than
// now - staleThreshold, returning the removed ids. Idempotent.
func (r *Registry) CleanupStale(staleThreshold time.Duration) []string {
	cutoff := r.now().Add(-staleThreshold)
	var removed []string

	r.mu.Lock()
	for id, rec := range r.byID {
		rec.mu.RLock()
		stale := rec.w.LastHeartbeat.Before(cutoff)
		rec.mu.RUnlock()
		if stale {
			removed = append(removed, id)
			delete(r.byID, id)
		}
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		if r.logger != nil {
			r.logger.Warn("evicted stale workers", slog.Any("worker_ids", removed))
		}
		r.publish(events.WorkerCleanup, events.Data{StaleWorkerIDs: removed}, r.now())
	}
	return removed
}

func (r *Registry) publish(kind events.Kind, data events.Data, at time.Time) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(kind, data, at)
}

func (r *Registry) lookup(workerID string) (*workerRecord, error) {
	r.mu.RLock()
	rec, ok := r.byID[workerID]
	r.mu.RUnlock()
	if !ok {
		return nil, kerrors.New(kerrors.NotFound, "worker "+workerID+" not found")
	}
	return rec, nil
}
