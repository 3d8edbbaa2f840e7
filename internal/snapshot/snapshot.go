// Package snapshot implements the Task Snapshot Store: a versioned,
// TTL-indexed map from task identifier to its most-recent checkpoint payload
// and a bounded, LRU-evicted history of prior versions. The in-memory core
// is authoritative for version assignment (a per-task mutex guarantees
// strictly increasing versions); an optional Repository mirrors writes for
// durability across restarts.
package snapshot

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	kerrors "orchestrator/internal/errors"
	"orchestrator/internal/events"
)

// DefaultTTL is used when Save is not given an explicit TTL.
const DefaultTTL = time.Hour

// DefaultMaxSnapshotsPerTask bounds the per-task history.
const DefaultMaxSnapshotsPerTask = 5

// Record is one persisted checkpoint.
type Record struct {
	TaskID       string
	Version      int
	Payload      any
	TTLExpiresAt time.Time
	CreatedAt    time.Time
}

// Repository is the durability port for snapshot rows.
type Repository interface {
	Upsert(ctx context.Context, rec Record) error
	DeleteTask(ctx context.Context, taskID string) error
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
}

type taskSnapshots struct {
	mu            sync.Mutex
	latestVersion int
	cache         *lru.Cache[int, Record]
}

// Store is the Task Snapshot Store.
type Store struct {
	mu                  sync.RWMutex
	byTask              map[string]*taskSnapshots
	maxSnapshotsPerTask int
	repo                Repository
	bus                 *events.Bus
	logger              *slog.Logger
	now                 func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithRepository attaches a durable backing store.
func WithRepository(repo Repository) Option {
	return func(s *Store) { s.repo = repo }
}

// WithMaxSnapshotsPerTask overrides DefaultMaxSnapshotsPerTask.
func WithMaxSnapshotsPerTask(n int) Option {
	return func(s *Store) { s.maxSnapshotsPerTask = n }
}

// New constructs a Store.
func New(bus *events.Bus, logger *slog.Logger, now func() time.Time, opts ...Option) *Store {
	if now == nil {
		now = time.Now
	}
	s := &Store{
		byTask:              make(map[string]*taskSnapshots),
		maxSnapshotsPerTask: DefaultMaxSnapshotsPerTask,
		bus:                 bus,
		logger:              logger,
		now:                 now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveParams are the inputs to Save.
type SaveParams struct {
	TaskID         string
	SnapshotData   any
	SnapshotVersion int // 0 means "assign next"
	TTL            time.Duration
}

// Save persists a snapshot, assigning version = max(existing)+1 if
// SnapshotVersion is unset, and defaulting TTL to DefaultTTL. Emits
// snapshot.saved.
func (s *Store) Save(ctx context.Context, p SaveParams) (Record, error) {
	ts := s.taskBucket(p.TaskID)

	ts.mu.Lock()
	version := p.SnapshotVersion
	if version == 0 {
		version = ts.latestVersion + 1
	}
	if version <= ts.latestVersion && p.SnapshotVersion != 0 {
		// An explicit version must still be monotonic; otherwise callers could
		// race history out of order.
		ts.mu.Unlock()
		return Record{}, kerrors.New(kerrors.VersionConflict, "snapshot version must be strictly increasing")
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now()
	rec := Record{TaskID: p.TaskID, Version: version, Payload: p.SnapshotData, TTLExpiresAt: now.Add(ttl), CreatedAt: now}
	ts.latestVersion = version
	ts.cache.Add(version, rec)
	ts.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.Upsert(ctx, rec); err != nil {
			return Record{}, kerrors.Wrap(kerrors.ServiceUnavailable, "snapshot repository upsert failed", err)
		}
	}

	s.publish(events.SnapshotSaved, events.Data{TaskID: p.TaskID, SnapshotVer: version}, now)
	return rec, nil
}

// Update creates a new version atomically (a thin wrapper over Save with no
// explicit version or TTL override).
func (s *Store) Update(ctx context.Context, taskID string, newData any) (Record, error) {
	return s.Save(ctx, SaveParams{TaskID: taskID, SnapshotData: newData})
}

// SaveCheckpoint is the convenience wrapper assigning the next version and
// wrapping stage/progress/state/metadata into the payload shape.
func (s *Store) SaveCheckpoint(ctx context.Context, taskID string, stage string, progress float64, state any, metadata map[string]any) (Record, error) {
	payload := CheckpointPayload{
		Checkpoint: stage,
		Progress:   progress,
		State:      state,
		Metadata:   metadata,
		Timestamp:  s.now(),
	}
	return s.Save(ctx, SaveParams{TaskID: taskID, SnapshotData: payload})
}

// CheckpointPayload is the shape SaveCheckpoint wraps its arguments in.
type CheckpointPayload struct {
	Checkpoint string
	Progress   float64
	State      any
	Metadata   map[string]any
	Timestamp  time.Time
}

// Restore returns the highest-version non-expired snapshot, or ok=false.
// A snapshot at exactly TTL expiry is treated as expired (closed interval).
func (s *Store) Restore(taskID string) (Record, bool) {
	ts, ok := s.lookupBucket(taskID)
	if !ok {
		return Record{}, false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := s.now()
	var best Record
	found := false
	for _, version := range ts.cache.Keys() {
		rec, ok := ts.cache.Peek(version)
		if !ok || !now.Before(rec.TTLExpiresAt) {
			continue
		}
		if !found || rec.Version > best.Version {
			best = rec
			found = true
		}
	}
	if found {
		ts.cache.Get(best.Version) // mark as recently used
	}
	return best, found
}

// History returns all retained versions, newest first, bounded by
// maxSnapshotsPerTask (enforced by the underlying LRU cache's capacity).
func (s *Store) History(taskID string) []Record {
	ts, ok := s.lookupBucket(taskID)
	if !ok {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var out []Record
	for _, version := range ts.cache.Keys() {
		if rec, ok := ts.cache.Peek(version); ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out
}

// Metadata returns snapshot metadata excluding the payload, for callers that
// only need version/TTL bookkeeping.
func (s *Store) Metadata(taskID string) []Record {
	records := s.History(taskID)
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = Record{TaskID: r.TaskID, Version: r.Version, TTLExpiresAt: r.TTLExpiresAt, CreatedAt: r.CreatedAt}
	}
	return out
}

// Delete removes all snapshots for a task. Emits snapshot.deleted.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	delete(s.byTask, taskID)
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.DeleteTask(ctx, taskID); err != nil {
			return kerrors.Wrap(kerrors.ServiceUnavailable, "snapshot repository delete failed", err)
		}
	}
	s.publish(events.SnapshotDeleted, events.Data{TaskID: taskID}, s.now())
	return nil
}

// CleanupExpired removes all in-memory snapshots past TTL and mirrors the
// sweep to the repository if attached; returns affected task ids.
func (s *Store) CleanupExpired(ctx context.Context) ([]string, error) {
	now := s.now()
	var affected []string

	s.mu.RLock()
	tasks := make(map[string]*taskSnapshots, len(s.byTask))
	for id, ts := range s.byTask {
		tasks[id] = ts
	}
	s.mu.RUnlock()

	for taskID, ts := range tasks {
		ts.mu.Lock()
		removed := false
		for _, version := range ts.cache.Keys() {
			rec, ok := ts.cache.Peek(version)
			if !ok {
				continue
			}
			if !now.Before(rec.TTLExpiresAt) {
				ts.cache.Remove(version)
				removed = true
			}
		}
		ts.mu.Unlock()
		if removed {
			affected = append(affected, taskID)
		}
	}

	if s.repo != nil {
		repoAffected, err := s.repo.DeleteExpired(ctx, now)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.ServiceUnavailable, "snapshot repository cleanup failed", err)
		}
		affected = mergeUnique(affected, repoAffected)
	}

	if len(affected) > 0 && s.logger != nil {
		s.logger.Info("expired snapshots cleaned up", slog.Int("task_count", len(affected)))
	}
	return affected, nil
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, x := range a {
		seen[x] = true
	}
	for _, x := range b {
		if !seen[x] {
			a = append(a, x)
			seen[x] = true
		}
	}
	return a
}

func (s *Store) publish(kind events.Kind, data events.Data, at time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(kind, data, at)
}

func (s *Store) taskBucket(taskID string) *taskSnapshots {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.byTask[taskID]
	if !ok {
		cache, _ := lru.New[int, Record](s.maxSnapshotsPerTask)
		ts = &taskSnapshots{cache: cache}
		s.byTask[taskID] = ts
	}
	return ts
}

func (s *Store) lookupBucket(taskID string) (*taskSnapshots, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.byTask[taskID]
	return ts, ok
}
