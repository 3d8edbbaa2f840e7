// Package pool implements the Worker Pool Supervisor: the scheduling heart
// of the kernel. Given a task's capability requirement and the current
// queue depth it decides assign/queue/backpressure, and on failure computes
// a deterministic retry plan. Like the registry, the idle/busy partition is
// two component-owned structures (an ordered idle list plus a busy map)
// mutated only under the supervisor's own lock — never shared map
// references with callers.
package pool

import (
	"log/slog"
	"sync"
	"time"

	kerrors "orchestrator/internal/errors"
)

// DecisionType is one of the three outcomes of Evaluate.
type DecisionType string

const (
	Assign       DecisionType = "assign"
	Queue        DecisionType = "queue"
	Backpressure DecisionType = "backpressure"
)

// BackpressureReason explains why Evaluate returned Backpressure.
type BackpressureReason string

const (
	ReasonWorkerSaturation BackpressureReason = "worker_saturation"
	ReasonQueueDepth       BackpressureReason = "queue_depth"
)

// Metrics accompanies every Decision.
type Metrics struct {
	SaturationRatio float64
	QueueDepth      int
	BusyWorkers     int
	TotalWorkers    int
}

// Decision is the result of Evaluate.
type Decision struct {
	Type     DecisionType
	WorkerID string // set only when Type == Assign
	Reason   BackpressureReason
	Metrics  Metrics
}

// EvaluateParams are the inputs to Evaluate.
type EvaluateParams struct {
	QueueDepth           int
	Priority             string
	RequiredCapabilities []string
}

// BackpressureConfig sets the thresholds for Backpressure decisions.
type BackpressureConfig struct {
	SaturationRatio float64
	QueueDepth      int
	CooldownMs      int
}

// RetryConfig sets the supervisor's retry-plan schedule.
type RetryConfig struct {
	BaseDelayMs int
	MaxDelayMs  int
	MaxAttempts int
}

// Config bundles a Supervisor's tunables.
type Config struct {
	MaxWorkers   int
	Backpressure BackpressureConfig
	Retry        RetryConfig
}

// BackpressureState reports the supervisor's current backpressure status.
type BackpressureState struct {
	Active bool
	Reason BackpressureReason
	Since  time.Time
}

// RetryPlan is returned by RecordFailure.
type RetryPlan struct {
	ShouldRetry  bool
	RetryAfterMs int
	Snapshot     FailureSnapshot
}

// FailureSnapshot carries the bookkeeping RecordFailure attaches to a retry.
type FailureSnapshot struct {
	TaskID        string
	Attempt       int
	LastFailureAt time.Time
	Metadata      map[string]any
}

type workerRecord struct {
	id           string
	capabilities map[string]bool
}

// Supervisor is the Worker Pool Supervisor.
type Supervisor struct {
	mu sync.Mutex

	cfg Config

	workers map[string]*workerRecord // all registered workers, regardless of busy state
	idle    []string                 // insertion-order idle queue
	idleSet map[string]bool
	busy    map[string]string // workerID -> taskID ("" if reserved but not yet attached)

	attempts map[string]int // taskID -> attempt count

	bp BackpressureState

	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Supervisor.
func New(cfg Config, logger *slog.Logger, now func() time.Time) *Supervisor {
	if now == nil {
		now = time.Now
	}
	return &Supervisor{
		cfg:      cfg,
		workers:  make(map[string]*workerRecord),
		idleSet:  make(map[string]bool),
		busy:     make(map[string]string),
		attempts: make(map[string]int),
		now:      now,
		logger:   logger,
	}
}

// Register adds a worker to the idle pool.
func (s *Supervisor) Register(workerID string, capabilities []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	capSet := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		capSet[c] = true
	}
	s.workers[workerID] = &workerRecord{id: workerID, capabilities: capSet}
	if !s.idleSet[workerID] {
		s.idle = append(s.idle, workerID)
		s.idleSet[workerID] = true
	}
}

// MarkBusy attaches taskID to workerID's busy-set entry. If the worker was
// idle (not already reserved by Evaluate), it is removed from the idle pool.
func (s *Supervisor) MarkBusy(workerID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[workerID]; !ok {
		return kerrors.New(kerrors.NotFound, "worker "+workerID+" not registered")
	}
	s.removeFromIdleLocked(workerID)
	s.busy[workerID] = taskID
	return nil
}

// MarkIdle returns a worker to the idle pool.
func (s *Supervisor) MarkIdle(workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[workerID]; !ok {
		return kerrors.New(kerrors.NotFound, "worker "+workerID+" not registered")
	}
	delete(s.busy, workerID)
	if !s.idleSet[workerID] {
		s.idle = append(s.idle, workerID)
		s.idleSet[workerID] = true
	}
	return nil
}

// Evaluate decides assign/queue/backpressure in O(workers). An "assign"
// decision atomically reserves the chosen worker (removing it from the idle
// pool) so a concurrent Evaluate call cannot select it twice before the
// caller follows up with MarkBusy.
func (s *Supervisor) Evaluate(p EvaluateParams) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics := s.metricsLocked(p.QueueDepth)

	if workerID, ok := s.pickEligibleLocked(p.RequiredCapabilities); ok {
		s.removeFromIdleLocked(workerID)
		s.busy[workerID] = ""
		s.clearBackpressureLocked()
		return Decision{Type: Assign, WorkerID: workerID, Metrics: metrics}
	}

	if metrics.SaturationRatio >= s.cfg.Backpressure.SaturationRatio {
		s.setBackpressureLocked(ReasonWorkerSaturation)
		return Decision{Type: Backpressure, Reason: ReasonWorkerSaturation, Metrics: metrics}
	}
	if p.QueueDepth >= s.cfg.Backpressure.QueueDepth {
		s.setBackpressureLocked(ReasonQueueDepth)
		return Decision{Type: Backpressure, Reason: ReasonQueueDepth, Metrics: metrics}
	}

	return Decision{Type: Queue, Metrics: metrics}
}

func (s *Supervisor) pickEligibleLocked(required []string) (string, bool) {
	for _, workerID := range s.idle {
		rec := s.workers[workerID]
		if rec == nil {
			continue
		}
		if hasAllCapabilities(rec.capabilities, required) {
			return workerID, true
		}
	}
	return "", false
}

func hasAllCapabilities(have map[string]bool, required []string) bool {
	for _, c := range required {
		if !have[c] {
			return false
		}
	}
	return true
}

func (s *Supervisor) metricsLocked(queueDepth int) Metrics {
	total := len(s.workers)
	denom := total
	if s.cfg.MaxWorkers > denom {
		denom = s.cfg.MaxWorkers
	}
	busy := len(s.busy)
	var saturation float64
	if denom > 0 {
		saturation = float64(busy) / float64(denom)
	}
	return Metrics{SaturationRatio: saturation, QueueDepth: queueDepth, BusyWorkers: busy, TotalWorkers: total}
}

func (s *Supervisor) removeFromIdleLocked(workerID string) {
	if !s.idleSet[workerID] {
		return
	}
	delete(s.idleSet, workerID)
	for i, id := range s.idle {
		if id == workerID {
			s.idle = append(s.idle[:i], s.idle[i+1:]...)
			break
		}
	}
}

func (s *Supervisor) setBackpressureLocked(reason BackpressureReason) {
	if !s.bp.Active {
		s.bp.Since = s.now()
	}
	s.bp.Active = true
	s.bp.Reason = reason
}

func (s *Supervisor) clearBackpressureLocked() {
	s.bp = BackpressureState{}
}

// BackpressureState returns the supervisor's current backpressure status.
func (s *Supervisor) BackpressureState() BackpressureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bp
}

// RecordFailure frees the worker back to idle, increments the task's
// attempt counter, and returns the retry plan per
// retryDelay = min(baseDelayMs * 2^(attempt-1), maxDelayMs).
func (s *Supervisor) RecordFailure(workerID, taskID string, metadata map[string]any) (RetryPlan, error) {
	s.mu.Lock()
	if _, ok := s.workers[workerID]; !ok {
		s.mu.Unlock()
		return RetryPlan{}, kerrors.New(kerrors.NotFound, "worker "+workerID+" not registered")
	}
	delete(s.busy, workerID)
	if !s.idleSet[workerID] {
		s.idle = append(s.idle, workerID)
		s.idleSet[workerID] = true
	}
	s.attempts[taskID]++
	attempt := s.attempts[taskID]
	now := s.now()
	s.mu.Unlock()

	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["workerId"] = workerID

	plan := RetryPlan{
		Snapshot: FailureSnapshot{TaskID: taskID, Attempt: attempt, LastFailureAt: now, Metadata: meta},
	}
	if attempt > s.cfg.Retry.MaxAttempts {
		plan.ShouldRetry = false
		plan.RetryAfterMs = 0
		return plan, nil
	}
	plan.ShouldRetry = true
	plan.RetryAfterMs = retryDelayMs(s.cfg.Retry, attempt)
	return plan, nil
}

// ReleaseForTask frees whichever worker currently holds taskID, returning
// to idle without touching the attempt counter — used on cancellation,
// which does not count as a failed attempt of the task.
// Reports whether a busy worker was found for taskID.
func (s *Supervisor) ReleaseForTask(taskID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for workerID, busyTaskID := range s.busy {
		if busyTaskID != taskID {
			continue
		}
		delete(s.busy, workerID)
		if !s.idleSet[workerID] {
			s.idle = append(s.idle, workerID)
			s.idleSet[workerID] = true
		}
		return workerID, true
	}
	return "", false
}

// retryDelayMs implements retryDelay = min(baseDelayMs * 2^(attempt-1), maxDelayMs).
func retryDelayMs(cfg RetryConfig, attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.BaseDelayMs
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelayMs {
			return cfg.MaxDelayMs
		}
	}
	if delay > cfg.MaxDelayMs {
		return cfg.MaxDelayMs
	}
	return delay
}
