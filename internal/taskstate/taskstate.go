// Package taskstate implements the Task State Machine: the in-memory
// registry of every task's current state plus its append-only transition
// log. Modeled on the per-entity mutex-guarded struct with an immutable
// Snapshot() view used by the workflow node package, generalized from a
// four-state node lifecycle to the kernel's eight-state task lifecycle with
// a full transition history and event emission.
package taskstate

import (
	"log/slog"
	"sync"
	"time"

	kerrors "orchestrator/internal/errors"
	"orchestrator/internal/events"
)

// State is one of the eight states a task may occupy.
type State string

const (
	Pending   State = "pending"
	Queued    State = "queued"
	Assigned  State = "assigned"
	Running   State = "running"
	Suspended State = "suspended"
	Completed State = "completed"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

var allowedTransitions = map[State]map[State]bool{
	Pending:   {Queued: true, Cancelled: true},
	Queued:    {Assigned: true, Cancelled: true},
	Assigned:  {Running: true, Queued: true, Cancelled: true},
	Running:   {Completed: true, Failed: true, Suspended: true, Cancelled: true},
	Suspended: {Running: true, Cancelled: true},
	Failed:    {Queued: true},
	Completed: {},
	Cancelled: {},
}

// Transition is one append-only entry in a task's history.
type Transition struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
	Metadata  map[string]any
}

type taskRecord struct {
	mu         sync.RWMutex
	id         string
	state      State
	createdAt  time.Time
	updatedAt  time.Time
	startedAt  time.Time
	completedAt time.Time
	history    []Transition
}

// TransitionOption customizes a single transition call.
type TransitionOption func(*transitionParams)

type transitionParams struct {
	reason   string
	metadata map[string]any
}

// WithReason attaches a human-readable reason to the transition record.
func WithReason(reason string) TransitionOption {
	return func(p *transitionParams) { p.reason = reason }
}

// WithMetadata attaches opaque metadata to the transition record.
func WithMetadata(meta map[string]any) TransitionOption {
	return func(p *transitionParams) { p.metadata = meta }
}

func applyOptions(opts []TransitionOption) transitionParams {
	var p transitionParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Machine is the Task State Machine: a registry of task records keyed by id.
type Machine struct {
	mu     sync.RWMutex
	tasks  map[string]*taskRecord
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Machine. now defaults to time.Now if nil, overridable for
// deterministic tests.
func New(bus *events.Bus, logger *slog.Logger, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{tasks: make(map[string]*taskRecord), bus: bus, logger: logger, now: now}
}

// Initialize creates a task in Pending. Fails with AlreadyExists if known.
func (m *Machine) Initialize(taskID string) error {
	m.mu.Lock()
	if _, exists := m.tasks[taskID]; exists {
		m.mu.Unlock()
		return kerrors.New(kerrors.AlreadyExists, "task "+taskID+" already initialized")
	}
	now := m.now()
	rec := &taskRecord{id: taskID, state: Pending, createdAt: now, updatedAt: now}
	m.tasks[taskID] = rec
	m.mu.Unlock()

	m.publish(events.TaskInitialized, events.Data{TaskID: taskID}, now)
	return nil
}

// Transition validates and applies a state change, appending to history and
// emitting task.transitioned plus a state-specific event. Event emission
// failure (a full subscriber buffer) never rolls back the state change — the
// history is the source of truth.
func (m *Machine) Transition(taskID string, to State, opts ...TransitionOption) (Transition, error) {
	rec, err := m.lookup(taskID)
	if err != nil {
		return Transition{}, err
	}
	params := applyOptions(opts)

	rec.mu.Lock()
	from := rec.state
	if !allowedTransitions[from][to] {
		rec.mu.Unlock()
		return Transition{}, kerrors.New(kerrors.IllegalTransition, "cannot transition task "+taskID+" from "+string(from)+" to "+string(to))
	}
	now := m.now()
	t := Transition{From: from, To: to, Timestamp: now, Reason: params.reason, Metadata: params.metadata}
	rec.state = to
	rec.updatedAt = now
	if to == Running && rec.startedAt.IsZero() {
		rec.startedAt = now
	}
	if isTerminalState(to) {
		rec.completedAt = now
	}
	rec.history = append(rec.history, t)
	rec.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("task transition", slog.String("task_id", taskID), slog.String("from", string(from)), slog.String("to", string(to)), slog.String("reason", params.reason))
	}

	m.publish(events.TaskTransitioned, events.Data{TaskID: taskID, From: string(from), To: string(to), Reason: params.reason}, now)
	m.publish(events.TaskStateReached, events.Data{TaskID: taskID, From: string(from), To: string(to)}, now)

	return t, nil
}

func (m *Machine) publish(kind events.Kind, data events.Data, at time.Time) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(kind, data, at)
}

// State returns a task's current state.
func (m *Machine) State(taskID string) (State, error) {
	rec, err := m.lookup(taskID)
	if err != nil {
		return "", err
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.state, nil
}

// History returns the full, ordered transition log for a task.
func (m *Machine) History(taskID string) ([]Transition, error) {
	return m.Transitions(taskID)
}

// Transitions returns the full, ordered transition log for a task.
func (m *Machine) Transitions(taskID string) ([]Transition, error) {
	rec, err := m.lookup(taskID)
	if err != nil {
		return nil, err
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	out := make([]Transition, len(rec.history))
	copy(out, rec.history)
	return out, nil
}

// TasksByState returns the ids of every task currently in the given state.
func (m *Machine) TasksByState(state State) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, rec := range m.tasks {
		rec.mu.RLock()
		st := rec.state
		rec.mu.RUnlock()
		if st == state {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsTerminal reports whether a task's current state is completed, failed, or cancelled.
func (m *Machine) IsTerminal(taskID string) (bool, error) {
	st, err := m.State(taskID)
	if err != nil {
		return false, err
	}
	return isTerminalState(st), nil
}

func isTerminalState(s State) bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Clear evicts a single task's record, e.g. after it reaches a terminal state.
func (m *Machine) Clear(taskID string) {
	m.mu.Lock()
	delete(m.tasks, taskID)
	m.mu.Unlock()
}

// ClearAll evicts every task record.
func (m *Machine) ClearAll() {
	m.mu.Lock()
	m.tasks = make(map[string]*taskRecord)
	m.mu.Unlock()
}

func (m *Machine) lookup(taskID string) (*taskRecord, error) {
	m.mu.RLock()
	rec, ok := m.tasks[taskID]
	m.mu.RUnlock()
	if !ok {
		return nil, kerrors.New(kerrors.NotFound, "task "+taskID+" not found")
	}
	return rec, nil
}
