// Package orchestrator wires the Task State Machine, Worker Capability
// Registry, Task Snapshot Store, Worker Pool Supervisor, and Arbitration
// Coordinator into the three external interfaces the kernel exposes:
// submission, worker control, and arbitration. It owns the background
// sweep workers (stale-worker eviction, snapshot expiry) and their
// coordinated shutdown, the way a job pipeline owns its stages.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel/attribute"

	"orchestrator/internal/arbitration"
	"orchestrator/internal/events"
	"orchestrator/internal/ids"
	"orchestrator/internal/lifecycle"
	"orchestrator/internal/logging"
	"orchestrator/internal/metrics"
	"orchestrator/internal/pool"
	"orchestrator/internal/registry"
	"orchestrator/internal/snapshot"
	"orchestrator/internal/taskstate"
	"orchestrator/internal/telemetry"
	"orchestrator/internal/verify"
)

// Config bundles the tunables each wired component needs. Callers typically
// derive this from internal/config.Config.
type Config struct {
	Pool                pool.Config
	Arbitration         arbitration.Config
	StaleWorkerThreshold time.Duration
	SnapshotCleanupEvery time.Duration
	RegistryCleanupEvery time.Duration
}

// Orchestrator is the assembled control plane: one instance per process.
type Orchestrator struct {
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config
	Tasks    *taskstate.Machine
	Workers  *registry.Registry
	Snapshots *snapshot.Store
	Pool     *pool.Supervisor
	Verifier verify.Verifier
	Metrics  *metrics.Collector

	registrySweep  *lifecycle.Worker
	snapshotSweep  *lifecycle.Worker
}

// Dependencies are the optional externally-supplied collaborators; a nil
// field falls back to an in-memory-only default.
type Dependencies struct {
	WorkerRepository   registry.Repository
	SnapshotRepository snapshot.Repository
	Verifier           verify.Verifier
	Metrics            *metrics.Collector
	Now                func() time.Time
}

// New assembles the orchestration kernel's components, sharing one event
// bus and one component-tagged logger set across all of them.
func New(cfg Config, deps Dependencies) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	bus := events.NewBus(256)

	var registryOpts []registry.Option
	if deps.WorkerRepository != nil {
		registryOpts = append(registryOpts, registry.WithRepository(deps.WorkerRepository))
	}
	var snapshotOpts []snapshot.Option
	if deps.SnapshotRepository != nil {
		snapshotOpts = append(snapshotOpts, snapshot.WithRepository(deps.SnapshotRepository))
	}

	verifier := deps.Verifier
	if verifier == nil {
		verifier = verify.NoopVerifier{}
	}

	metricsCollector := deps.Metrics
	if metricsCollector == nil {
		metricsCollector, _ = metrics.New(metrics.Config{Enabled: false})
	}

	o := &Orchestrator{
		bus:      bus,
		logger:   logging.NewComponentLogger("orchestrator", slog.LevelInfo),
		now:      now,
		cfg:      cfg,
		Tasks:    taskstate.New(bus, logging.NewComponentLogger("taskstate", slog.LevelInfo), now),
		Workers:  registry.New(bus, logging.NewComponentLogger("registry", slog.LevelInfo), now, registryOpts...),
		Snapshots: snapshot.New(bus, logging.NewComponentLogger("snapshot", slog.LevelInfo), now, snapshotOpts...),
		Pool:     pool.New(cfg.Pool, logging.NewComponentLogger("pool", slog.LevelInfo), now),
		Verifier: verifier,
		Metrics:  metricsCollector,
	}
	return o
}

// Start launches the background sweep workers. Call Shutdown to stop them.
func (o *Orchestrator) Start(ctx context.Context) {
	panicLogger := slogPanicLogger{o.logger}

	staleThreshold := o.cfg.StaleWorkerThreshold
	if staleThreshold <= 0 {
		staleThreshold = 5 * time.Minute
	}
	registryEvery := o.cfg.RegistryCleanupEvery
	if registryEvery <= 0 {
		registryEvery = time.Minute
	}
	snapshotEvery := o.cfg.SnapshotCleanupEvery
	if snapshotEvery <= 0 {
		snapshotEvery = 5 * time.Minute
	}

	o.registrySweep = lifecycle.StartWorker(ctx, panicLogger, "registry-stale-sweep", registryEvery, func(ctx context.Context) {
		evicted := o.Workers.CleanupStale(staleThreshold)
		if len(evicted) > 0 {
			o.logger.Info("evicted stale workers", "count", len(evicted))
		}
	})
	o.snapshotSweep = lifecycle.StartWorker(ctx, panicLogger, "snapshot-expiry-sweep", snapshotEvery, func(ctx context.Context) {
		expired, err := o.Snapshots.CleanupExpired(ctx)
		if err != nil {
			o.logger.Error("snapshot cleanup failed", "error", err)
			return
		}
		if len(expired) > 0 {
			o.logger.Info("expired snapshots", "count", len(expired))
		}
	})
}

// Shutdown stops the background sweep workers, joining both within an
// errgroup so a panic or slow shutdown in one does not block the other's
// join from being observed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	if o.registrySweep != nil {
		g.Go(func() error { o.registrySweep.Shutdown(); return nil })
	}
	if o.snapshotSweep != nil {
		g.Go(func() error { o.snapshotSweep.Shutdown(); return nil })
	}
	return g.Wait()
}

// SubmitTask is the submission interface: it creates a new task in
// Pending, the initial state of the Task State Machine.
func (o *Orchestrator) SubmitTask(ctx context.Context) (string, error) {
	taskID := ids.New()
	if err := o.Tasks.Initialize(taskID); err != nil {
		return "", err
	}
	return taskID, nil
}

// AssignTask is the worker-control interface: it moves a task that is not
// yet Queued (a freshly submitted Pending task) to Queued, asks the
// supervisor for an assign/queue/backpressure decision and, on assign,
// transitions the task from Queued to Assigned. A task that is already
// Queued (left queued by an earlier call, or re-queued by FailTask) is
// evaluated as it is.
func (o *Orchestrator) AssignTask(ctx context.Context, taskID string, queueDepth int, requiredCapabilities []string) (pool.Decision, error) {
	state, err := o.Tasks.State(taskID)
	if err != nil {
		return pool.Decision{}, err
	}
	if state != taskstate.Queued {
		if _, err := o.Tasks.Transition(taskID, taskstate.Queued); err != nil {
			return pool.Decision{}, err
		}
	}

	decision := o.Pool.Evaluate(pool.EvaluateParams{QueueDepth: queueDepth, RequiredCapabilities: requiredCapabilities})
	if decision.Type != pool.Assign {
		return decision, nil
	}

	if err := o.Pool.MarkBusy(decision.WorkerID, taskID); err != nil {
		return pool.Decision{}, err
	}
	if _, err := o.Tasks.Transition(taskID, taskstate.Assigned, taskstate.WithMetadata(map[string]any{"workerId": decision.WorkerID})); err != nil {
		return pool.Decision{}, err
	}
	return decision, nil
}

// StartTask moves an assigned task into Running, marking the beginning of
// actual execution on the assigned worker.
func (o *Orchestrator) StartTask(ctx context.Context, taskID string) error {
	_, err := o.Tasks.Transition(taskID, taskstate.Running)
	return err
}

// CompleteTask records a terminal Completed transition and frees the
// assigned worker back to idle.
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID, workerID string) error {
	if _, err := o.Tasks.Transition(taskID, taskstate.Completed); err != nil {
		return err
	}
	return o.Pool.MarkIdle(workerID)
}

// FailTask records a failure, computes a retry plan, and transitions the
// task to Failed — chaining straight through to Queued when the retry plan
// says to retry, since Failed is the only state the table allows Queued to
// be re-entered from.
func (o *Orchestrator) FailTask(ctx context.Context, taskID, workerID string, reason string) (pool.RetryPlan, error) {
	plan, err := o.Pool.RecordFailure(workerID, taskID, map[string]any{"reason": reason})
	if err != nil {
		return pool.RetryPlan{}, err
	}
	if _, err := o.Tasks.Transition(taskID, taskstate.Failed, taskstate.WithReason(reason)); err != nil {
		return pool.RetryPlan{}, err
	}
	if plan.ShouldRetry {
		if _, err := o.Tasks.Transition(taskID, taskstate.Queued, taskstate.WithReason("retry")); err != nil {
			return pool.RetryPlan{}, err
		}
	}
	return plan, nil
}

// Arbitrate is the arbitration interface: it runs the configured verifier
// as a pre-scoring step over any pleading without an explicit worker
// context, scores each participant's pleading against the resulting
// context, and classifies consensus, tracing the round and recording its
// outcome as a metric.
func (o *Orchestrator) Arbitrate(ctx context.Context, pleadings []arbitration.PleadingDecision, workerContext map[string]arbitration.WorkerContext) (arbitration.ArbitrationResult, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanArbitration, attribute.Int("orchestrator.participant_count", len(pleadings)))

	merged := o.verifyPleadings(ctx, pleadings, workerContext)

	result, err := arbitration.Arbitrate(pleadings, merged, o.cfg.Arbitration)
	telemetry.EndSpan(span, err)
	if err == nil {
		o.Metrics.RecordArbitration(string(result.FinalDecision), string(result.ConsensusLevel), result.Confidence)
	}
	return result, err
}

// verifyPleadings runs o.Verifier over every pleading lacking an explicit
// worker-context entry, turning a reached verdict (Verified/Refuted) into a
// WorkerContext the confidence scorer can weigh. An Insufficient or Errored
// outcome — including the no-op verifier's default — contributes no
// signal, leaving that pleading's self-reported Confidence as the scorer's
// input, same as if no verifier were configured at all.
func (o *Orchestrator) verifyPleadings(ctx context.Context, pleadings []arbitration.PleadingDecision, existing map[string]arbitration.WorkerContext) map[string]arbitration.WorkerContext {
	merged := make(map[string]arbitration.WorkerContext, len(existing))
	for workerID, wc := range existing {
		merged[workerID] = wc
	}

	for _, p := range pleadings {
		if _, ok := merged[p.WorkerID]; ok {
			continue
		}
		result := o.Verifier.Verify(ctx, verify.Claim{TaskID: p.ID, WorkerID: p.WorkerID, Text: p.Reasoning})
		switch result.Outcome {
		case verify.Verified:
			merged[p.WorkerID] = arbitration.WorkerContext{
				VerificationSuccessRate:       1,
				SuccessfulVerificationAvgConf: result.Confidence,
				EvidenceKinds:                 len(result.Evidence),
			}
		case verify.Refuted:
			merged[p.WorkerID] = arbitration.WorkerContext{
				VerificationSuccessRate: 0,
				EvidenceKinds:           len(result.Evidence),
			}
		}
	}
	return merged
}

// CancelTask is the submission interface's cancellation operation. It moves
// any non-terminal task straight to Cancelled and frees its assigned
// worker, if any, without touching the task's retry-attempt counter.
// Re-cancelling an already-cancelled task is a no-op, not an error — so
// CancelTask(CancelTask(t)) == CancelTask(t) — since Cancelled has no
// outgoing transitions in the state table. Cancelling a task already
// Completed or Failed is rejected as an illegal transition.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID, reason string) (bool, error) {
	state, err := o.Tasks.State(taskID)
	if err != nil {
		return false, err
	}
	if state == taskstate.Cancelled {
		return false, nil
	}
	if _, err := o.Tasks.Transition(taskID, taskstate.Cancelled, taskstate.WithReason(reason)); err != nil {
		return false, err
	}
	o.Pool.ReleaseForTask(taskID)
	return true, nil
}

// TaskStatus is the submission interface's status read model for one task.
type TaskStatus struct {
	TaskID  string
	State   taskstate.State
	History []taskstate.Transition
}

// Status is the submission interface's status operation: a task's current
// state plus its full transition history.
func (o *Orchestrator) Status(taskID string) (TaskStatus, error) {
	state, err := o.Tasks.State(taskID)
	if err != nil {
		return TaskStatus{}, err
	}
	history, err := o.Tasks.Transitions(taskID)
	if err != nil {
		return TaskStatus{}, err
	}
	return TaskStatus{TaskID: taskID, State: state, History: history}, nil
}

// Events exposes the shared bus for transport layers to subscribe to.
func (o *Orchestrator) Events() *events.Bus { return o.bus }

type slogPanicLogger struct{ logger *slog.Logger }

func (l slogPanicLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
