package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func defaultConfig() Config {
	return Config{
		MaxWorkers:   4,
		Backpressure: BackpressureConfig{SaturationRatio: 0.8, QueueDepth: 10, CooldownMs: 1000},
		Retry:        RetryConfig{BaseDelayMs: 100, MaxDelayMs: 1000, MaxAttempts: 3},
	}
}

func TestEvaluate_AssignsEligibleIdleWorker(t *testing.T) {
	s := New(defaultConfig(), nil, nil)
	s.Register("w1", []string{"code"})

	d := s.Evaluate(EvaluateParams{RequiredCapabilities: []string{"code"}})
	require.Equal(t, Assign, d.Type)
	require.Equal(t, "w1", d.WorkerID)
}

func TestEvaluate_ZeroWorkersEmptyQueue_ReturnsQueueNotBackpressure(t *testing.T) {
	s := New(defaultConfig(), nil, nil)
	d := s.Evaluate(EvaluateParams{QueueDepth: 0})
	require.Equal(t, Queue, d.Type)
	require.Equal(t, 0.0, d.Metrics.SaturationRatio)
}

func TestEvaluate_AllBusyZeroQueue_ReturnsBackpressureSaturation(t *testing.T) {
	s := New(defaultConfig(), nil, nil)
	for _, id := range []string{"w1", "w2", "w3", "w4"} {
		s.Register(id, []string{"code"})
		require.NoError(t, s.MarkBusy(id, "t-"+id))
	}

	d := s.Evaluate(EvaluateParams{QueueDepth: 0, RequiredCapabilities: []string{"code"}})
	require.Equal(t, Backpressure, d.Type)
	require.Equal(t, ReasonWorkerSaturation, d.Reason)
	require.Equal(t, 1.0, d.Metrics.SaturationRatio)
	require.Equal(t, 4, d.Metrics.BusyWorkers)
	require.Equal(t, 4, d.Metrics.TotalWorkers)

	require.Equal(t, ReasonWorkerSaturation, s.BackpressureState().Reason)
	require.True(t, s.BackpressureState().Active)
}

func TestScenarioA_HappyPath(t *testing.T) {
	s := New(defaultConfig(), nil, nil)
	s.Register("w1", []string{"code"})

	d := s.Evaluate(EvaluateParams{RequiredCapabilities: []string{"code"}})
	require.Equal(t, Assign, d.Type)
	require.Equal(t, "w1", d.WorkerID)
	require.NoError(t, s.MarkBusy("w1", "t1"))
	require.NoError(t, s.MarkIdle("w1"))
}

func TestScenarioC_RetrySchedule(t *testing.T) {
	s := New(defaultConfig(), nil, nil)
	s.Register("w1", []string{"code"})
	require.NoError(t, s.MarkBusy("w1", "t1"))

	plan, err := s.RecordFailure("w1", "t1", map[string]any{"errorType": "network"})
	require.NoError(t, err)
	require.True(t, plan.ShouldRetry)
	require.Equal(t, 100, plan.RetryAfterMs)
	require.Equal(t, 1, plan.Snapshot.Attempt)

	require.NoError(t, s.MarkBusy("w1", "t1"))
	plan, err = s.RecordFailure("w1", "t1", nil)
	require.NoError(t, err)
	require.Equal(t, 200, plan.RetryAfterMs)
	require.Equal(t, 2, plan.Snapshot.Attempt)

	require.NoError(t, s.MarkBusy("w1", "t1"))
	plan, err = s.RecordFailure("w1", "t1", nil)
	require.NoError(t, err)
	require.Equal(t, 400, plan.RetryAfterMs)
	require.Equal(t, 3, plan.Snapshot.Attempt)

	require.NoError(t, s.MarkBusy("w1", "t1"))
	plan, err = s.RecordFailure("w1", "t1", nil)
	require.NoError(t, err)
	require.False(t, plan.ShouldRetry)
	require.Equal(t, 0, plan.RetryAfterMs)
	require.Equal(t, 4, plan.Snapshot.Attempt)
}

func TestEvaluate_NoEligibleCapabilityFallsToQueue(t *testing.T) {
	s := New(defaultConfig(), nil, nil)
	s.Register("w1", []string{"math"})

	d := s.Evaluate(EvaluateParams{RequiredCapabilities: []string{"code"}})
	require.Equal(t, Queue, d.Type)
}

func TestEvaluate_DoesNotDoubleAssignSameWorker(t *testing.T) {
	s := New(defaultConfig(), nil, nil)
	s.Register("w1", []string{"code"})

	d1 := s.Evaluate(EvaluateParams{RequiredCapabilities: []string{"code"}})
	require.Equal(t, Assign, d1.Type)

	d2 := s.Evaluate(EvaluateParams{RequiredCapabilities: []string{"code"}})
	require.Equal(t, Queue, d2.Type)
}
