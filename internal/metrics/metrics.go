// Package metrics exposes the orchestration kernel's counters and gauges
// over Prometheus, the way the pack's observability layer wires an
// in-process collector behind a config toggle: when disabled every method
// is a no-op so call sites never branch on whether metrics are on.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether metrics are collected and, if so, where the
// Prometheus scrape endpoint listens.
type Config struct {
	Enabled        bool
	PrometheusPort int
}

// Collector records orchestration-kernel events as Prometheus series. A
// disabled Collector accepts every call and discards it.
type Collector struct {
	enabled bool
	server  *http.Server

	taskTransitions  *prometheus.CounterVec
	tasksByState     *prometheus.GaugeVec
	workerHealth     *prometheus.GaugeVec
	poolDecisions    *prometheus.CounterVec
	poolSaturation   prometheus.Gauge
	arbitrations     *prometheus.CounterVec
	arbitrationScore prometheus.Histogram
	snapshotSaves    prometheus.Counter
}

// New constructs a Collector. When cfg.Enabled is false, New still returns
// a usable Collector whose methods are no-ops — callers never need a
// separate disabled-metrics code path.
func New(cfg Config) (*Collector, error) {
	c := &Collector{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return c, nil
	}

	registry := prometheus.NewRegistry()
	c.taskTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_task_transitions_total",
		Help: "Count of task state transitions by from/to state.",
	}, []string{"from", "to"})
	c.tasksByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_tasks_by_state",
		Help: "Current number of tasks in each state.",
	}, []string{"state"})
	c.workerHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_registered_workers",
		Help: "Current number of registered workers by health status.",
	}, []string{"health"})
	c.poolDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_pool_decisions_total",
		Help: "Count of supervisor decisions by type.",
	}, []string{"decision"})
	c.poolSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_pool_saturation_ratio",
		Help: "Most recently observed worker pool saturation ratio.",
	})
	c.arbitrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_arbitrations_total",
		Help: "Count of arbitration outcomes by final decision and consensus level.",
	}, []string{"decision", "consensus"})
	c.arbitrationScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_arbitration_confidence",
		Help:    "Distribution of arbitration confidence scores.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})
	c.snapshotSaves = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_snapshot_saves_total",
		Help: "Count of task snapshots saved.",
	})

	registry.MustRegister(
		c.taskTransitions, c.tasksByState, c.workerHealth,
		c.poolDecisions, c.poolSaturation, c.arbitrations,
		c.arbitrationScore, c.snapshotSaves,
	)

	if cfg.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		c.server = &http.Server{Addr: portAddr(cfg.PrometheusPort), Handler: mux}
		go func() { _ = c.server.ListenAndServe() }()
	}

	return c, nil
}

// Shutdown stops the scrape HTTP server, if one was started.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordTransition records a task state transition.
func (c *Collector) RecordTransition(from, to string) {
	if !c.enabled {
		return
	}
	c.taskTransitions.WithLabelValues(from, to).Inc()
}

// SetTasksByState reports the current count of tasks in a given state.
func (c *Collector) SetTasksByState(state string, count int) {
	if !c.enabled {
		return
	}
	c.tasksByState.WithLabelValues(state).Set(float64(count))
}

// SetWorkersByHealth reports the current count of registered workers at a
// given health level.
func (c *Collector) SetWorkersByHealth(health string, count int) {
	if !c.enabled {
		return
	}
	c.workerHealth.WithLabelValues(health).Set(float64(count))
}

// RecordPoolDecision records a supervisor assign/queue/backpressure
// decision and the saturation ratio observed alongside it.
func (c *Collector) RecordPoolDecision(decision string, saturation float64) {
	if !c.enabled {
		return
	}
	c.poolDecisions.WithLabelValues(decision).Inc()
	c.poolSaturation.Set(saturation)
}

// RecordArbitration records a completed arbitration's final decision,
// consensus level, and confidence score.
func (c *Collector) RecordArbitration(decision, consensus string, confidence float64) {
	if !c.enabled {
		return
	}
	c.arbitrations.WithLabelValues(decision, consensus).Inc()
	c.arbitrationScore.Observe(confidence)
}

// RecordSnapshotSave records a task snapshot being persisted.
func (c *Collector) RecordSnapshotSave() {
	if !c.enabled {
		return
	}
	c.snapshotSaves.Inc()
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
