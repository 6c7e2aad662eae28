// Package metrics records supervisor activity as Prometheus metrics.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "procwatch"

// Recorder owns a private registry so several sessions in one test binary do not collide.
// A nil *Recorder discards every observation.
type Recorder struct {
	registry *prometheus.Registry

	starts        prometheus.Counter
	spawnFailures prometheus.Counter
	waitOutcomes  *prometheus.CounterVec
	waitDuration  prometheus.Histogram
	terminations  *prometheus.CounterVec
	active        prometheus.Gauge
}

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		starts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "starts_total",
			Help:      "Children successfully started",
		}),
		spawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "spawn_failures_total",
			Help:      "Start requests the OS refused",
		}),
		waitOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_outcomes_total",
			Help:      "Output waits by outcome",
		}, []string{"outcome"}),
		waitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting for output",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		terminations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Terminated children by how they ended",
		}, []string{"mode"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "1 while a supervised child is running",
		}),
	}
}

// Registry exposes the underlying registry for exporters.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Started records a successful spawn.
func (r *Recorder) Started() {
	if r == nil {
		return
	}
	r.starts.Inc()
	r.active.Set(1)
}

// SpawnFailed records a refused spawn.
func (r *Recorder) SpawnFailed() {
	if r == nil {
		return
	}
	r.spawnFailures.Inc()
}

// WaitFinished records one wait outcome and how long it took.
func (r *Recorder) WaitFinished(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.waitOutcomes.WithLabelValues(outcome).Inc()
	r.waitDuration.Observe(elapsed.Seconds())
}

// Terminated records the end of a child.
func (r *Recorder) Terminated(mode string) {
	if r == nil {
		return
	}
	r.terminations.WithLabelValues(mode).Inc()
	r.active.Set(0)
}

// WriteToTextfile writes the current values in the node-exporter textfile format.
func (r *Recorder) WriteToTextfile(path string) error {
	if r == nil {
		return errors.New("metrics recorder is nil")
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
