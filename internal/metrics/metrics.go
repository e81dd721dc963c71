// Package metrics exposes Prometheus collectors for the workflow engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stageflow"

// Recorder owns the engine collectors. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	stageRuns        *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	stagesInFlight   prometheus.Gauge
	instancesStarted prometheus.Counter
	instancesEnded   *prometheus.CounterVec
	gateDecisions    *prometheus.CounterVec
	gateTimeouts     prometheus.Counter
	versionConflicts prometheus.Counter
	storeRetries     prometheus.Counter
}

// NewRecorder creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		stageRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_attempts_total",
				Help:      "Total number of settled stage attempts",
			},
			[]string{"workflow", "result"}, // result: succeeded, failed, retried
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage attempts in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900},
			},
			[]string{"workflow"},
		),
		stagesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stages_in_flight",
				Help:      "Number of stage attempts currently dispatched",
			},
		),
		instancesStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_started_total",
				Help:      "Total number of triggered workflow instances",
			},
		),
		instancesEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_finished_total",
				Help:      "Total number of workflow instances reaching a terminal status",
			},
			[]string{"status"},
		),
		gateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_decisions_total",
				Help:      "Total number of recorded approval decisions",
			},
			[]string{"verdict"},
		),
		gateTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_timeouts_total",
				Help:      "Total number of approval gates that timed out",
			},
		),
		versionConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "version_conflicts_total",
				Help:      "Total number of optimistic concurrency conflicts on instance saves",
			},
		),
		storeRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_retries_total",
				Help:      "Total number of retried store operations",
			},
		),
	}
	if reg != nil {
		for _, c := range r.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func (r *Recorder) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.stageRuns,
		r.stageDuration,
		r.stagesInFlight,
		r.instancesStarted,
		r.instancesEnded,
		r.gateDecisions,
		r.gateTimeouts,
		r.versionConflicts,
		r.storeRetries,
	}
}

// StageDispatched counts a dispatched attempt as in flight.
func (r *Recorder) StageDispatched() {
	if r == nil {
		return
	}
	r.stagesInFlight.Inc()
}

// StageSettled records the outcome of an attempt that had been dispatched.
func (r *Recorder) StageSettled(workflowID, result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.stagesInFlight.Dec()
	r.stageRuns.WithLabelValues(workflowID, result).Inc()
	if elapsed > 0 {
		r.stageDuration.WithLabelValues(workflowID).Observe(elapsed.Seconds())
	}
}

// InstanceStarted counts a triggered instance.
func (r *Recorder) InstanceStarted() {
	if r == nil {
		return
	}
	r.instancesStarted.Inc()
}

// InstanceFinished counts an instance reaching a terminal status.
func (r *Recorder) InstanceFinished(status string) {
	if r == nil {
		return
	}
	r.instancesEnded.WithLabelValues(status).Inc()
}

// GateDecision counts a recorded approval decision.
func (r *Recorder) GateDecision(verdict string) {
	if r == nil {
		return
	}
	r.gateDecisions.WithLabelValues(verdict).Inc()
}

// GateTimedOut counts a gate expiry.
func (r *Recorder) GateTimedOut() {
	if r == nil {
		return
	}
	r.gateTimeouts.Inc()
}

// VersionConflict counts a rejected compare-and-swap save.
func (r *Recorder) VersionConflict() {
	if r == nil {
		return
	}
	r.versionConflicts.Inc()
}

// StoreRetry counts a retried store operation.
func (r *Recorder) StoreRetry() {
	if r == nil {
		return
	}
	r.storeRetries.Inc()
}

// Handler serves the metrics of gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
