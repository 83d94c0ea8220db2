// Package metrics exports per-run target outcomes in Prometheus format.
package metrics

import (
	"fmt"
	"time"

	"pvefleet/internal/config"
	"pvefleet/internal/logging"
	"pvefleet/internal/report"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

// Recorder collects outcome counters and duration histograms for one run.
// It implements batch.Observer.
type Recorder struct {
	registry *prometheus.Registry
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lastRun  *prometheus.GaugeVec
}

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pvefleet",
			Name:      "target_outcomes_total",
			Help:      "Targets processed, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pvefleet",
			Name:      "target_duration_seconds",
			Help:      "Time spent on one target, by operation.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"operation"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pvefleet",
			Name:      "last_run_timestamp_seconds",
			Help:      "Completion time of the last run, by operation.",
		}, []string{"operation"}),
	}
	r.registry.MustRegister(r.outcomes, r.duration, r.lastRun)
	return r
}

// Observe records one finished target.
func (r *Recorder) Observe(operation string, outcome report.Outcome, d time.Duration) {
	r.outcomes.WithLabelValues(operation, string(outcome)).Inc()
	r.duration.WithLabelValues(operation).Observe(d.Seconds())
}

// MarkFinished stamps the completion time of operation.
func (r *Recorder) MarkFinished(operation string, at time.Time) {
	r.lastRun.WithLabelValues(operation).Set(float64(at.Unix()))
}

// Gatherer exposes the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Export pushes to the Pushgateway and writes the textfile, whichever are
// configured. Export failures never fail a run; they are returned for logging.
func (r *Recorder) Export(cfg config.MetricsConfig, runID string) error {
	var errs []error

	if cfg.PushgatewayURL != "" {
		job := cfg.Job
		if job == "" {
			job = "pvefleet"
		}
		err := push.New(cfg.PushgatewayURL, job).
			Gatherer(r.registry).
			Grouping("run_id", runID).
			Push()
		if err != nil {
			errs = append(errs, fmt.Errorf("push to %s: %w", cfg.PushgatewayURL, err))
		} else {
			logging.Logger().Debug("metrics pushed", zap.String("url", cfg.PushgatewayURL), zap.String("job", job))
		}
	}

	if cfg.TextfilePath != "" {
		if err := prometheus.WriteToTextfile(cfg.TextfilePath, r.registry); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", cfg.TextfilePath, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("metrics export failed: %v", errs)
	}
	return nil
}
