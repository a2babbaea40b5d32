// Package observability holds the process-wide prometheus metrics.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	capturesTotal      *prometheus.CounterVec
	layerFailuresTotal *prometheus.CounterVec
	recallDuration     *prometheus.HistogramVec
	recallDegraded     *prometheus.CounterVec
	corruptRecords     prometheus.Counter
	maintenanceRuns    *prometheus.CounterVec
	rebuildDuration    *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			capturesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memvault_captures_total",
					Help: "Capture requests by result.",
				},
				[]string{"result"},
			),
			layerFailuresTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memvault_layer_failures_total",
					Help: "Best-effort index or vector writes that failed.",
				},
				[]string{"layer"},
			),
			recallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "memvault_recall_duration_seconds",
					Help:    "Recall latency in seconds by resolved mode.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"mode"},
			),
			recallDegraded: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memvault_recall_degraded_total",
					Help: "Recalls that lost a branch, by failed branch.",
				},
				[]string{"branch"},
			),
			corruptRecords: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memvault_corrupt_records_total",
					Help: "Stored records skipped because they failed to decode.",
				},
			),
			maintenanceRuns: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memvault_maintenance_runs_total",
					Help: "Scheduled maintenance jobs by job and status.",
				},
				[]string{"job", "status"},
			),
			rebuildDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "memvault_rebuild_duration_seconds",
					Help:    "Index and vector rebuild duration in seconds.",
					Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
				},
				[]string{"target"},
			),
		}

		prometheus.MustRegister(
			m.capturesTotal,
			m.layerFailuresTotal,
			m.recallDuration,
			m.recallDegraded,
			m.corruptRecords,
			m.maintenanceRuns,
			m.rebuildDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordCapture(success bool) {
	result := "error"
	if success {
		result = "success"
	}
	getMetrics().capturesTotal.WithLabelValues(result).Inc()
}

func RecordLayerFailure(layer string) {
	getMetrics().layerFailuresTotal.WithLabelValues(layer).Inc()
}

func RecordRecall(mode string, duration time.Duration, failedBranches []string) {
	m := getMetrics()
	m.recallDuration.WithLabelValues(mode).Observe(duration.Seconds())
	for _, b := range failedBranches {
		m.recallDegraded.WithLabelValues(b).Inc()
	}
}

func RecordCorruptRecords(n int) {
	if n <= 0 {
		return
	}
	getMetrics().corruptRecords.Add(float64(n))
}

func RecordMaintenanceRun(job string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().maintenanceRuns.WithLabelValues(job, status).Inc()
}

func RecordRebuild(target string, duration time.Duration) {
	getMetrics().rebuildDuration.WithLabelValues(target).Observe(duration.Seconds())
}
