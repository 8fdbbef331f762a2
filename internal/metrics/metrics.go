// Package metrics holds the module's Prometheus collectors, modeled on the
// teacher's infrastructure/metrics.Metrics: one struct of collectors
// constructed once per process and registered against a registry at
// startup. cmd/elspethd reports run outcomes (ObserveRun) and purge passes
// (ObservePurge) through it, and ResourceSampler sets the host gauges. The
// orchestrator, processor and retention worker do not reference it, so
// RunsActive, RowsTotal, NodeDuration, RetriesTotal and CheckpointLagRows
// are registered but never updated.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector this module exposes.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	RunsActive   prometheus.Gauge
	RowsTotal    *prometheus.CounterVec
	NodeDuration *prometheus.HistogramVec
	RetriesTotal *prometheus.CounterVec

	CheckpointLagRows prometheus.Gauge

	PurgeRunsTotal   prometheus.Counter
	PurgeBytesFreed  prometheus.Counter
	PurgeFailedTotal prometheus.Counter

	ResourceCPUPercent    prometheus.Gauge
	ResourceMemoryPercent prometheus.Gauge
	ResourceDiskPercent   prometheus.Gauge
}

// New constructs a Metrics instance and registers every collector against
// registerer. Pass prometheus.DefaultRegisterer in production, or a fresh
// prometheus.NewRegistry() in tests that need isolation from the global
// registry.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elspeth_runs_total",
				Help: "Total number of runs by terminal status.",
			},
			[]string{"status"},
		),
		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elspeth_runs_active",
			Help: "Number of runs currently executing.",
		}),
		RowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elspeth_rows_total",
				Help: "Total number of rows processed by terminal outcome.",
			},
			[]string{"run_id", "outcome"},
		),
		NodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "elspeth_node_state_duration_seconds",
				Help:    "Duration of one node_state execution, by node type.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"node_type", "status"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elspeth_retries_total",
				Help: "Total number of transform retry attempts by node.",
			},
			[]string{"node_id"},
		),
		CheckpointLagRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elspeth_checkpoint_lag_rows",
			Help: "Rows processed since the last checkpoint was written.",
		}),
		PurgeRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elspeth_retention_purge_runs_total",
			Help: "Total number of retention purge passes completed.",
		}),
		PurgeBytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elspeth_retention_bytes_freed_total",
			Help: "Total bytes freed by the retention purge worker.",
		}),
		PurgeFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elspeth_retention_purge_failed_total",
			Help: "Total number of payload refs that failed to purge.",
		}),
		ResourceCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elspeth_host_cpu_percent",
			Help: "Host CPU utilization percent, sampled periodically.",
		}),
		ResourceMemoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elspeth_host_memory_percent",
			Help: "Host memory utilization percent, sampled periodically.",
		}),
		ResourceDiskPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elspeth_host_disk_percent",
			Help: "Payload store volume disk utilization percent, sampled periodically.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RunsTotal, m.RunsActive, m.RowsTotal, m.NodeDuration, m.RetriesTotal,
			m.CheckpointLagRows, m.PurgeRunsTotal, m.PurgeBytesFreed, m.PurgeFailedTotal,
			m.ResourceCPUPercent, m.ResourceMemoryPercent, m.ResourceDiskPercent,
		)
	}
	return m
}

// ObserveNodeState records one node_state's duration and terminal status.
func (m *Metrics) ObserveNodeState(nodeType, status string, d time.Duration) {
	m.NodeDuration.WithLabelValues(nodeType, status).Observe(d.Seconds())
}

// ObserveRun records a completed run's terminal status.
func (m *Metrics) ObserveRun(status string) {
	m.RunsTotal.WithLabelValues(status).Inc()
}

// ObservePurge folds one retention.PurgeResult's counts into the purge
// collectors.
func (m *Metrics) ObservePurge(bytesFreed int64, failedCount int) {
	m.PurgeRunsTotal.Inc()
	m.PurgeBytesFreed.Add(float64(bytesFreed))
	m.PurgeFailedTotal.Add(float64(failedCount))
}
