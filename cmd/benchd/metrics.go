package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kernelboard/benchd/jobstore"
	"github.com/kernelboard/benchd/manager"
	"github.com/kernelboard/benchd/model"
	"github.com/kernelboard/benchd/report"
)

const metricsNamespace = "benchd"

var (
	phaseEventCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "job",
		Name:      "phase_events_total",
		Help:      "Number of job progress events by phase",
	}, []string{"phase"})

	jobDurationHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "job",
		Name:      "duration_seconds",
		Help:      "Histogram for the time between queued and terminal phase",
		// 100ms -> ~1h
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
	}, []string{"phase"})
)

func init() {
	prometheus.MustRegister(phaseEventCount)
	prometheus.MustRegister(jobDurationHist)
}

// metricsReporter decorates a reporter with phase counters and a
// queued-to-terminal duration histogram.
type metricsReporter struct {
	next  report.Reporter
	store jobstore.Store
}

func newMetricsReporter(next report.Reporter, store jobstore.Store) report.Reporter {
	return &metricsReporter{next: next, store: store}
}

func (m *metricsReporter) Report(jobID string, phase model.Phase, msg string) {
	phaseEventCount.WithLabelValues(string(phase)).Inc()
	if phase == model.PhaseCompleted || phase == model.PhaseFailed {
		if job, err := m.store.GetJob(context.Background(), jobID); err == nil && !job.FinishedAt.IsZero() {
			jobDurationHist.WithLabelValues(string(phase)).
				Observe(job.FinishedAt.Sub(job.EnqueuedAt).Seconds())
		}
	}
	m.next.Report(jobID, phase, msg)
}

// registerPoolMetrics exposes the live pool and queue state as gauges.
func registerPoolMetrics(m *manager.Manager, store jobstore.Store) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "pool",
		Name:      "workers",
		Help:      "Current worker count",
	}, func() float64 { return float64(m.WorkerCount()) }))

	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "pool",
		Name:      "busy_workers",
		Help:      "Workers currently holding a job",
	}, func() float64 { return float64(m.BusyWorkers()) }))

	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Queued jobs waiting for a worker",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d, err := store.QueueDepth(ctx)
		if err != nil {
			return -1
		}
		return float64(d)
	}))
}
