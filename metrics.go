package leaseq

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// metricsCollectInterval is how often queue depths are re-sampled.
	metricsCollectInterval = 10 * time.Second

	// maxTrackedLeases bounds the lease-to-outcome duration map.
	maxTrackedLeases = 16384
)

// Metrics exports Prometheus collectors for one tenant's queue activity. It
// is a pure observer: everything is derived from the backend's event stream
// and stats, so the engine itself carries no metrics hooks.
type Metrics struct {
	JobsEnqueued  *prometheus.CounterVec
	JobsLeased    *prometheus.CounterVec
	JobsRetried   *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsCanceled  *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec
	JobDuration   *prometheus.HistogramVec

	logger *slog.Logger

	// leaseStart pairs a lease event with the attempt's outcome event. Only
	// touched from the Run loop, so no lock.
	leaseStart map[JobID]time.Time
}

// NewMetrics builds and registers the collectors. A nil registerer falls back
// to the Prometheus default one.
func NewMetrics(reg prometheus.Registerer, logger *slog.Logger) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}

	jobLabels := []string{"tenant", "queue", "job_type"}
	m := &Metrics{
		JobsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaseq_jobs_enqueued_total",
				Help: "Total number of jobs accepted for execution",
			},
			jobLabels,
		),
		JobsLeased: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaseq_jobs_leased_total",
				Help: "Total number of leases handed to workers",
			},
			jobLabels,
		),
		JobsRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaseq_jobs_retried_total",
				Help: "Total number of failed attempts scheduled for retry",
			},
			jobLabels,
		),
		JobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaseq_jobs_completed_total",
				Help: "Total number of jobs finished successfully",
			},
			jobLabels,
		),
		JobsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaseq_jobs_failed_total",
				Help: "Total number of jobs failed permanently",
			},
			jobLabels,
		),
		JobsCanceled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaseq_jobs_canceled_total",
				Help: "Total number of jobs canceled before completion",
			},
			jobLabels,
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leaseq_queue_depth",
				Help: "Number of jobs per queue and status",
			},
			[]string{"tenant", "queue", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leaseq_job_duration_seconds",
				Help:    "Time from lease to attempt outcome",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
			},
			jobLabels,
		),
		logger:     logger,
		leaseStart: make(map[JobID]time.Time),
	}

	reg.MustRegister(
		m.JobsEnqueued,
		m.JobsLeased,
		m.JobsRetried,
		m.JobsCompleted,
		m.JobsFailed,
		m.JobsCanceled,
		m.QueueDepth,
		m.JobDuration,
	)
	return m
}

// Run consumes the tenant's event stream and samples queue depths until ctx
// is done. It returns ErrBackendClosed when the backend shuts down first.
func (m *Metrics) Run(ctx context.Context, backend Backend, qctx QueueCtx, queues ...string) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return err
	}
	events, err := backend.Events(ctx, qctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(metricsCollectInterval)
	defer ticker.Stop()

	m.collectDepth(ctx, backend, qctx, queues)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return ErrBackendClosed
			}
			m.observeEvent(qctx.TenantID, ev)
		case <-ticker.C:
			m.collectDepth(ctx, backend, qctx, queues)
		}
	}
}

func (m *Metrics) observeEvent(tenantID string, ev JobEvent) {
	switch ev.Name {
	case EventEnqueued:
		m.JobsEnqueued.WithLabelValues(tenantID, ev.Queue, ev.JobType).Inc()
	case EventLeased:
		m.JobsLeased.WithLabelValues(tenantID, ev.Queue, ev.JobType).Inc()
		if len(m.leaseStart) < maxTrackedLeases {
			m.leaseStart[ev.JobID] = ev.Timestamp
		}
	case EventRetrying:
		m.JobsRetried.WithLabelValues(tenantID, ev.Queue, ev.JobType).Inc()
		m.observeDuration(tenantID, ev)
	case EventCompleted:
		m.JobsCompleted.WithLabelValues(tenantID, ev.Queue, ev.JobType).Inc()
		m.observeDuration(tenantID, ev)
	case EventFailed:
		m.JobsFailed.WithLabelValues(tenantID, ev.Queue, ev.JobType).Inc()
		m.observeDuration(tenantID, ev)
	case EventCanceled:
		m.JobsCanceled.WithLabelValues(tenantID, ev.Queue, ev.JobType).Inc()
		delete(m.leaseStart, ev.JobID)
	}
}

// observeDuration records the lease-to-outcome time for one attempt.
func (m *Metrics) observeDuration(tenantID string, ev JobEvent) {
	start, ok := m.leaseStart[ev.JobID]
	if !ok {
		return
	}
	delete(m.leaseStart, ev.JobID)
	m.JobDuration.WithLabelValues(tenantID, ev.Queue, ev.JobType).Observe(ev.Timestamp.Sub(start).Seconds())
}

func (m *Metrics) collectDepth(ctx context.Context, backend Backend, qctx QueueCtx, queues []string) {
	for _, queue := range queues {
		st, err := backend.Stats(ctx, qctx, []string{queue})
		if err != nil {
			m.logger.Warn("Metrics: stats unavailable", "queue", queue, "error", err)
			continue
		}
		g := func(status string, n int) {
			m.QueueDepth.WithLabelValues(qctx.TenantID, queue, status).Set(float64(n))
		}
		g(string(StatusPending), st.PendingJobs)
		g(string(StatusLeased), st.LeasedJobs)
		g(string(StatusRetrying), st.RetryingJobs)
		g(string(StatusCompleted), st.CompletedJobs)
		g(string(StatusFailed), st.FailedJobs)
		g(string(StatusCanceled), st.CanceledJobs)
		g("ready", st.ReadyJobs)
	}
}
