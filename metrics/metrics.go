package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mixstatus"

// Metrics は nil でも呼び出せる
type Metrics struct {
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	feedItems     *prometheus.CounterVec
	feedErrors    *prometheus.CounterVec
	enrichments   *prometheus.CounterVec
	modelCalls    *prometheus.CounterVec
	notifications *prometheus.CounterVec
	scanned       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Job run attempts by function and resulting state.",
		}, []string{"function", "state"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of a single job run attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"function"}),
		feedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_items_total",
			Help:      "Feed items fetched by source provider.",
		}, []string{"provider"}),
		feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_errors_total",
			Help:      "Feed fetch failures by service.",
		}, []string{"service"}),
		enrichments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichments_total",
			Help:      "Crawl attempts by result.",
		}, []string{"result"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Summarization calls by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Status notifications by result.",
		}, []string{"result"}),
		scanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backlog_events_total",
			Help:      "Backlog events handled by scan mode and result.",
		}, []string{"mode", "result"}),
	}
	reg.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.feedItems,
		m.feedErrors,
		m.enrichments,
		m.modelCalls,
		m.notifications,
		m.scanned,
	)
	return m
}

func (m *Metrics) JobRun(function, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(function, state).Inc()
	m.jobDuration.WithLabelValues(function).Observe(d.Seconds())
}

func (m *Metrics) FeedItems(provider string, n int) {
	if m == nil {
		return
	}
	m.feedItems.WithLabelValues(provider).Add(float64(n))
}

func (m *Metrics) FeedError(service string) {
	if m == nil {
		return
	}
	m.feedErrors.WithLabelValues(service).Inc()
}

func (m *Metrics) Enrichment(result string) {
	if m == nil {
		return
	}
	m.enrichments.WithLabelValues(result).Inc()
}

func (m *Metrics) ModelCall(result string) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) Scanned(mode, result string) {
	if m == nil {
		return
	}
	m.scanned.WithLabelValues(mode, result).Inc()
}
