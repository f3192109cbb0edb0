// Package metrics exposes Prometheus counters for jobs, inbound traffic and
// provider calls. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "outreachpipe"

// uncategorized labels items recorded without a category.
const uncategorized = "none"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	Registry    *prometheus.Registry
	jobItems    *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobFailures *prometheus.CounterVec
	inbound     *prometheus.CounterVec
	smsSent     *prometheus.CounterVec
	llmRequests *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		jobItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_items_total",
			Help:      "Items processed by batch jobs.",
		}, []string{"job", "category", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of batch job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"}),
		jobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "Job runs that could not fetch their initial batch.",
		}, []string{"job"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound SMS by handling outcome.",
		}, []string{"outcome"}),
		smsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sms_sent_total",
			Help:      "Outbound SMS attempts by delivery path and result.",
		}, []string{"path", "result"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Language model completions by caller and result.",
		}, []string{"caller", "result"}),
	}
	m.Registry.MustRegister(m.jobItems, m.jobDuration, m.jobFailures, m.inbound, m.smsSent, m.llmRequests)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveJob records a finished job summary.
func (m *Metrics) ObserveJob(s models.JobSummary) {
	if m == nil {
		return
	}
	if !s.FinishedAt.IsZero() {
		m.jobDuration.WithLabelValues(s.Job).Observe(s.FinishedAt.Sub(s.StartedAt).Seconds())
	}
	if s.JobFailed() {
		m.jobFailures.WithLabelValues(s.Job).Inc()
	}
	rest := models.CategoryCounts{Succeeded: s.Succeeded, Failed: s.Failed, Skipped: s.Skipped}
	for cat, c := range s.Categories {
		m.addCounts(s.Job, cat, *c)
		rest.Succeeded -= c.Succeeded
		rest.Failed -= c.Failed
		rest.Skipped -= c.Skipped
	}
	m.addCounts(s.Job, uncategorized, rest)
}

func (m *Metrics) addCounts(job, category string, c models.CategoryCounts) {
	if c.Succeeded > 0 {
		m.jobItems.WithLabelValues(job, category, string(models.OutcomeSucceeded)).Add(float64(c.Succeeded))
	}
	if c.Failed > 0 {
		m.jobItems.WithLabelValues(job, category, string(models.OutcomeFailed)).Add(float64(c.Failed))
	}
	if c.Skipped > 0 {
		m.jobItems.WithLabelValues(job, category, string(models.OutcomeSkipped)).Add(float64(c.Skipped))
	}
}

// InboundOutcome counts one handled inbound message.
func (m *Metrics) InboundOutcome(outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(outcome).Inc()
}

// SMSSent counts one send attempt on path.
func (m *Metrics) SMSSent(path string, err error) {
	if m == nil {
		return
	}
	m.smsSent.WithLabelValues(path, result(err)).Inc()
}

// LLMRequest counts one completion request made by caller.
func (m *Metrics) LLMRequest(caller string, err error) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(caller, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
