package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the assistant. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestTotal           *prometheus.CounterVec
	RequestDurationMs      *prometheus.HistogramVec
	PromptTokensTotal      *prometheus.CounterVec
	TrimmedMessagesTotal   *prometheus.CounterVec
	ContextPassages        *prometheus.HistogramVec
	ModerationFlaggedTotal *prometheus.CounterVec
	UpstreamErrorsTotal    *prometheus.CounterVec
	RateLimitHitsTotal     *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_request_total",
			Help: "Total number of assistant requests by outcome.",
		}, []string{"flow", "model", "status"}),

		RequestDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assistant_request_duration_ms",
			Help:    "Time until the completion stream opened, in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"flow"}),

		PromptTokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_prompt_tokens_total",
			Help: "Prompt tokens sent to completion providers, as counted locally.",
		}, []string{"flow", "model"}),

		TrimmedMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_trimmed_messages_total",
			Help: "Conversation messages removed to fit the context window.",
		}, []string{"flow"}),

		ContextPassages: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assistant_context_passages",
			Help:    "Retrieved passages included in the context block.",
			Buckets: []float64{0, 1, 2, 3, 5, 7, 10},
		}, []string{"source"}),

		ModerationFlaggedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_moderation_flagged_total",
			Help: "Messages flagged by moderation checkers.",
		}, []string{"checker", "category"}),

		UpstreamErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_upstream_errors_total",
			Help: "Failures of external services by pipeline stage.",
		}, []string{"stage"}),

		RateLimitHitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_ratelimit_hits_total",
			Help: "Requests rejected by rate limiting.",
		}, []string{"dimension"}),
	}
}

// RequestLabels holds the values recorded for one request.
type RequestLabels struct {
	Flow            string
	Model           string
	Status          string
	DurationMs      float64
	PromptTokens    int
	RemovedMessages int
}

// RecordRequest records metrics for a handled request.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	if m == nil {
		return
	}
	m.RequestTotal.WithLabelValues(labels.Flow, labels.Model, labels.Status).Inc()
	m.RequestDurationMs.WithLabelValues(labels.Flow).Observe(labels.DurationMs)

	if labels.PromptTokens > 0 {
		m.PromptTokensTotal.WithLabelValues(labels.Flow, labels.Model).Add(float64(labels.PromptTokens))
	}
	if labels.RemovedMessages > 0 {
		m.TrimmedMessagesTotal.WithLabelValues(labels.Flow).Add(float64(labels.RemovedMessages))
	}
}

func (m *Metrics) RecordPassages(source string, n int) {
	if m == nil {
		return
	}
	m.ContextPassages.WithLabelValues(source).Observe(float64(n))
}

func (m *Metrics) RecordFlagged(checker, category string) {
	if m == nil {
		return
	}
	m.ModerationFlaggedTotal.WithLabelValues(checker, category).Inc()
}

func (m *Metrics) RecordUpstreamError(stage string) {
	if m == nil {
		return
	}
	m.UpstreamErrorsTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordRateLimitHit(dimension string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(dimension).Inc()
}
