// Package metrics exposes gateway and persistence counters in the Prometheus
// text format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-convo/pkg/core/conversation"
)

// Metrics holds all Prometheus metrics for the gateway and the worker.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Conversation metrics
	ConversationsTotal *prometheus.CounterVec
	ChunksTotal        *prometheus.CounterVec
	FinalizeTotal      *prometheus.CounterVec
	FinalizeEntries    prometheus.Histogram

	// Persistence metrics
	JobsTotal     *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	SegmentsTotal *prometheus.CounterVec

	// Rate limit metrics
	RateLimitHits *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_convo"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP API requests",
		},
		[]string{"route", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration in seconds",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"route"},
	)

	conversationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_total",
			Help:      "Conversation start attempts by outcome",
		},
		[]string{"outcome"},
	)

	chunksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Audio chunks seen by the gateway",
		},
		[]string{"speaker", "outcome"},
	)

	finalizeTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalize_total",
			Help:      "Finalized conversations by outcome",
		},
		[]string{"outcome"},
	)

	finalizeEntries := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finalize_entries",
			Help:      "Log entries per finalized conversation",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	jobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_jobs_total",
			Help:      "Processed save-conversation jobs by outcome",
		},
		[]string{"outcome"},
	)

	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_job_duration_seconds",
			Help:      "save-conversation job duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	segmentsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Stitched segments processed by the worker",
		},
		[]string{"speaker", "outcome"},
	)

	rateLimitHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		},
		[]string{"limit_type"},
	)

	// Register all metrics
	registry.MustRegister(
		requestsTotal,
		requestDuration,
		conversationsTotal,
		chunksTotal,
		finalizeTotal,
		finalizeEntries,
		jobsTotal,
		jobDuration,
		segmentsTotal,
		rateLimitHits,
	)

	return &Metrics{
		registry:           registry,
		namespace:          namespace,
		RequestsTotal:      requestsTotal,
		RequestDuration:    requestDuration,
		ConversationsTotal: conversationsTotal,
		ChunksTotal:        chunksTotal,
		FinalizeTotal:      finalizeTotal,
		FinalizeEntries:    finalizeEntries,
		JobsTotal:          jobsTotal,
		JobDuration:        jobDuration,
		SegmentsTotal:      segmentsTotal,
		RateLimitHits:      rateLimitHits,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterGauge exposes a value read at scrape time, such as the number of
// active conversations.
func (m *Metrics) RegisterGauge(name, help string, fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: m.namespace, Name: name, Help: help},
		func() float64 { return float64(fn()) },
	))
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(route string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordConversationStart records a conversation start attempt.
func (m *Metrics) RecordConversationStart(outcome string) {
	m.ConversationsTotal.WithLabelValues(outcome).Inc()
}

// RecordChunk records one audio chunk.
func (m *Metrics) RecordChunk(speaker conversation.Speaker, outcome string) {
	m.ChunksTotal.WithLabelValues(string(speaker), outcome).Inc()
}

// RecordFinalize records a finalized conversation.
func (m *Metrics) RecordFinalize(outcome string, entries int) {
	m.FinalizeTotal.WithLabelValues(outcome).Inc()
	m.FinalizeEntries.Observe(float64(entries))
}

// RecordJob records a processed save-conversation job.
func (m *Metrics) RecordJob(outcome string, d time.Duration) {
	m.JobsTotal.WithLabelValues(outcome).Inc()
	m.JobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordSegment records one processed segment.
func (m *Metrics) RecordSegment(speaker, outcome string) {
	m.SegmentsTotal.WithLabelValues(speaker, outcome).Inc()
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(limitType string) {
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument records request count and latency for a plain request/response
// route. Do not wrap WebSocket routes; the wrapper does not support Hijack.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.RecordRequest(route, sw.status, time.Since(start))
	})
}
