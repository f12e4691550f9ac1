package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "transcription_gateway"

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of registered transcription sessions",
	})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total number of transcription sessions started",
	}, []string{"provider"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Duration of transcription sessions in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Result metrics
	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "results_total",
		Help:      "Total number of result items delivered, by status",
	}, []string{"status"})

	// Audio metrics
	framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_sent_total",
		Help:      "Audio frames accepted by the recognition channel, by frame tier",
	}, []string{"tier"})

	frameRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frame_retries_total",
		Help:      "Audio sends retried with a smaller frame size",
	})

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_bytes_total",
		Help:      "Total audio bytes processed",
	}, []string{"direction"}) // direction: "client" from clients, "upstream" to the provider

	// Teardown metrics
	teardownTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "teardown_timeouts_total",
		Help:      "Teardown steps that exceeded their bounded wait",
	}, []string{"step"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_failures_total",
		Help:      "Total circuit breaker failures",
	}, []string{"service"})

	// Kafka metrics
	kafkaPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "kafka_publish_total",
		Help:      "Transcript events published, by topic and status",
	}, []string{"topic", "status"})

	kafkaEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "kafka_events_dropped_total",
		Help:      "Transcript events dropped because the publish queue was full",
	})

	kafkaPublishLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "kafka_publish_latency_seconds",
		Help:      "Latency of transcript event publishing",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"topic"})
)

// SessionMetrics tracks metrics for a single transcription session
type SessionMetrics struct {
	provider  string
	startTime time.Time

	mu    sync.Mutex
	ended bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(provider string) *SessionMetrics {
	return &SessionMetrics{
		provider:  provider,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	sessionsTotal.WithLabelValues(m.provider).Inc()
}

// RecordSessionEnd records the end of a session. Later calls are ignored.
func (m *SessionMetrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordResult records one delivered result item
func (m *SessionMetrics) RecordResult(status string) {
	resultsTotal.WithLabelValues(status).Inc()
}

// RecordFrames records frames accepted at the given tier
func (m *SessionMetrics) RecordFrames(tier string, frames int) {
	framesSent.WithLabelValues(tier).Add(float64(frames))
}

// RecordFrameRetry records a fallback to a smaller frame tier
func (m *SessionMetrics) RecordFrameRetry() {
	frameRetries.Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordAudioBytes records audio bytes processed
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int64) {
	RecordAudioBytes(direction, bytes)
}

// RecordError records an error outside of a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes outside of a session
func RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordTeardownTimeout records a teardown step that hit its bounded wait
func RecordTeardownTimeout(step string) {
	teardownTimeouts.WithLabelValues(step).Inc()
}

// RecordKafkaPublish records the outcome of one transcript event publish
func RecordKafkaPublish(topic string, err error, seconds float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	kafkaPublishTotal.WithLabelValues(topic, status).Inc()
	kafkaPublishLatency.WithLabelValues(topic).Observe(seconds)
}

// RecordEventDropped records a transcript event dropped before publishing
func RecordEventDropped() {
	kafkaEventsDropped.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
