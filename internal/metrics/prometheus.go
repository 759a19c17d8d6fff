package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice gateway
type Metrics struct {
	// Admission metrics
	ActiveSlots         prometheus.Gauge
	AdmissionsAccepted  prometheus.Counter
	AdmissionsRejected  prometheus.Counter
	SlotsReleased       *prometheus.CounterVec

	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsClosed   prometheus.Counter
	SessionsErrored  prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Frame metrics
	FramesReceived  prometheus.Counter
	FramesForwarded prometheus.Counter
	FramesDropped   *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitRejections *prometheus.CounterVec
	CooldownsInstalled  prometheus.Counter

	// Normalizer metrics
	TranscodeAttempts  prometheus.Counter
	TranscodeFailures  prometheus.Counter
	TranscodeDuration  prometheus.Histogram

	// Provider metrics
	ProviderSessionsStarted prometheus.Counter
	ProviderSessionsFailed  prometheus.Counter
	ProviderEvents          *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Admission metrics
		ActiveSlots: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vgw_active_slots",
			Help: "Current number of admitted streaming connections",
		}),
		AdmissionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vgw_admissions_accepted_total",
			Help: "Total number of connections granted a slot",
		}),
		AdmissionsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vgw_admissions_rejected_total",
			Help: "Total number of connections rejected for capacity",
		}),
		SlotsReleased: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vgw_slots_released_total",
			Help: "Total number of slots released, by reason",
		}, []string{"reason"}),

		// Session metrics
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vgw_sessions_started_total",
			Help: "Total number of streaming sessions that reached the streaming state",
		}),
		SessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vgw_sessions_closed_total",
			Help: "Total number of streaming sessions torn down",
		}),
		SessionsErrored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vgw_sessions_errored_total",
			Help: "Total number of streaming sessions that ended in the errored state",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vgw_session_duration_seconds",
			Help:    "Duration of streaming sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		// Frame metrics
		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vgw_frames_received_total",
			Help: "Total number of inbound audio frames received",
		}),
		FramesForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vgw_frames_forwarded_total",
			Help: "Total number of audio frames forwarded to the provider",
		}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vgw_frames_dropped_total",
			Help: "Total number of audio frames dropped, by reason",
		}, []string{"reason"}),

		// Rate limiter metrics
		RateLimitRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vgw_rate_limit_rejections_total",
			Help: "Total number of rate limiter rejections, by reason",
		}, []string{"reason"}),
		CooldownsInstalled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vgw_cooldowns_installed_total",
			Help: "Total number of cooldown penalties installed",
		}),

		// Normalizer metrics
		TranscodeAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vgw_transcode_attempts_total",
			Help: "Total number of frames routed through the external transcoder",
		}),
		TranscodeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vgw_transcode_failures_total",
			Help: "Total number of transcode attempts that fell back to pass-through",
		}),
		TranscodeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vgw_transcode_duration_seconds",
			Help:    "Time spent in the external transcoder per frame",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		}),

		// Provider metrics
		ProviderSessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vgw_provider_sessions_started_total",
			Help: "Total number of provider transcription sessions started",
		}),
		ProviderSessionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vgw_provider_sessions_failed_total",
			Help: "Total number of provider transcription sessions that failed to start",
		}),
		ProviderEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vgw_provider_events_total",
			Help: "Total number of events received from the provider, by type",
		}, []string{"type"}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vgw_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vgw_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vgw_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveSlots sets the current number of admitted connections
func (m *Metrics) SetActiveSlots(count int) {
	m.ActiveSlots.Set(float64(count))
}

// RecordAdmissionAccepted increments the accepted admissions counter
func (m *Metrics) RecordAdmissionAccepted() {
	m.AdmissionsAccepted.Inc()
}

// RecordAdmissionRejected increments the rejected admissions counter
func (m *Metrics) RecordAdmissionRejected() {
	m.AdmissionsRejected.Inc()
}

// RecordSlotReleased records a slot release with its reason
func (m *Metrics) RecordSlotReleased(reason string) {
	m.SlotsReleased.WithLabelValues(reason).Inc()
}

// RecordSessionStarted increments the started sessions counter
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// RecordSessionClosed records a completed session and its duration
func (m *Metrics) RecordSessionClosed(durationSeconds float64, errored bool) {
	m.SessionsClosed.Inc()
	m.SessionDuration.Observe(durationSeconds)
	if errored {
		m.SessionsErrored.Inc()
	}
}

// RecordFrameReceived increments the received frames counter
func (m *Metrics) RecordFrameReceived() {
	m.FramesReceived.Inc()
}

// RecordFrameForwarded increments the forwarded frames counter
func (m *Metrics) RecordFrameForwarded() {
	m.FramesForwarded.Inc()
}

// RecordFrameDropped records a dropped frame with its reason
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordRateLimitRejection records a rate limiter rejection with its reason
func (m *Metrics) RecordRateLimitRejection(reason string) {
	m.RateLimitRejections.WithLabelValues(reason).Inc()
}

// RecordCooldownInstalled increments the cooldowns installed counter
func (m *Metrics) RecordCooldownInstalled() {
	m.CooldownsInstalled.Inc()
}

// RecordTranscode records a transcode attempt with its duration and outcome
func (m *Metrics) RecordTranscode(durationSeconds float64, failed bool) {
	m.TranscodeAttempts.Inc()
	m.TranscodeDuration.Observe(durationSeconds)
	if failed {
		m.TranscodeFailures.Inc()
	}
}

// RecordProviderSessionStarted increments the provider sessions counter
func (m *Metrics) RecordProviderSessionStarted() {
	m.ProviderSessionsStarted.Inc()
}

// RecordProviderSessionFailed increments the failed provider sessions counter
func (m *Metrics) RecordProviderSessionFailed() {
	m.ProviderSessionsFailed.Inc()
}

// RecordProviderEvent records a provider event with its type
func (m *Metrics) RecordProviderEvent(eventType string) {
	m.ProviderEvents.WithLabelValues(eventType).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
