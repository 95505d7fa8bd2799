package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
// All record methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Signaling Metrics
	signalsSentTotal    *prometheus.CounterVec
	signalsDroppedTotal *prometheus.CounterVec
	presenceOnline      prometheus.Gauge

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec
	missedCallsTotal *prometheus.CounterVec

	// Peer Connection Metrics
	peerConnectionsActive prometheus.Gauge
	renegotiationsTotal   prometheus.Counter
	negotiationFailures   *prometheus.CounterVec

	// Media Metrics
	captureErrorsTotal *prometheus.CounterVec
	trackSwapsTotal    *prometheus.CounterVec

	// Store Metrics
	storeQueryDuration *prometheus.HistogramVec
	storeQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry labelled with the service name
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		// HTTP Request Metrics
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		// WebSocket Metrics
		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of open relay WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of relay WebSocket frames",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of relay WebSocket errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),

		// Signaling Metrics
		signalsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signals_sent_total",
				Help:        "Total number of signals published",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		signalsDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signals_dropped_total",
				Help:        "Total number of signals dropped before delivery",
				ConstLabels: labels,
			},
			[]string{"type", "reason"},
		),
		presenceOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "presence_online",
				Help:        "Number of users currently present",
				ConstLabels: labels,
			},
		),

		// Call Metrics
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls",
				ConstLabels: labels,
			},
			[]string{"direction", "status"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of currently active calls",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 300, 600, 1800, 3600},
			},
			[]string{"kind"},
		),
		callsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of failed calls",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		missedCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "missed_calls_total",
				Help:        "Total number of missed-call records",
				ConstLabels: labels,
			},
			[]string{"status"},
		),

		// Peer Connection Metrics
		peerConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "peer_connections_active",
				Help:        "Number of open peer connections",
				ConstLabels: labels,
			},
		),
		renegotiationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "renegotiations_total",
				Help:        "Total number of renegotiation offers sent",
				ConstLabels: labels,
			},
		),
		negotiationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "negotiation_failures_total",
				Help:        "Total number of failed offer/answer exchanges",
				ConstLabels: labels,
			},
			[]string{"stage"},
		),

		// Media Metrics
		captureErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "capture_errors_total",
				Help:        "Total number of failed capture attempts",
				ConstLabels: labels,
			},
			[]string{"source"},
		),
		trackSwapsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "track_swaps_total",
				Help:        "Total number of outbound track replacements",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),

		// Store Metrics
		storeQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "store_query_duration_seconds",
				Help:        "Store query latency in seconds",
				ConstLabels: labels,
				Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"store", "operation"},
		),
		storeQueryErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "store_query_errors_total",
				Help:        "Total number of failed store queries",
				ConstLabels: labels,
			},
			[]string{"store", "operation"},
		),
	}

	return m
}

// GetRegistry returns the registry the metrics are registered on
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// WebSocket Metrics Methods

func (m *Metrics) SetWebSocketConnections(count int) {
	if m == nil {
		return
	}
	m.websocketConnections.Set(float64(count))
}

func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

func (m *Metrics) RecordWebSocketError(err string) {
	if m == nil {
		return
	}
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// Signaling Metrics Methods

func (m *Metrics) RecordSignalSent(signalType string) {
	if m == nil {
		return
	}
	m.signalsSentTotal.WithLabelValues(signalType).Inc()
}

func (m *Metrics) RecordSignalDropped(signalType, reason string) {
	if m == nil {
		return
	}
	m.signalsDroppedTotal.WithLabelValues(signalType, reason).Inc()
}

func (m *Metrics) SetPresenceOnline(count int) {
	if m == nil {
		return
	}
	m.presenceOnline.Set(float64(count))
}

// Call Metrics Methods

func (m *Metrics) RecordCall(direction, status string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(direction, status).Inc()
}

func (m *Metrics) SetActiveCalls(count int) {
	if m == nil {
		return
	}
	m.callsActive.Set(float64(count))
}

func (m *Metrics) RecordCallDuration(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordCallFailure(reason string) {
	if m == nil {
		return
	}
	m.callsFailedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordMissedCall(status string) {
	if m == nil {
		return
	}
	m.missedCallsTotal.WithLabelValues(status).Inc()
}

// Peer Connection Metrics Methods

func (m *Metrics) SetPeerConnections(count int) {
	if m == nil {
		return
	}
	m.peerConnectionsActive.Set(float64(count))
}

func (m *Metrics) RecordRenegotiation() {
	if m == nil {
		return
	}
	m.renegotiationsTotal.Inc()
}

func (m *Metrics) RecordNegotiationFailure(stage string) {
	if m == nil {
		return
	}
	m.negotiationFailures.WithLabelValues(stage).Inc()
}

// Media Metrics Methods

func (m *Metrics) RecordCaptureError(source string) {
	if m == nil {
		return
	}
	m.captureErrorsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordTrackSwap(kind string) {
	if m == nil {
		return
	}
	m.trackSwapsTotal.WithLabelValues(kind).Inc()
}

// Store Metrics Methods

func (m *Metrics) RecordStoreQuery(store, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.storeQueryDuration.WithLabelValues(store, operation).Observe(duration.Seconds())
	if err != nil {
		m.storeQueryErrors.WithLabelValues(store, operation).Inc()
	}
}
