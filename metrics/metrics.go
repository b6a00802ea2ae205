package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the relay
type Metrics struct {
	// Feed metrics
	SignalsPublished    *prometheus.CounterVec
	SignalsDuplicate    prometheus.Counter
	SignalsDelivered    *prometheus.CounterVec
	SignalsDropped      *prometheus.CounterVec
	PublishFailures     prometheus.Counter
	SignalsPruned       prometheus.Counter
	ActiveSubscriptions prometheus.Gauge

	// Link metrics
	ActiveLinks       prometheus.Gauge
	LinksAccepted     prometheus.Counter
	HandshakeFailures prometheus.Counter
	WebSocketClients  prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all relay metrics and registers them with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Feed metrics
		SignalsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talkfeed_signals_published_total",
			Help: "Total number of signals accepted into the feed",
		}, []string{"type"}),
		SignalsDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkfeed_signals_duplicate_total",
			Help: "Total number of publishes ignored because the signal ID was already stored",
		}),
		SignalsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talkfeed_signals_delivered_total",
			Help: "Total number of signals queued to subscribers",
		}, []string{"column"}),
		SignalsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talkfeed_signals_dropped_total",
			Help: "Total number of signals dropped for a slow subscriber",
		}, []string{"column"}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkfeed_publish_failures_total",
			Help: "Total number of publishes rejected or failed at the relay",
		}),
		SignalsPruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkfeed_signals_pruned_total",
			Help: "Total number of stored signals removed by retention",
		}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "talkfeed_active_subscriptions",
			Help: "Current number of live feed subscriptions",
		}),

		// Link metrics
		ActiveLinks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "talkfeed_active_links",
			Help: "Current number of connected participant links",
		}),
		LinksAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkfeed_links_accepted_total",
			Help: "Total number of participant links that completed the handshake",
		}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkfeed_handshake_failures_total",
			Help: "Total number of rejected or failed link handshakes",
		}),
		WebSocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "talkfeed_websocket_clients",
			Help: "Current number of WebSocket feed gateway clients",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talkfeed_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "talkfeed_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordPublished counts a signal accepted into the feed
func (m *Metrics) RecordPublished(signalType string) {
	m.SignalsPublished.WithLabelValues(signalType).Inc()
}

// RecordDuplicate counts an idempotent re-publish
func (m *Metrics) RecordDuplicate() {
	m.SignalsDuplicate.Inc()
}

// RecordDelivered counts one signal queued to a subscriber
func (m *Metrics) RecordDelivered(column string) {
	m.SignalsDelivered.WithLabelValues(column).Inc()
}

// RecordDropped counts one signal dropped for a slow subscriber
func (m *Metrics) RecordDropped(column string) {
	m.SignalsDropped.WithLabelValues(column).Inc()
}

// RecordPublishFailure counts a failed publish
func (m *Metrics) RecordPublishFailure() {
	m.PublishFailures.Inc()
}

// RecordPruned adds rows removed by retention
func (m *Metrics) RecordPruned(rows int64) {
	m.SignalsPruned.Add(float64(rows))
}

// SetActiveSubscriptions sets the live subscription count
func (m *Metrics) SetActiveSubscriptions(count int) {
	m.ActiveSubscriptions.Set(float64(count))
}

// RecordLinkOpened tracks a newly handshaked link
func (m *Metrics) RecordLinkOpened() {
	m.LinksAccepted.Inc()
	m.ActiveLinks.Inc()
}

// RecordLinkClosed tracks a link going away
func (m *Metrics) RecordLinkClosed() {
	m.ActiveLinks.Dec()
}

// RecordHandshakeFailure counts a failed handshake
func (m *Metrics) RecordHandshakeFailure() {
	m.HandshakeFailures.Inc()
}

// RecordWebSocketOpened tracks a gateway client connecting
func (m *Metrics) RecordWebSocketOpened() {
	m.WebSocketClients.Inc()
}

// RecordWebSocketClosed tracks a gateway client leaving
func (m *Metrics) RecordWebSocketClosed() {
	m.WebSocketClients.Dec()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
