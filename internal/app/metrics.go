package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus-backed observability surface. It implements
// realtime.Metrics for the fanout path and chat.Metrics for the
// ingestion pipeline.
type Metrics struct {
	registry *prometheus.Registry

	onlineUsers     prometheus.Gauge
	liveConnections prometheus.Gauge

	envelopesDelivered prometheus.Counter
	envelopesDropped   prometheus.Counter
	messagesPersisted  prometheus.Counter

	httpDuration *prometheus.HistogramVec
}

// NewMetrics constructs and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aura_online_users",
			Help: "Distinct users with at least one live websocket session.",
		}),
		liveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aura_live_connections",
			Help: "Open websocket sessions.",
		}),
		envelopesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aura_envelopes_delivered_total",
			Help: "Envelopes enqueued to live sessions.",
		}),
		envelopesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aura_envelopes_dropped_total",
			Help: "Envelopes dropped due to session backpressure.",
		}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aura_messages_persisted_total",
			Help: "Messages durably stored by the ingestion pipeline.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aura_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}

	reg.MustRegister(
		m.onlineUsers,
		m.liveConnections,
		m.envelopesDelivered,
		m.envelopesDropped,
		m.messagesPersisted,
		m.httpDuration,
	)
	return m
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// realtime.Metrics implementation.

func (m *Metrics) ConnOpened()          { m.liveConnections.Inc() }
func (m *Metrics) ConnClosed()          { m.liveConnections.Dec() }
func (m *Metrics) SetOnlineUsers(n int) { m.onlineUsers.Set(float64(n)) }
func (m *Metrics) EnvelopeDelivered()   { m.envelopesDelivered.Inc() }
func (m *Metrics) EnvelopeDropped()     { m.envelopesDropped.Inc() }

// chat.Metrics implementation.

func (m *Metrics) MessagePersisted() { m.messagesPersisted.Inc() }

// ObserveHTTP records one request into the latency histogram.
func (m *Metrics) ObserveHTTP(method string, status int, elapsed time.Duration) {
	m.httpDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
