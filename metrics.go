package tlcp

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a prometheus.Collector exposing per-session counters. A
// Client always has one; register it with a prometheus.Registry to
// export it, e.g. registry.MustRegister(client.MetricsCollector()).
type Metrics struct {
	updatesTotal       *prometheus.CounterVec
	subscriptionErrors *prometheus.CounterVec
	sessionState       prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		updatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tlcp",
			Subsystem: "client",
			Name:      "item_updates_total",
			Help:      "Number of ItemUpdate events delivered, by subscription id.",
		}, []string{"subscription_id"}),
		subscriptionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tlcp",
			Subsystem: "client",
			Name:      "subscription_errors_total",
			Help:      "Number of failed subscriptions (server REQERR, unsupported mode, request or session failure), by subscription id.",
		}, []string{"subscription_id"}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tlcp",
			Subsystem: "client",
			Name:      "session_open",
			Help:      "1 while the session is SESSION_OPEN, 0 otherwise.",
		}),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.updatesTotal.Describe(ch)
	m.subscriptionErrors.Describe(ch)
	m.sessionState.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.updatesTotal.Collect(ch)
	m.subscriptionErrors.Collect(ch)
	m.sessionState.Collect(ch)
}

func (m *Metrics) observeUpdate(subID int) {
	m.updatesTotal.WithLabelValues(strconv.Itoa(subID)).Inc()
}

func (m *Metrics) observeSubscriptionError(subID int) {
	m.subscriptionErrors.WithLabelValues(strconv.Itoa(subID)).Inc()
}

func (m *Metrics) setSessionOpen(open bool) {
	if open {
		m.sessionState.Set(1)
	} else {
		m.sessionState.Set(0)
	}
}

// MetricsCollector returns c's prometheus.Collector for the caller to
// register.
func (c *Client) MetricsCollector() prometheus.Collector {
	return c.metrics
}
