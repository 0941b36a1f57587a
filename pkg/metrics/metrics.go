// Package metrics defines the process's Prometheus instruments on a
// dedicated registry. The Observer keeps them in step with the live system:
// event-shaped instruments follow bus traffic, level-shaped instruments are
// sampled on an interval from the store and the component counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument, registered on its own registry so tests
// and embedders never collide with the global default.
type Metrics struct {
	Registry *prometheus.Registry

	AgentsLive        *prometheus.GaugeVec
	TeamsRunning      prometheus.Gauge
	EventsPublished   *prometheus.CounterVec
	EventsDropped     prometheus.Counter
	BudgetDenials     prometheus.Counter
	GatewayReconnects prometheus.Counter
	RPCDuration       *prometheus.HistogramVec
}

// New creates and registers all instruments plus the standard Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		AgentsLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agents_live",
			Help: "Live agents by lifecycle state.",
		}, []string{"state"}),

		TeamsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "teams_running",
			Help: "Teams currently in the running status.",
		}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Events published on the bus by type.",
		}, []string{"type"}),

		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Events evicted from async subscriber queues.",
		}),

		BudgetDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "budget_denials_total",
			Help: "Denied budget debits and refused spawn authorizations.",
		}),

		GatewayReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_reconnects_total",
			Help: "Gateway reconnect attempts.",
		}),

		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpc_duration_seconds",
			Help:    "Gateway RPC round-trip duration by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}

	m.Registry.MustRegister(
		m.AgentsLive,
		m.TeamsRunning,
		m.EventsPublished,
		m.EventsDropped,
		m.BudgetDenials,
		m.GatewayReconnects,
		m.RPCDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveRPC records one gateway round-trip. Shaped to plug straight into
// the gateway client's OnRPC hook.
func (m *Metrics) ObserveRPC(method string, elapsed time.Duration) {
	m.RPCDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
