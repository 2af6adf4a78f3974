// Package metrics holds the service collectors on a private registry so several services can live in
// one process (tests start many).
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Records        prometheus.GaugeFunc
	Sessions       prometheus.Gauge
	Broadcasts     prometheus.Counter
	Requests       *prometheus.CounterVec
	LifecycleState prometheus.Gauge
}

// New registers the collectors. records is sampled on every scrape.
func New(records func() int) *Metrics {
	if records == nil {
		records = func() int { return 0 }
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Records: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "recordsync_records",
			Help: "Number of records currently held in the store.",
		}, func() float64 { return float64(records()) }),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recordsync_duplex_sessions",
			Help: "Number of open duplex sessions.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordsync_broadcasts_total",
			Help: "Number of messages published on the broadcast hub.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordsync_http_requests_total",
			Help: "Handled HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		LifecycleState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recordsync_lifecycle_state",
			Help: "Current lifecycle state (0 stopped, 1 starting, 2 running, 3 stopping, 4 error).",
		}),
	}
	m.registry.MustRegister(
		m.Records, m.Sessions, m.Broadcasts, m.Requests, m.LifecycleState,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) ObserveRequest(method string, code int) {
	m.Requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
