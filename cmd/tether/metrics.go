package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tether/pkg/stream"
)

const metricsNamespace = "tether"

// newMetricsRegistry exports engine statistics read at scrape time.
func newMetricsRegistry(snapshot func() stream.MetricsSnapshot, state func() stream.ConnState) *prometheus.Registry {
	counter := func(name, help string, value func(stream.MetricsSnapshot) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(snapshot()))
		})
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		counter("connection_attempts_total", "Factory invocations.",
			func(m stream.MetricsSnapshot) int64 { return m.Attempts }),
		counter("connections_total", "Streams that became active.",
			func(m stream.MetricsSnapshot) int64 { return m.Connects }),
		counter("failures_total", "Classified connection failures.",
			func(m stream.MetricsSnapshot) int64 { return m.Failures }),
		counter("retries_total", "Backoff timers armed.",
			func(m stream.MetricsSnapshot) int64 { return m.Retries }),
		counter("credential_refreshes_total", "Credential-refresh hook invocations.",
			func(m stream.MetricsSnapshot) int64 { return m.Refreshes }),
		counter("sends_total", "Sends checked against the rate limit.",
			func(m stream.MetricsSnapshot) int64 { return m.Sends }),
		counter("sends_denied_total", "Sends abandoned while waiting for the rate limit.",
			func(m stream.MetricsSnapshot) int64 { return m.SendsDenied }),
		counter("stale_discards_total", "Async results dropped for a superseded generation.",
			func(m stream.MetricsSnapshot) int64 { return m.StaleDiscards }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state",
			Help:      "Engine state: 0 connecting, 1 connected, 2 awaiting retry, 3 disconnected, 4 disposed.",
		}, func() float64 {
			return float64(state())
		}),
	)
	return registry
}

func newMetricsServer(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
