package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainproxy"

// Register exposes the collector's counters on reg.  The values are
// read from the atomics at scrape time.
func (c *Collector) Register(reg prometheus.Registerer) error {
	counter := func(name, help string, fn func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		}, func() float64 { return float64(fn()) })
	}
	gauge := func(name, help string, fn func() int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help,
		}, func() float64 { return float64(fn()) })
	}

	for _, col := range []prometheus.Collector{
		gauge("connections_active", "Client connections currently relayed.", c.ActiveConnections),
		counter("connections_total", "Client connections accepted.", c.TotalConnections),
		counter("bytes_received_total", "Bytes read from clients.", c.TotalBytesIn),
		counter("bytes_sent_total", "Bytes written to clients.", c.TotalBytesOut),
		gauge("sessions_active", "Live HTTP sessions.", c.ActiveSessions),
		counter("sessions_expired_total", "HTTP sessions evicted for inactivity.", c.ExpiredSessions),
		counter("tunnel_reconnects_total", "SSH tunnel reconnections.", c.TunnelReconnects),
		counter("errors_total", "Connection-fatal errors.", c.ErrorCount),
	} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the collector and the standard
// Go runtime and process collectors.
func (c *Collector) NewRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := c.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Handler serves /metrics in the Prometheus text format and /stats as
// the JSON snapshot.
func (c *Collector) Handler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(c.JSON())) //nolint:errcheck
	})
	return mux
}
