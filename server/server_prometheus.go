package server

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveConns     prometheus.Gauge
	PingsTotal      prometheus.Counter
}

func init() {
	prom.RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dfsrpc",
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "served calls by method and response status",
	}, []string{"method", "status"})
	prom.RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dfsrpc",
		Subsystem: "server",
		Name:      "request_duration_seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"method"})
	prom.ActiveConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dfsrpc",
		Subsystem: "server",
		Name:      "active_connections",
	})
	prom.PingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dfsrpc",
		Subsystem: "server",
		Name:      "pings_total",
	})
}

func PrometheusRegister(registry prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		prom.RequestsTotal,
		prom.RequestDuration,
		prom.ActiveConns,
		prom.PingsTotal,
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}
