package client

import (
	"dfs-rpc/rpcerr"

	"github.com/prometheus/client_golang/prometheus"
)

var prom struct {
	CallsTotal      *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	RetriesTotal    prometheus.Counter
	ConnectsTotal   *prometheus.CounterVec
	QueuedCalls     prometheus.Gauge
	DisconnectTotal prometheus.Counter
}

func init() {
	prom.CallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dfsrpc",
		Subsystem: "client",
		Name:      "calls_total",
		Help:      "completed calls by method and outcome",
	}, []string{"method", "outcome"})
	prom.CallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dfsrpc",
		Subsystem: "client",
		Name:      "call_duration_seconds",
		Help:      "time from AsyncRPC to callback, retries included",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"method"})
	prom.RetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dfsrpc",
		Subsystem: "client",
		Name:      "retries_total",
		Help:      "reconnects scheduled by the retry policy",
	})
	prom.ConnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dfsrpc",
		Subsystem: "client",
		Name:      "connects_total",
		Help:      "connection attempts by outcome",
	}, []string{"outcome"})
	prom.QueuedCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dfsrpc",
		Subsystem: "client",
		Name:      "queued_calls",
		Help:      "calls waiting for a connection",
	})
	prom.DisconnectTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dfsrpc",
		Subsystem: "client",
		Name:      "disconnects_total",
		Help:      "connections lost or failed",
	})
}

func PrometheusRegister(registry prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		prom.CallsTotal,
		prom.CallDuration,
		prom.RetriesTotal,
		prom.ConnectsTotal,
		prom.QueuedCalls,
		prom.DisconnectTotal,
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch rpcerr.KindOf(err) {
	case rpcerr.KindServer:
		return "server_error"
	case rpcerr.KindRetriesExhausted:
		return "connection_failure"
	case rpcerr.KindTimeout:
		return "timeout"
	case rpcerr.KindCanceled:
		return "canceled"
	case rpcerr.KindShutdown:
		return "shutdown"
	case rpcerr.KindProtocol:
		return "decode_error"
	}
	return "other"
}
