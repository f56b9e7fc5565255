package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DbQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "db_query_duration_seconds",
		Help:      "Symbol store query latency",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms ~ 16s
	}, []string{"query", "status"})

	RedisCmdDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "redis_cmd_duration_seconds",
		Help:      "Quote cache command latency",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"cmd", "status"})

	WSConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_conns",
		Help:      "Active websocket tap connections",
	})

	WSMsgsOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_msgs_out_total",
		Help:      "Messages written to websocket tap clients",
	})

	WSDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_dropped_total",
		Help:      "Websocket tap messages dropped",
	}, []string{"why"})
)

// ObserveSince records the time spent since start under the given labels.
func ObserveSince(h *prometheus.HistogramVec, start time.Time, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	h.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}
