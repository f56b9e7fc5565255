package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "xdp_ticker"

var (
	PacketsPolled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_polled_total",
			Help:      "Packets returned by the packet source.",
		},
		[]string{"feed"},
	)

	PacketsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dispatched_total",
			Help:      "Packets handed to a session protocol processor.",
		},
		[]string{"feed", "session"},
	)

	PollErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Poll results other than a packet, by kind (timeout/interrupted/fatal).",
		},
		[]string{"feed", "kind"},
	)

	Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events delivered to the sink, by kind.",
		},
		[]string{"feed", "kind"},
	)

	MissingPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missing_packets_total",
			Help:      "Sequence numbers skipped by detected gaps.",
		},
		[]string{"feed", "session"},
	)

	SubscriptionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_failures_total",
			Help:      "Per-product subscription failures (non-fatal).",
		},
		[]string{"feed"},
	)

	ActiveSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions left after trimming.",
		},
		[]string{"feed"},
	)

	PublishDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_dropped_total",
			Help:      "Events not forwarded by a downstream sink, by reason.",
		},
		[]string{"sink", "reason"},
	)

	CBState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state (0/1).",
		},
		[]string{"sink", "state"}, // state: closed/open/half_open
	)
)

var registerOnce sync.Once

// MustRegister adds the collectors to the default registry once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PacketsPolled,
			PacketsDispatched,
			PollErrors,
			Events,
			MissingPackets,
			SubscriptionFailures,
			ActiveSessions,
			PublishDropped,
			CBState,
			DbQueryDuration,
			RedisCmdDuration,
			WSConns,
			WSMsgsOut,
			WSDropped,
		)
	})
}
