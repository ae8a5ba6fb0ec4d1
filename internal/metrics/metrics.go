package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "imgate"

// Delivery outcome labels.
const (
	OutcomeLocal  = "local"
	OutcomeRemote = "remote"
	OutcomeQueued = "queued"
	OutcomeFailed = "failed"
)

// Metrics groups the gateway's prometheus collectors.
type Metrics struct {
	Sessions          prometheus.Gauge
	FramesReceived    *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	RelayRequests     *prometheus.CounterVec
	OfflineEnqueued   *prometheus.CounterVec
	OfflineReplayed   prometheus.Counter
	OfflineExpired    prometheus.Counter
	FanoutMembers     prometheus.Histogram
	FanoutRejected    *prometheus.CounterVec
	DirectoryAlarm    prometheus.Gauge
	HeartbeatFailures prometheus.Counter
	PresenceFailures  prometheus.Counter
}

// New registers the collectors with reg. A nil registerer yields unregistered
// collectors, which is what tests and embedded components use.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live sessions bound on this node.",
		}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound client frames by decoded kind.",
		}, []string{"kind"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-recipient delivery attempts by outcome.",
		}, []string{"outcome"}),
		RelayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Cross-node delivery hops by result.",
		}, []string{"result"}),
		OfflineEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_enqueued_total",
			Help:      "Offline queue entries created, by kind.",
		}, []string{"kind"}),
		OfflineReplayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_replayed_total",
			Help:      "Offline entries replayed to a reconnecting recipient.",
		}),
		OfflineExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_expired_total",
			Help:      "Offline entries dropped after the retention TTL.",
		}),
		FanoutMembers: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_members",
			Help:      "Resolved member count per group fanout.",
			Buckets:   prometheus.ExponentialBuckets(2, 2, 10),
		}),
		FanoutRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_rejected_total",
			Help:      "Group fanouts that did not run in realtime, by reason.",
		}, []string{"reason"}),
		DirectoryAlarm: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_alarm",
			Help:      "1 while the node has missed too many directory heartbeats.",
		}),
		HeartbeatFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_heartbeat_failures_total",
			Help:      "Failed directory heartbeat ticks.",
		}),
		PresenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_publish_failures_total",
			Help:      "Failed user directory presence updates.",
		}),
	}
}

// OrNop returns m, or an unregistered set when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}
