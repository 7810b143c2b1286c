// Package metrics provides Prometheus metrics for a mesh node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "meshcore"

// Metrics holds all Prometheus metrics for one node.
type Metrics struct {
	Registry prometheus.Gatherer

	// Transport metrics
	EnvelopesSent     *prometheus.CounterVec
	EnvelopesReceived *prometheus.CounterVec
	EnvelopesDropped  *prometheus.CounterVec
	AuthFailures      prometheus.Counter
	PunchAttempts     prometheus.Counter
	PunchSuccesses    prometheus.Counter
	ShapingDelay      prometheus.Histogram

	// Discovery metrics
	RoutingPeers    prometheus.Gauge
	LookupRounds    prometheus.Histogram
	DiscoveryDrops  prometheus.Counter
	PeersDiscovered prometheus.Counter
	PeersLost       prometheus.Counter

	// Consensus metrics
	Term             prometheus.Gauge
	CommitIndex      prometheus.Gauge
	IsLeader         prometheus.Gauge
	Elections        prometheus.Counter
	ByzantineReports prometheus.Counter
	Exclusions       prometheus.Counter
	Members          prometheus.Gauge
}

// New registers the metrics on reg. A nil reg gets a private registry, so
// several nodes in one process never collide.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		EnvelopesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes handed to the pacer, by envelope type",
		}, []string{"type"}),
		EnvelopesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "envelopes_received_total",
			Help:      "Authenticated envelopes delivered upward, by envelope type",
		}, []string{"type"}),
		EnvelopesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Cells or envelopes dropped at the transport boundary, by reason",
		}, []string{"reason"}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "auth_failures_total",
			Help:      "Messages rejected for a bad or unsupported signature",
		}),
		PunchAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "hole_punch_attempts_total",
			Help:      "Relay-coordinated hole punches started",
		}),
		PunchSuccesses: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "hole_punch_successes_total",
			Help:      "Hole punches that produced a direct path",
		}),
		ShapingDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "shaping_delay_seconds",
			Help:      "Randomized dispatch delay applied to outgoing envelopes",
			Buckets:   []float64{.0005, .001, .005, .01, .02, .05, .1},
		}),

		RoutingPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "routing_peers",
			Help:      "Records in the routing table",
		}),
		LookupRounds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "lookup_rounds",
			Help:      "Rounds used by iterative FIND_NODE lookups",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20},
		}),
		DiscoveryDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "discovery_dropped_total",
			Help:      "Discovery messages dropped as malformed or unverifiable",
		}),
		PeersDiscovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "peers_discovered_total",
			Help:      "Peers added to the routing table",
		}),
		PeersLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "peers_lost_total",
			Help:      "Peers evicted from the routing table",
		}),

		Term: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "consensus_term",
			Help:      "Current consensus term",
		}),
		CommitIndex: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "consensus_commit_index",
			Help:      "Highest committed log index",
		}),
		IsLeader: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "consensus_is_leader",
			Help:      "1 while this node is leader",
		}),
		Elections: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "consensus_elections_total",
			Help:      "Elections started by this node",
		}),
		ByzantineReports: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "byzantine_reports_total",
			Help:      "Byzantine reports filed by this node",
		}),
		Exclusions: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "exclusions_total",
			Help:      "Members excluded by committed reports",
		}),
		Members: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "membership_size",
			Help:      "Non-excluded members in the committed view",
		}),
	}
}
