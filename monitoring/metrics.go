// Package monitoring provides Prometheus metrics for the gossip layer.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a node.
type Metrics struct {
	// Gossip metrics
	GossipReceived      *prometheus.CounterVec
	GossipDelivered     *prometheus.CounterVec
	DuplicatesDropped   prometheus.Counter
	ValidationFailures  *prometheus.CounterVec
	MessagesForwarded   prometheus.Counter
	ForwardFailures     prometheus.Counter
	BroadcastsTotal     *prometheus.CounterVec
	SubscriberFailures  *prometheus.CounterVec
	DedupCacheSize      prometheus.Gauge
	DedupCacheEvictions prometheus.Counter

	// Peer metrics
	PeerCount      prometheus.Gauge
	PeersAdded     prometheus.Counter
	PeersRemoved   *prometheus.CounterVec
	PeersRejected  prometheus.Counter
	DialFailures   prometheus.Counter
	MalformedFrame prometheus.Counter
	QueueOverflows prometheus.Counter

	// Request metrics
	RequestFailures *prometheus.CounterVec
	RequestLatency  *prometheus.HistogramVec

	// Discovery metrics
	DiscoveryRounds prometheus.Counter
}

// NewMetrics creates a new Metrics instance registered on reg.
// A nil reg creates a private registry so that several nodes can share a process.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		GossipReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_received_total",
			Help:      "Total number of gossip envelopes received from peers",
		}, []string{"topic"}),
		GossipDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_delivered_total",
			Help:      "Total number of gossip payloads delivered to local subscribers",
		}, []string{"topic"}),
		DuplicatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_duplicates_total",
			Help:      "Total number of gossip envelopes dropped as already seen",
		}),
		ValidationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_invalid_total",
			Help:      "Total number of gossip envelopes dropped by validation",
		}, []string{"reason"}),
		MessagesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_forwarded_total",
			Help:      "Total number of per-peer gossip sends, including local broadcasts",
		}),
		ForwardFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_forward_failures_total",
			Help:      "Total number of per-peer gossip sends that failed",
		}),
		BroadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_broadcasts_total",
			Help:      "Total number of locally originated broadcasts",
		}, []string{"topic"}),
		SubscriberFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_failures_total",
			Help:      "Total number of subscriber callbacks that failed or panicked",
		}, []string{"topic"}),
		DedupCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_cache_size",
			Help:      "Current number of tracked message ids",
		}),
		DedupCacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_cache_evictions_total",
			Help:      "Total number of message ids evicted after TTL",
		}),

		PeerCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Current number of connected peers",
		}),
		PeersAdded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_added_total",
			Help:      "Total number of peers admitted to the peer set",
		}),
		PeersRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_removed_total",
			Help:      "Total number of peers removed from the peer set by reason",
		}, []string{"reason"}),
		PeersRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_rejected_total",
			Help:      "Total number of connections rejected because the peer set was full or duplicate",
		}),
		DialFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Total number of failed outbound connection attempts",
		}),
		MalformedFrame: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Total number of inbound frames dropped as undecodable",
		}),
		QueueOverflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_queue_overflows_total",
			Help:      "Total number of envelopes dropped because a peer's outbound queue was full",
		}),

		RequestFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_failures_total",
			Help:      "Total number of failed correlated requests by kind",
		}, []string{"kind"}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Correlated request round-trip latency by kind",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"kind"}),

		DiscoveryRounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_rounds_total",
			Help:      "Total number of discovery passes over known peers",
		}),
	}
}

// RecordRequest records a correlated request outcome.
func (m *Metrics) RecordRequest(kind string, err error, duration time.Duration) {
	if err != nil {
		m.RequestFailures.WithLabelValues(kind).Inc()
		return
	}
	m.RequestLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordForward records the outcome of a fan-out.
func (m *Metrics) RecordForward(sent, failed int) {
	m.MessagesForwarded.Add(float64(sent))
	m.ForwardFailures.Add(float64(failed))
}

// UpdatePeerCount updates the peer gauge.
func (m *Metrics) UpdatePeerCount(count int) {
	m.PeerCount.Set(float64(count))
}

// UpdateDedupCache updates cache gauges after an eviction sweep.
func (m *Metrics) UpdateDedupCache(size, evicted int) {
	m.DedupCacheSize.Set(float64(size))
	m.DedupCacheEvictions.Add(float64(evicted))
}
