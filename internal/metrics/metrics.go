// Package metrics defines all Prometheus metrics for edgedns-proxy's client query resolution core.
// All metrics use the "edgedns" namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "edgedns"

var (
	// InflightQueries is a gauge of PendingQueries currently awaiting an upstream response.
	InflightQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_queries",
		Help:      "Number of PendingQueries currently awaiting an upstream response.",
	})

	// ClientQueriesOffline counts client queries degraded to a stale cache hit or SERVFAIL because
	// every candidate upstream was unreachable.
	ClientQueriesOffline = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_queries_offline_total",
		Help:      "Total client queries degraded to stale cache or SERVFAIL.",
	})

	// UpstreamSent counts packets sent to an upstream, by attempt kind (primary, retry). Probe sends
	// are counted separately in ProbesSent.
	UpstreamSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_sent_total",
		Help:      "Total packets sent to upstream servers, by attempt kind.",
	}, []string{"kind"})

	// UpstreamTimeout counts per-attempt timeouts, by attempt kind (primary, retry).
	UpstreamTimeout = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_timeout_total",
		Help:      "Total per-attempt timeouts, by attempt kind.",
	}, []string{"kind"})

	// UpstreamFailures counts record_failure calls, by upstream address.
	UpstreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_failures_total",
		Help:      "Total recorded failures, by upstream address.",
	}, []string{"upstream"})

	// UpstreamLive is set to 1 for an upstream each time one of its answers is delivered. It is not
	// set back to 0 when the upstream leaves the live-set, so it does not report offline servers.
	UpstreamLive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_live",
		Help:      "Set to 1 when an answer from this upstream is delivered; not reset when it goes offline.",
	}, []string{"upstream"})

	// ProbesSent counts opportunistic probes sent to offline upstreams.
	ProbesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probes_sent_total",
		Help:      "Total opportunistic probes sent to offline upstreams.",
	}, []string{"upstream"})

	// CoalesceHits counts client queries that attached to an existing PendingQuery instead of
	// triggering a new upstream send.
	CoalesceHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coalesce_hits_total",
		Help:      "Total client queries coalesced onto an existing in-flight attempt.",
	})

	// PendingEvictions counts admission-control evictions of a pending entry.
	PendingEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pending_evictions_total",
		Help:      "Total pending entries evicted under admission pressure.",
	})

	// WaitingClients is a gauge of the sum of attached ClientQueries across all pending entries.
	WaitingClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "waiting_clients",
		Help:      "Sum of attached ClientQueries across all PendingQueries.",
	})
)
