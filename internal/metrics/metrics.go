// Package metrics defines the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the daemon's collectors on a private registry so tests can
// create isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesMultiplexed prometheus.Counter
	StreamErrors        prometheus.Counter
	SyncRefreshes       prometheus.Counter
	ReputationHits      prometheus.Counter
	ReputationMisses    prometheus.Counter
	ReputationFetches   prometheus.Counter
	OutboxSent          prometheus.Counter
	OutboxFailed        prometheus.Counter
}

// New creates a metrics set backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		MessagesMultiplexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmsg_stream_messages_total",
			Help: "Messages fanned out to stream listeners.",
		}),
		StreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmsg_stream_errors_total",
			Help: "Transport-level stream terminations.",
		}),
		SyncRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmsg_sync_refreshes_total",
			Help: "Full conversation list refreshes.",
		}),
		ReputationHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmsg_reputation_cache_hits_total",
			Help: "Reputation lookups served from cache.",
		}),
		ReputationMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmsg_reputation_cache_misses_total",
			Help: "Reputation lookups requiring a remote fetch.",
		}),
		ReputationFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmsg_reputation_batch_fetches_total",
			Help: "Batched remote reputation requests issued.",
		}),
		OutboxSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmsg_outbox_sent_total",
			Help: "Outgoing messages delivered to the network.",
		}),
		OutboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmsg_outbox_failed_total",
			Help: "Outgoing messages that failed to send.",
		}),
	}
	reg.MustRegister(
		m.MessagesMultiplexed, m.StreamErrors, m.SyncRefreshes,
		m.ReputationHits, m.ReputationMisses, m.ReputationFetches,
		m.OutboxSent, m.OutboxFailed,
	)
	return m
}
