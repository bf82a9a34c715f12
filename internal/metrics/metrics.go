// Package metrics holds the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set groups the collectors registered on one registry. Using a Set
// instead of package globals keeps tests isolated.
type Set struct {
	Registry *prometheus.Registry

	MessagesIngested  prometheus.Counter
	DuplicatesDropped prometheus.Counter
	HistoryBatches    prometheus.Counter
	ReceiptsApplied   prometheus.Counter
	IngestFailures    prometheus.Counter

	AvatarFetches   prometheus.Counter
	AvatarCacheHits prometheus.Counter

	EventsDelivered prometheus.Counter
	WSSessions      prometheus.Gauge

	OutboxSent   prometheus.Counter
	OutboxFailed prometheus.Counter
}

// New creates a Set on a fresh registry, with Go runtime and process
// collectors included.
func New() *Set {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Set{
		Registry: reg,

		MessagesIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "zapbridge_messages_ingested_total",
			Help: "Messages appended to conversation logs.",
		}),
		DuplicatesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "zapbridge_messages_duplicate_total",
			Help: "Messages dropped because their id was already known.",
		}),
		HistoryBatches: f.NewCounter(prometheus.CounterOpts{
			Name: "zapbridge_history_batches_total",
			Help: "History sync batches processed.",
		}),
		ReceiptsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "zapbridge_receipts_applied_total",
			Help: "Delivery and read receipts applied to messages.",
		}),
		IngestFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "zapbridge_ingest_failures_total",
			Help: "Ingestion attempts that failed to persist.",
		}),

		AvatarFetches: f.NewCounter(prometheus.CounterOpts{
			Name: "zapbridge_avatar_fetches_total",
			Help: "Avatar lookups that reached the provider.",
		}),
		AvatarCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "zapbridge_avatar_cache_hits_total",
			Help: "Avatar lookups served from the cache.",
		}),

		EventsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "zapbridge_events_delivered_total",
			Help: "Events fanned out to connected websocket sessions.",
		}),
		WSSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "zapbridge_ws_sessions",
			Help: "Currently connected websocket sessions.",
		}),

		OutboxSent: f.NewCounter(prometheus.CounterOpts{
			Name: "zapbridge_outbox_sent_total",
			Help: "Outbox entries delivered to the provider.",
		}),
		OutboxFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "zapbridge_outbox_failed_total",
			Help: "Outbox entries that exhausted their attempts.",
		}),
	}
}
