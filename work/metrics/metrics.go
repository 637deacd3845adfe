package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionsActive is the number of upstream connections currently shared by the
// multiplexer.
var SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_hub_sessions_active",
	Help: "Number of active shared upstream sessions",
})

// SessionsCreated counts every upstream session the multiplexer opened.
var SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "iptv_hub_sessions_created_total",
	Help: "Total shared upstream sessions opened",
})

// ClientsConnected tracks subscribers currently attached to a channel's sessions.
var ClientsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "iptv_hub_clients_connected",
	Help: "Number of clients connected",
}, []string{"channel"})

// BytesTransferred counts bytes per channel. The "direction" label is
// "upstream" for bytes read from providers and "downstream" for bytes handed
// to subscribers.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_hub_bytes_transferred_total",
	Help: "Total bytes transferred",
}, []string{"channel", "direction"})

// ChunksDropped counts chunks discarded by the drop-oldest policy. The "queue"
// label is "session" or "subscriber".
var ChunksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_hub_chunks_dropped_total",
	Help: "Chunks dropped because a queue was full",
}, []string{"queue"})

// StreamErrors counts session-ending upstream errors by kind.
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_hub_stream_errors_total",
	Help: "Number of stream errors",
}, []string{"channel", "error_type"})

// HealthProbes counts probe outcomes. "result" is "alive" or "failed".
var HealthProbes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_hub_health_probes_total",
	Help: "Health probe results",
}, []string{"result"})

// VariantsDeactivated counts variants taken out of rotation by the monitor.
var VariantsDeactivated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "iptv_hub_variants_deactivated_total",
	Help: "Variants deactivated after reaching the failure threshold",
})

// MergeDecisions counts channel assignments by merge method.
var MergeDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_hub_merge_decisions_total",
	Help: "Merge engine decisions by method",
}, []string{"method"})

// IngestedEntries counts provider entries fed through the merge engine.
var IngestedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_hub_ingested_entries_total",
	Help: "Provider entries ingested",
}, []string{"provider"})
