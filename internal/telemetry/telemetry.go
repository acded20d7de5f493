// Package telemetry registers gridcore's Prometheus metrics, grounded on
// ws/metrics.go's package-level counter/gauge/histogram declarations and
// served the same way (a promhttp handler mounted at /metrics).
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridcore_connections_total",
		Help: "Total number of client connections accepted.",
	})
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridcore_connections_active",
		Help: "Current number of connected clients across all shards.",
	})
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridcore_connections_rejected_total",
		Help: "Connections rejected at admission, by reason.",
	}, []string{"reason"})

	TilesWatched = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridcore_tiles_watched",
		Help: "Current number of tiles with at least one local watcher, summed across shards.",
	})
	SetCellTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridcore_setcell_total",
		Help: "setCell attempts by outcome.",
	}, []string{"outcome"}) // accepted|rejected_reason

	WALFlushTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridcore_wal_flush_total",
		Help: "Total number of tile-owner WAL batch flushes.",
	})
	SnapshotFlushTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridcore_snapshot_flush_total",
		Help: "Total number of tile-owner snapshot persists.",
	})

	CursorUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridcore_cursor_updates_total",
		Help: "Total number of local cursor position updates processed.",
	})
	CursorRelayBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridcore_cursor_relay_batches_total",
		Help: "Total number of cross-shard cursor relay batches published.",
	})

	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridcore_slow_clients_disconnected_total",
		Help: "Total number of clients disconnected for a persistently full send buffer.",
	})
	RateLimitedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridcore_rate_limited_total",
		Help: "Messages rejected by client-side rate limiting, by kind.",
	}, []string{"kind"}) // churn|setcell_burst|setcell_sustained

	AuditPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridcore_audit_publish_failures_total",
		Help: "Total number of best-effort audit record publishes that failed and were dropped.",
	})
	AuditRecordsShed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridcore_audit_records_shed_total",
		Help: "Total number of audit records dropped because resourceguard reported CPU above the pause threshold.",
	})

	CPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridcore_cpu_percent",
		Help: "CPU usage percent relative to the allocated quota (resourceguard).",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal, ConnectionsActive, ConnectionsRejected,
		TilesWatched, SetCellTotal,
		WALFlushTotal, SnapshotFlushTotal,
		CursorUpdatesTotal, CursorRelayBatchesTotal,
		SlowClientsDisconnected, RateLimitedMessages,
		AuditPublishFailures, AuditRecordsShed, CPUPercent,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
