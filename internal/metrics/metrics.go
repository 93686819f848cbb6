// Package metrics exposes Prometheus collectors for the metadata service and
// storage node. It mirrors the teacher's pkg/metrics Collector/Timer shape;
// the concrete metric names are this repo's own (the teacher's exporter
// metric names are out of scope per spec §1).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UploadInitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_upload_init_total",
		Help: "Total upload-init calls by result.",
	}, []string{"result"})

	CommitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_commit_total",
		Help: "Total commit calls by result.",
	}, []string{"result"})

	UnderReplicatedChunks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strata_under_replicated_chunks",
		Help: "Chunks whose healthy replica count is below the replication factor, as of the last reconcile cycle.",
	})

	ReconciliationCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_reconciliation_cycles_total",
		Help: "Total reconciler cycles completed.",
	})

	ReconciliationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strata_reconciliation_duration_seconds",
		Help:    "Duration of one reconciler cycle.",
		Buckets: prometheus.DefBuckets,
	})

	RepairAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_repair_attempts_total",
		Help: "Total repair copy attempts by result.",
	}, []string{"result"})

	HeartbeatsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_heartbeats_received_total",
		Help: "Total heartbeats processed by the metadata service.",
	})

	HeartbeatsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_heartbeats_sent_total",
		Help: "Total heartbeats successfully sent by a storage node reporter.",
	})

	HeartbeatSendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_heartbeat_send_failures_total",
		Help: "Total heartbeat send failures observed by a storage node reporter.",
	})

	LeaseConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_lease_conflicts_total",
		Help: "Total lease acquisitions that failed because the path was already held.",
	})

	ChunkStoreOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_chunk_store_ops_total",
		Help: "Total chunk store operations by op and result.",
	}, []string{"op", "result"})

	ActiveNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strata_active_nodes",
		Help: "Number of nodes considered active as of the last heartbeat sweep.",
	})
)

// Timer measures an operation's duration for a histogram observation,
// mirroring the teacher's metrics.Timer helper.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
