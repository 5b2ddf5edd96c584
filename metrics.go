package legacysync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/heirloomhq/legacy-sync/storage"
)

// metrics mirrors the Stats surface as prometheus collectors. With a nil
// registerer the collectors exist but are never exported.
type metrics struct {
	pendingRecords  prometheus.Gauge
	conflictRecords prometheus.Gauge
	errorRecords    prometheus.Gauge
	queueLength     prometheus.Gauge

	uploadedOps    prometheus.Counter
	downloadedRecs prometheus.Counter
	retriedOps     prometheus.Counter
	exhaustedOps   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		pendingRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "legacy_sync_pending_records",
			Help: "Records waiting to be uploaded.",
		}),
		conflictRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "legacy_sync_conflict_records",
			Help: "Records parked in the conflict state.",
		}),
		errorRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "legacy_sync_error_records",
			Help: "Records whose upload exhausted its retry budget.",
		}),
		queueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "legacy_sync_queue_length",
			Help: "Operations currently in the durable upload queue.",
		}),
		uploadedOps: factory.NewCounter(prometheus.CounterOpts{
			Name: "legacy_sync_uploaded_operations_total",
			Help: "Operations acknowledged by the remote authority.",
		}),
		downloadedRecs: factory.NewCounter(prometheus.CounterOpts{
			Name: "legacy_sync_downloaded_records_total",
			Help: "Remote changes applied locally.",
		}),
		retriedOps: factory.NewCounter(prometheus.CounterOpts{
			Name: "legacy_sync_retried_operations_total",
			Help: "Upload attempts that failed and were requeued.",
		}),
		exhaustedOps: factory.NewCounter(prometheus.CounterOpts{
			Name: "legacy_sync_exhausted_operations_total",
			Help: "Operations dropped after exhausting their retry budget.",
		}),
	}
}

func (m *metrics) observeCounts(counts *storage.Counts) {
	m.pendingRecords.Set(float64(counts.ByState[storage.StatePending]))
	m.conflictRecords.Set(float64(counts.ByState[storage.StateConflict]))
	m.errorRecords.Set(float64(counts.ByState[storage.StateError]))
	m.queueLength.Set(float64(counts.QueueLength))
}
