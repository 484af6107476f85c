package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DBConnectionsActive tracks open database connections
	DBConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clouddns_db_connections_active",
		Help: "Number of active database connections",
	})

	// TransfersTotal tracks zone-transfer attempts by outcome
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clouddns_zone_transfers_total",
		Help: "Total number of zone-transfer attempts by outcome",
	}, []string{"zone", "outcome"})

	// TransferDuration tracks end-to-end zone-transfer wall time
	TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clouddns_zone_transfer_duration_seconds",
		Help:    "Histogram of zone-transfer duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"zone"})

	// TransferRecordsReceived tracks RR counts per completed transfer
	TransferRecordsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clouddns_zone_transfer_records_total",
		Help: "Total number of resource records received via AXFR",
	}, []string{"zone"})

	// TransferErrorsByKind tracks failed transfers by xfr.ErrorKind
	TransferErrorsByKind = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clouddns_zone_transfer_errors_total",
		Help: "Total number of failed zone-transfer attempts by error kind",
	}, []string{"zone", "kind"})

	// TrieLiveBytes tracks the live allocation size of a zone's radix arena
	TrieLiveBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clouddns_radix_arena_live_bytes",
		Help: "Sum of outstanding allocation sizes in a zone's radix arena",
	}, []string{"zone"})
)
