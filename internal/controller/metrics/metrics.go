package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	runtimemetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const subsystem = "odoo_operator"

var (
	BackupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "backup_duration_seconds",
			Help:      "Duration in seconds of completed backup jobs.",
			Buckets:   []float64{30, 60, 120, 300, 600, 1_200, 3_600, 7_200, 14_400},
		},
		[]string{"namespace", "instance"},
	)

	RestoreDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "restore_duration_seconds",
			Help:      "Duration in seconds of completed restore jobs.",
			Buckets:   []float64{30, 60, 120, 300, 600, 1_200, 3_600, 7_200, 14_400},
		},
		[]string{"namespace", "instance", "source"},
	)

	StaleRolesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "stale_roles_dropped_total",
			Help:      "Number of stale database roles dropped by the sweeper.",
		},
		[]string{"namespace"},
	)

	ReconcileStalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "reconcile_stalls_total",
			Help:      "Number of resources that exhausted their reconcile retry budget.",
		},
		[]string{"kind"},
	)
)

func init() {
	runtimemetrics.Registry.MustRegister(
		BackupDuration,
		RestoreDuration,
		StaleRolesDropped,
		ReconcileStalls,
	)
}
