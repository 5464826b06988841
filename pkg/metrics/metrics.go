package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics, set by the reconciler
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_instances_total",
			Help: "Total number of cluster instances by state",
		},
		[]string{"state"},
	)

	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_volumes_total",
			Help: "Total number of cluster volumes by state",
		},
		[]string{"state"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_tasks_total",
			Help: "Total number of tracked tasks by state",
		},
		[]string{"state"},
	)

	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_services_total",
			Help: "Total number of discovery services",
		},
	)

	// Orchestration metrics
	TasksLaunched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_tasks_launched_total",
			Help: "Total number of tasks launched by task name",
		},
		[]string{"task"},
	)

	TaskLaunchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_task_launch_failures_total",
			Help: "Total number of launch attempts reported failed by the placement service",
		},
		[]string{"task"},
	)

	TasksetStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flotilla_taskset_start_duration_seconds",
			Help:    "Time taken to start a taskset in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"taskset"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_retries_total",
			Help: "Total number of retried remote operations",
		},
		[]string{"operation"},
	)

	CommandsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_commands_sent_total",
			Help: "Total number of remote commands sent",
		},
	)

	// Provisioning metrics
	ProvisionAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_provision_attempts_total",
			Help: "Total number of volume and instance provisioning attempts",
		},
	)

	ProvisionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_provision_failures_total",
			Help: "Total number of failed provisioning attempts by stage",
		},
		[]string{"stage"},
	)

	ProvisionRollbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_provision_rollbacks_total",
			Help: "Total number of resources removed by provisioning rollback",
		},
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flotilla_provision_duration_seconds",
			Help:    "Time taken to provision a volume and instance in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200},
		},
	)

	// Batch metrics
	BatchUnits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_batch_units_total",
			Help: "Total number of batch units by final status",
		},
		[]string{"status"},
	)

	BatchZonesAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_batch_zones_available",
			Help: "Number of availability zones left in the batch rotation",
		},
	)

	BatchCapacityWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_batch_capacity_waits_total",
			Help: "Total number of times the batch loop waited for fleet capacity",
		},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flotilla_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	StaleRegistrations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_stale_registrations_removed_total",
			Help: "Total number of registry endpoints removed because their task was gone",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(VolumesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(TasksLaunched)
	prometheus.MustRegister(TaskLaunchFailures)
	prometheus.MustRegister(TasksetStartDuration)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(CommandsSent)
	prometheus.MustRegister(ProvisionAttempts)
	prometheus.MustRegister(ProvisionFailures)
	prometheus.MustRegister(ProvisionRollbacks)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(BatchUnits)
	prometheus.MustRegister(BatchZonesAvailable)
	prometheus.MustRegister(BatchCapacityWaits)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCycles)
	prometheus.MustRegister(StaleRegistrations)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Mux serves /metrics, /health and /ready
func Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/ready", ReadyHandler())
	return mux
}
