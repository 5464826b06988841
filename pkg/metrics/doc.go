/*
Package metrics provides Prometheus metrics and health endpoints for Flotilla.

All metrics are registered with the default Prometheus registry at package
init and served by Handler, or together with the health endpoints by Mux.

# Metric Categories

Inventory gauges, written by the reconciler through Record:

	flotilla_instances_total{state}
	flotilla_volumes_total{state}
	flotilla_tasks_total{state}
	flotilla_services_total

Orchestration:

	flotilla_tasks_launched_total{task}
	flotilla_task_launch_failures_total{task}
	flotilla_taskset_start_duration_seconds{taskset}
	flotilla_retries_total{operation}
	flotilla_commands_sent_total

Provisioning and batch:

	flotilla_provision_attempts_total
	flotilla_provision_failures_total{stage}
	flotilla_provision_rollbacks_total
	flotilla_provision_duration_seconds
	flotilla_batch_units_total{status}
	flotilla_batch_zones_available
	flotilla_batch_capacity_waits_total

Reconciliation:

	flotilla_reconciliation_duration_seconds
	flotilla_reconciliation_cycles_total
	flotilla_stale_registrations_removed_total

# Timing Operations

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProvisionDuration)

# Health

Components report the outcome of their last operation with
ReportComponent(name, err). /health is unhealthy while any component is;
/ready waits for the critical components (provider and store by default,
see SetCriticalComponents).
*/
package metrics
