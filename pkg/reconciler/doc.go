/*
Package reconciler keeps the orchestrator's local view and the service
registry consistent with what the providers report.

The orchestrator itself only changes the cluster when asked to. Tasks still
die on their own, instances get stopped from a console and registry entries
outlive the tasks they point at. The reconciler notices those changes.

# Reconciliation Pass

Each pass of ReconcileOnce runs these steps in order:

	1. Refresh the resource mirror (instances, volumes, subnets)
	2. Refresh the task tracker; tasks the placement service no longer
	   reports are marked stopped and their status history is appended
	3. For every service in the namespace, deregister endpoints whose task
	   is unknown or not running
	4. Prune stopped task records older than the retention (optional)
	5. Update the inventory gauges and the provider/store health components

A provider read failure ends the pass early and marks the provider
component unhealthy. Nothing in a pass launches or stops tasks.

# Usage

	r := reconciler.NewReconciler(mirror, tasks,
		reconciler.WithEvents(broker),
		reconciler.WithPruner(store, 7*24*time.Hour),
	)

	// One pass
	result, err := r.ReconcileOnce(ctx)

	// Until ctx is cancelled
	err = r.Run(ctx, 30*time.Second)

Run performs a pass immediately and then one per interval. Failed passes
are logged and the loop continues.

# Events

	task.stopped       a tracked task was first seen stopped
	task.deregistered  a stale endpoint was removed

# Metrics

	flotilla_reconciliation_duration_seconds
	flotilla_reconciliation_cycles_total
	flotilla_stale_registrations_removed_total
	flotilla_instances_total{state}, flotilla_volumes_total{state},
	flotilla_tasks_total{state}, flotilla_services_total
*/
package reconciler
