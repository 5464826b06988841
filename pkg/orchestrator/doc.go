/*
Package orchestrator drives a cluster definition against the provider.

The Engine starts tasksets in dependency order, launches tasks one at a
time, registers running tasks with service discovery and provisions
volume and instance pairs for batch work. Every remote call goes through
the engine retry policy; a call that keeps failing is either recorded as a
launch failure or returned.

# Tasksets

A taskset starts only when every member of every taskset it depends on has
a running task. Members start in the order given by their task-level
dependencies, and each must be running and registered before the next is
launched:

	engine := orchestrator.New(def, mirror, tasks, placement,
		orchestrator.WithCommander(commander),
		orchestrator.WithEvents(broker),
	)
	if err := engine.StartTaskset(ctx, "core"); err != nil {
		var dep *types.DependencyError
		if errors.As(err, &dep) {
			// start the dependency first
		}
	}

# Launch results

RunTask issues one launch call per requested task. Attempts the placement
service rejects are collected in LaunchResult.Fails; the successful tasks
are returned alongside them.

# Provisioning

ProvisionUnit creates a volume, launches an instance in the same zone and
attaches the volume so it is deleted with the instance. When a step gives
up, the volume and instance created by the call are removed again and a
*types.ProvisioningFailure names the stage that failed.
*/
package orchestrator
