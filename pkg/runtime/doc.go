/*
Package runtime provides the containerd placement backend.

Placement implements provider.Placement for a single host: each launched
task is one containerd container in the flotilla namespace. It lets the
orchestrator run a cluster definition on a development machine or a lone
VM without a cloud placement service.

# Tasks as Containers

A launch request maps onto containerd as follows:

	LaunchRequest.Definition   → image reference, pulled and unpacked
	LaunchRequest.Command      → process args (image entrypoint kept)
	LaunchRequest.Environment  → process env, sorted
	LaunchRequest.Count        → that many containers, one uuid each
	Group, StartedBy, Tags     → container labels (flotilla.*)

Containers share the host network namespace, so every port the image
exposes is published on the same host port. The port list is stored in a
label and reported back as the task's port bindings, which is what service
registration reads.

# Task State

	no process, never stopped   → pending
	process created             → pending
	process running or paused   → running
	process exited              → stopped
	stopped via StopTask        → stopped (reason kept in a label)

StopTask sends SIGTERM, escalates to SIGKILL after the stop timeout and
removes the process but keeps the container, so stopped tasks stay
describable the way they do on a cloud placement service.

# Host Identity

The host is its own container instance: ListContainerInstances maps the
configured host instance id to itself, and a launch naming any other
container instance is rejected.

# Usage

	rt, err := runtime.NewContainerdRuntime(cfg.Containerd.Socket, cfg.Containerd.Namespace, logDir, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	placement := runtime.NewPlacement(rt, runtime.PlacementConfig{HostID: hostID})

Container output goes to <logDir>/<task id>.log when a log directory is
configured and is discarded otherwise.
*/
package runtime
