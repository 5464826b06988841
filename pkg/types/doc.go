/*
Package types defines the data model shared by every Flotilla package.

The package holds plain structs for the remote resources the orchestrator
mirrors (compute instances, block volumes, subnets), the workloads it launches
(tasks, discovery endpoints), and the records it persists locally (task status
history, batch journal). It also holds the error taxonomy that callers
classify with errors.As and errors.Is.

# Resources

	ComputeInstance  id, state, addresses, tags, attached block devices
	BlockVolume      id, size, type, optional attachment, tags
	Subnet           id, CIDR, zone, public flag

Instances move through pending, running, stopping and stopped. Volumes carry
at most one attachment; a volume is persistent when its attachment survives
termination of the instance.

# Workloads

A Task moves pending -> running -> stopping -> stopped. Stopped is terminal.
ServiceName on a Task is a weak reference: the discovery entry is looked up
by name through the workload namespace, never held as a pointer.

# Errors

	ConfigurationError     unknown task or taskset name
	CyclicDependencyError  dependency graph has a cycle
	ResourceFetchError     provider read failed
	ProvisioningFailure    volume/instance provisioning failed, with rollback list
	PartialLaunchFailure   some of the requested task instances failed to launch
	DependencyError        a taskset's dependencies are not running

Sentinel errors (ErrVolumeInUse, ErrNotRegistrable, ...) guard state
transitions on volumes, instances and discovery registrations.
*/
package types
