package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidState        = errors.New("invalid state for operation")
	ErrVolumeInUse         = errors.New("volume is attached")
	ErrVolumeAttached      = errors.New("volume already attached")
	ErrVolumeNotAttached   = errors.New("volume is not attached")
	ErrVolumeNotPersistent = errors.New("volume is not persistent")
	ErrInstanceNotStopped  = errors.New("instance is not stopped")
	ErrNotRegistrable      = errors.New("task is not running or exposes no ports")
	ErrRegisteredElsewhere = errors.New("task is registered to another service")
	ErrNotFound            = errors.New("not found")
)

// ConfigurationError reports a task or taskset name missing from the cluster definition
type ConfigurationError struct {
	Kind string // "task" or "taskset"
	Name string
	Msg  string
}

func (e *ConfigurationError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("configuration error: %s %q: %s", e.Kind, e.Name, e.Msg)
	}
	return fmt.Sprintf("configuration error: %s %q not found", e.Kind, e.Name)
}

// CyclicDependencyError reports the entries left unsorted when no progress can be made
type CyclicDependencyError struct {
	Names []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency between: %s", strings.Join(e.Names, ", "))
}

// ResourceFetchError wraps a failed provider read
type ResourceFetchError struct {
	Resource string
	Err      error
}

func (e *ResourceFetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %v", e.Resource, e.Err)
}

func (e *ResourceFetchError) Unwrap() error { return e.Err }

// ProvisioningFailure reports a failed provisioning attempt and what was rolled back
type ProvisioningFailure struct {
	Stage      string // "volume", "instance", "attach"
	Zone       string
	RolledBack []string
	Err        error
}

func (e *ProvisioningFailure) Error() string {
	msg := fmt.Sprintf("provisioning failed at %s in %s: %v", e.Stage, e.Zone, e.Err)
	if len(e.RolledBack) > 0 {
		msg += fmt.Sprintf(" (rolled back %s)", strings.Join(e.RolledBack, ", "))
	}
	return msg
}

func (e *ProvisioningFailure) Unwrap() error { return e.Err }

// LaunchFailure is a single failed launch reported by the placement service
type LaunchFailure struct {
	Index  int
	ARN    string
	Reason string
	Detail string
}

// PartialLaunchFailure reports that only some of the requested tasks launched
type PartialLaunchFailure struct {
	Task      string
	Requested int
	Launched  int
	Failures  []LaunchFailure
}

func (e *PartialLaunchFailure) Error() string {
	reasons := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		reasons = append(reasons, f.Reason)
	}
	return fmt.Sprintf("task %s launched %d of %d: %s", e.Task, e.Launched, e.Requested, strings.Join(reasons, "; "))
}

// DependencyError reports a taskset whose dependencies are not running
type DependencyError struct {
	Taskset    string
	Dependency string
	Task       string
	State      TaskState
}

func (e *DependencyError) Error() string {
	switch {
	case e.Task == "":
		return fmt.Sprintf("taskset %s: dependency %s has no running tasks", e.Taskset, e.Dependency)
	case e.State == "":
		return fmt.Sprintf("taskset %s: dependency %s task %s is not running", e.Taskset, e.Dependency, e.Task)
	}
	return fmt.Sprintf("taskset %s: dependency %s task %s is %s", e.Taskset, e.Dependency, e.Task, e.State)
}
