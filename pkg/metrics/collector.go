package metrics

import (
	"github.com/cuemby/flotilla/pkg/types"
)

// Inventory is a point-in-time count of cluster resources
type Inventory struct {
	Instances []*types.ComputeInstance
	Volumes   []*types.BlockVolume
	Tasks     []types.TaskState
	Services  int
}

var (
	instanceStates = []types.InstanceState{
		types.InstanceStatePending,
		types.InstanceStateRunning,
		types.InstanceStateStopping,
		types.InstanceStateStopped,
	}
	volumeStates = []types.VolumeState{
		types.VolumeStateCreating,
		types.VolumeStateAvailable,
		types.VolumeStateInUse,
		types.VolumeStateDeleting,
		types.VolumeStateError,
	}
	taskStates = []types.TaskState{
		types.TaskStatePending,
		types.TaskStateRunning,
		types.TaskStateStopping,
		types.TaskStateStopped,
	}
)

// Record sets the inventory gauges. Every known state is written, so a
// state whose count dropped to zero reads zero rather than its last value.
func Record(inv Inventory) {
	instanceCounts := make(map[types.InstanceState]int)
	for _, inst := range inv.Instances {
		instanceCounts[inst.State]++
	}
	for _, state := range instanceStates {
		InstancesTotal.WithLabelValues(string(state)).Set(float64(instanceCounts[state]))
	}

	volumeCounts := make(map[types.VolumeState]int)
	for _, vol := range inv.Volumes {
		volumeCounts[vol.State]++
	}
	for _, state := range volumeStates {
		VolumesTotal.WithLabelValues(string(state)).Set(float64(volumeCounts[state]))
	}

	taskCounts := make(map[types.TaskState]int)
	for _, state := range inv.Tasks {
		taskCounts[state]++
	}
	for _, state := range taskStates {
		TasksTotal.WithLabelValues(string(state)).Set(float64(taskCounts[state]))
	}

	ServicesTotal.Set(float64(inv.Services))
}
