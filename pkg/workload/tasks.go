package workload

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/types"
)

// Tasks tracks the tasks of a cluster. Like the resource mirror it is a
// cache: lookups never call the placement service, Refresh does.
type Tasks struct {
	placement provider.Placement
	ns        *Namespace
	recorder  StatusRecorder

	tasks map[string]*Task
}

// TasksOption configures a Tasks tracker
type TasksOption func(*Tasks)

// WithRecorder writes every observed state change to r
func WithRecorder(r StatusRecorder) TasksOption {
	return func(t *Tasks) {
		t.recorder = r
	}
}

// NewTasks creates an empty tracker
func NewTasks(placement provider.Placement, ns *Namespace, opts ...TasksOption) *Tasks {
	t := &Tasks{
		placement: placement,
		ns:        ns,
		tasks:     make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Namespace returns the discovery namespace tasks register in
func (t *Tasks) Namespace() *Namespace {
	return t.ns
}

// Track starts tracking a task reported by the placement service. A task
// already tracked is updated in place.
func (t *Tasks) Track(task types.Task, message string) *Task {
	if existing, ok := t.tasks[task.ID]; ok {
		existing.apply(task, message)
		return existing
	}
	tracked := &Task{
		Task:      task,
		placement: t.placement,
		ns:        t.ns,
		recorder:  t.recorder,
	}
	t.tasks[task.ID] = tracked
	tracked.record(message)
	return tracked
}

// Get returns a tracked task by id
func (t *Tasks) Get(id string) (*Task, bool) {
	task, ok := t.tasks[id]
	return task, ok
}

// ByName returns the tracked tasks launched for a task name, oldest first
func (t *Tasks) ByName(name string) []*Task {
	return t.filter(func(task *Task) bool { return task.Name == name })
}

// ByGroup returns the tracked tasks of a launch group, oldest first
func (t *Tasks) ByGroup(group string) []*Task {
	return t.filter(func(task *Task) bool { return task.Group == group })
}

// All returns every tracked task, oldest first
func (t *Tasks) All() []*Task {
	return t.filter(func(*Task) bool { return true })
}

func (t *Tasks) filter(keep func(*Task) bool) []*Task {
	var out []*Task
	for _, task := range t.tasks {
		if keep(task) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Refresh lists the cluster's tasks and re-describes them together with
// every tracked task not yet stopped. Tracked tasks the placement service
// no longer reports are marked stopped.
func (t *Tasks) Refresh(ctx context.Context) error {
	listed, err := t.placement.ListTasks(ctx)
	if err != nil {
		return &types.ResourceFetchError{Resource: "tasks", Err: err}
	}

	want := make(map[string]bool, len(listed))
	ids := make([]string, 0, len(listed))
	for _, id := range listed {
		if !want[id] {
			want[id] = true
			ids = append(ids, id)
		}
	}
	for id, task := range t.tasks {
		if !task.Stopped() && !want[id] {
			want[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	described, err := t.placement.DescribeTasks(ctx, ids)
	if err != nil {
		return &types.ResourceFetchError{Resource: "tasks", Err: err}
	}

	seen := make(map[string]bool, len(described))
	for _, fresh := range described {
		seen[fresh.ID] = true
		t.Track(fresh, "")
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		if task, ok := t.tasks[id]; ok {
			task.apply(types.Task{ID: id, State: types.TaskStateStopped}, "task no longer reported by placement")
		}
	}
	return nil
}

// WaitRunning blocks until every task is running, then refreshes them
func (t *Tasks) WaitRunning(ctx context.Context, tasks []*Task) error {
	if len(tasks) == 0 {
		return nil
	}
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	if err := t.placement.WaitTasks(ctx, ids, types.TaskStateRunning); err != nil {
		return fmt.Errorf("failed waiting for tasks to run: %w", err)
	}
	for _, task := range tasks {
		if err := task.Refresh(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Forget drops a stopped task from the tracker
func (t *Tasks) Forget(id string) bool {
	task, ok := t.tasks[id]
	if !ok || !task.Stopped() {
		return false
	}
	delete(t.tasks, id)
	return true
}
