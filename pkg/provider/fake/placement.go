package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/types"
)

// Placement simulates the container placement service. Launched tasks start
// in LaunchState (pending by default) and move to the requested state when
// waited on, unless their id is listed in Stuck.
type Placement struct {
	mu                 sync.Mutex
	Tasks              map[string]*types.Task
	Launches           []provider.LaunchRequest
	Stopped            []string
	Stuck              map[string]bool
	Calls              map[string]int
	ContainerInstances map[string]string // instance id -> container instance arn
	LaunchState        types.TaskState
	Ports              []types.PortBinding

	// LaunchHook can fail a whole call (error) or a single attempt (failure)
	LaunchHook func(req provider.LaunchRequest, seq int) (*types.LaunchFailure, error)
	// HostFor picks the instance a launched task lands on
	HostFor func(req provider.LaunchRequest) string

	seq int
}

func NewPlacement() *Placement {
	return &Placement{
		Tasks:              make(map[string]*types.Task),
		Stuck:              make(map[string]bool),
		Calls:              make(map[string]int),
		ContainerInstances: make(map[string]string),
		LaunchState:        types.TaskStatePending,
	}
}

// CallCount returns how many times the named method was called
func (f *Placement) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

// TotalCalls returns the number of calls across all methods
func (f *Placement) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		n += c
	}
	return n
}

// ResetCalls clears the call counters
func (f *Placement) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = make(map[string]int)
}

// AddTask seeds a task and returns it
func (f *Placement) AddTask(task types.Task) *types.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task.ID == "" {
		f.seq++
		task.ID = fmt.Sprintf("task-%04d", f.seq)
	}
	f.Tasks[task.ID] = &task
	return &task
}

// SetState forces a task into state
func (f *Placement) SetState(id string, state types.TaskState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.Tasks[id]; ok {
		t.State = state
	}
}

func copyTask(in *types.Task) types.Task {
	out := *in
	out.Ports = append([]types.PortBinding(nil), in.Ports...)
	out.Tags = make(map[string]string, len(in.Tags))
	for k, v := range in.Tags {
		out.Tags[k] = v
	}
	return out
}

func (f *Placement) LaunchTask(ctx context.Context, req provider.LaunchRequest) (*provider.LaunchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["LaunchTask"]++
	f.Launches = append(f.Launches, req)

	count := int(req.Count)
	if count < 1 {
		count = 1
	}

	result := &provider.LaunchResult{}
	for i := 0; i < count; i++ {
		f.seq++
		if f.LaunchHook != nil {
			failure, err := f.LaunchHook(req, f.seq)
			if err != nil {
				return nil, err
			}
			if failure != nil {
				result.Failures = append(result.Failures, *failure)
				continue
			}
		}

		host := ""
		if f.HostFor != nil {
			host = f.HostFor(req)
		}
		if req.ContainerInstance != "" {
			for instID, arn := range f.ContainerInstances {
				if arn == req.ContainerInstance {
					host = instID
				}
			}
		}

		tags := make(map[string]string, len(req.Tags))
		for k, v := range req.Tags {
			tags[k] = v
		}
		task := &types.Task{
			ID:            fmt.Sprintf("task-%04d", f.seq),
			Name:          req.ContainerName,
			Group:         req.Group,
			State:         f.LaunchState,
			InstanceID:    host,
			Ports:         append([]types.PortBinding(nil), f.Ports...),
			DefinitionARN: req.Definition,
			StartedBy:     req.StartedBy,
			Tags:          tags,
			CreatedAt:     time.Now(),
		}
		f.Tasks[task.ID] = task
		result.Tasks = append(result.Tasks, copyTask(task))
	}
	return result, nil
}

func (f *Placement) DescribeTasks(ctx context.Context, ids []string) ([]types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["DescribeTasks"]++
	out := make([]types.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := f.Tasks[id]; ok {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

func (f *Placement) StopTask(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["StopTask"]++
	t, ok := f.Tasks[id]
	if !ok {
		return fmt.Errorf("task not found: %s", id)
	}
	t.State = types.TaskStateStopping
	t.StoppedReason = reason
	f.Stopped = append(f.Stopped, id)
	return nil
}

func (f *Placement) ListTasks(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["ListTasks"]++
	ids := make([]string, 0, len(f.Tasks))
	for id, t := range f.Tasks {
		if t.State != types.TaskStateStopped {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *Placement) WaitTasks(ctx context.Context, ids []string, state types.TaskState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["WaitTasks"]++
	for _, id := range ids {
		if f.Stuck[id] {
			return fmt.Errorf("task %s: %w", id, provider.ErrWaitTimeout)
		}
		if t, ok := f.Tasks[id]; ok {
			t.State = state
		}
	}
	return nil
}

func (f *Placement) ListContainerInstances(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.ContainerInstances))
	for k, v := range f.ContainerInstances {
		out[k] = v
	}
	return out, nil
}
