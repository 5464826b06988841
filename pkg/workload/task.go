package workload

import (
	"context"
	"fmt"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/types"
)

// StatusRecorder persists observed task state changes
type StatusRecorder interface {
	RecordStatus(task *types.Task, message string) error
}

// Task is a launched workload tracked by the orchestrator. The service it is
// registered to is held by name and resolved through the Namespace.
type Task struct {
	types.Task

	placement provider.Placement
	ns        *Namespace
	recorder  StatusRecorder
}

// Stopped reports whether the task reached its terminal state
func (t *Task) Stopped() bool {
	return t.State == types.TaskStateStopped
}

// HostPort returns the lowest published host port, or 0 when none is bound
func (t *Task) HostPort() int32 {
	var port int32
	for _, b := range t.Ports {
		if b.HostPort > 0 && (port == 0 || b.HostPort < port) {
			port = b.HostPort
		}
	}
	return port
}

// serviceName is the service the task is, or would be, registered under
func (t *Task) serviceName() string {
	if t.ServiceName != "" {
		return t.ServiceName
	}
	return t.Tags[types.TagServiceName]
}

// Refresh re-describes the task from the placement service
func (t *Task) Refresh(ctx context.Context) error {
	tasks, err := t.placement.DescribeTasks(ctx, []string{t.ID})
	if err != nil {
		return &types.ResourceFetchError{Resource: "task " + t.ID, Err: err}
	}
	if len(tasks) == 0 {
		t.apply(types.Task{ID: t.ID, State: types.TaskStateStopped}, "task no longer reported by placement")
		return nil
	}
	t.apply(tasks[0], "")
	return nil
}

// apply merges a fresh description into the task. Nothing leaves stopped,
// and the local service back-reference survives the merge.
func (t *Task) apply(fresh types.Task, message string) {
	if t.State == types.TaskStateStopped {
		return
	}
	prev := t.State
	serviceName := t.ServiceName

	if fresh.Name == "" {
		// Partial description, only the state is known
		t.State = fresh.State
	} else {
		t.Task = fresh
	}
	t.ServiceName = serviceName

	if prev != t.State {
		log.WithTaskID(t.ID).Debug().
			Str("task", t.Name).
			Str("from", string(prev)).
			Str("to", string(t.State)).
			Msg("task state changed")
		t.record(message)
	}
}

func (t *Task) record(message string) {
	if t.recorder == nil {
		return
	}
	if err := t.recorder.RecordStatus(&t.Task, message); err != nil {
		log.WithTaskID(t.ID).Warn().Err(err).Msg("failed to record task status")
	}
}

// Stop stops the task. A stopped task is left alone without calling the
// provider. A pending task is not stopped directly; with wait the call
// blocks until the provider reports it stopped. Otherwise the task is
// deregistered from its service before the stop request is issued.
func (t *Task) Stop(ctx context.Context, reason string, wait bool) error {
	logger := log.WithTaskID(t.ID)

	switch t.State {
	case types.TaskStateStopped:
		logger.Debug().Msg("task already stopped")
		return nil

	case types.TaskStatePending:
		logger.Info().Msg("task is pending, waiting for it to stop")
		if !wait {
			return nil
		}
		if err := t.placement.WaitTasks(ctx, []string{t.ID}, types.TaskStateStopped); err != nil {
			return fmt.Errorf("failed waiting for task %s to stop: %w", t.ID, err)
		}
		return t.Refresh(ctx)
	}

	if name := t.serviceName(); name != "" && t.ns != nil {
		svc, err := t.ns.Service(ctx, name, false)
		if err != nil {
			return fmt.Errorf("failed to resolve service %s: %w", name, err)
		}
		if svc != nil {
			if err := svc.Deregister(ctx, t); err != nil {
				return fmt.Errorf("failed to deregister task %s before stop: %w", t.ID, err)
			}
		}
	}

	logger.Info().Str("task", t.Name).Str("reason", reason).Msg("stopping task")
	if err := t.placement.StopTask(ctx, t.ID, reason); err != nil {
		return fmt.Errorf("failed to stop task %s: %w", t.ID, err)
	}
	if t.State != types.TaskStateStopping {
		t.State = types.TaskStateStopping
		t.StoppedReason = reason
		t.record(reason)
	}

	if !wait {
		return nil
	}
	if err := t.placement.WaitTasks(ctx, []string{t.ID}, types.TaskStateStopped); err != nil {
		return fmt.Errorf("failed waiting for task %s to stop: %w", t.ID, err)
	}
	return t.Refresh(ctx)
}
