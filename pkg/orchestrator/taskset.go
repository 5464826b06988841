package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/flotilla/pkg/clusterdef"
	"github.com/cuemby/flotilla/pkg/events"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/types"
)

// StartTaskset starts the tasks of a taskset in dependency order, waiting
// for each to run before starting the next. Every taskset it depends on
// must already have all of its tasks running; otherwise nothing is
// launched and a *types.DependencyError is returned.
func (e *Engine) StartTaskset(ctx context.Context, name string) error {
	ts, err := e.def.GetTaskset(name)
	if err != nil {
		return err
	}
	logger := log.WithTaskset(name)
	timer := metrics.NewTimer()

	if err := e.checkDependencies(ctx, ts); err != nil {
		logger.Warn().Err(err).Msg("taskset dependency not running")
		e.publish(events.EventTasksetBlocked, err.Error(), "taskset", name)
		return err
	}

	order, err := e.memberOrder(ts)
	if err != nil {
		logger.Error().Err(err).Msg("cannot order taskset")
		e.publish(events.EventTasksetFailed, err.Error(), "taskset", name)
		return err
	}

	logger.Info().Strs("order", order).Msg("starting taskset")
	for _, taskName := range order {
		result, err := e.RunTask(ctx, taskName, RunOptions{Taskset: name, Wait: true})
		if err == nil && len(result.Tasks) == 0 {
			err = fmt.Errorf("task %s launched no tasks: %w", taskName, result.Err())
		}
		if err != nil {
			logger.Error().Err(err).Str("task", taskName).Msg("taskset start aborted")
			e.publish(events.EventTasksetFailed, err.Error(), "taskset", name, "task", taskName)
			return fmt.Errorf("failed to start taskset %s: %w", name, err)
		}
	}

	timer.ObserveDurationVec(metrics.TasksetStartDuration, name)
	logger.Info().Dur("duration", timer.Duration()).Msg("taskset started")
	e.publish(events.EventTasksetStarted, "taskset started", "taskset", name)
	return nil
}

// checkDependencies requires every member task of every dependency
// taskset to have a running instance
func (e *Engine) checkDependencies(ctx context.Context, ts *clusterdef.TasksetDefinition) error {
	if len(ts.DependsOn) == 0 {
		return nil
	}
	if err := e.retry(ctx, "refresh_tasks", func() error { return e.tasks.Refresh(ctx) }); err != nil {
		return err
	}

	for _, depName := range ts.DependsOn {
		dep, err := e.def.GetTaskset(depName)
		if err != nil {
			return err
		}
		for _, member := range dep.Tasks {
			if state, ok := e.memberState(member); !ok {
				return &types.DependencyError{Taskset: ts.Name, Dependency: depName, Task: member, State: state}
			}
		}
	}
	return nil
}

// memberState reports whether a task has a running instance, and the state
// of its most recent instance otherwise
func (e *Engine) memberState(member string) (types.TaskState, bool) {
	var latest types.TaskState
	for _, task := range e.tasks.ByName(member) {
		if task.State == types.TaskStateRunning {
			return task.State, true
		}
		latest = task.State
	}
	return latest, false
}

// memberOrder sorts a taskset's members by their task-level dependencies
// on other members
func (e *Engine) memberOrder(ts *clusterdef.TasksetDefinition) ([]string, error) {
	members := make(map[string]bool, len(ts.Tasks))
	for _, name := range ts.Tasks {
		members[name] = true
	}

	entries := make([]Dependency, 0, len(ts.Tasks))
	for _, name := range ts.Tasks {
		td, err := e.def.GetTask(name)
		if err != nil {
			return nil, err
		}
		var deps []string
		for _, dep := range td.DependsOn {
			if members[dep] {
				deps = append(deps, dep)
			}
		}
		entries = append(entries, Dependency{Name: name, Deps: deps})
	}
	return SortAll(entries)
}

// StopTaskset stops a taskset's tasks in reverse start order
func (e *Engine) StopTaskset(ctx context.Context, name, reason string) error {
	ts, err := e.def.GetTaskset(name)
	if err != nil {
		return err
	}
	order, err := e.memberOrder(ts)
	if err != nil {
		return err
	}
	if err := e.retry(ctx, "refresh_tasks", func() error { return e.tasks.Refresh(ctx) }); err != nil {
		return err
	}

	logger := log.WithTaskset(name)
	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		for _, task := range e.tasks.ByGroup(Group(name, order[i])) {
			if task.Stopped() {
				continue
			}
			if err := e.stopTask(ctx, task, reason, true); err != nil {
				logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to stop task")
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to stop taskset %s: %w", name, errors.Join(errs...))
	}
	logger.Info().Msg("taskset stopped")
	return nil
}

// TasksetOrder returns the auto-start tasksets in dependency order.
// Dependencies on tasksets that do not auto-start are left to the
// dependency check at start time.
func (e *Engine) TasksetOrder() ([]string, error) {
	auto := e.def.AutoStartTasksets()
	included := make(map[string]bool, len(auto))
	for _, ts := range auto {
		included[ts.Name] = true
	}
	entries := make([]Dependency, 0, len(auto))
	for _, ts := range auto {
		var deps []string
		for _, dep := range ts.DependsOn {
			if included[dep] {
				deps = append(deps, dep)
			}
		}
		entries = append(entries, Dependency{Name: ts.Name, Deps: deps})
	}
	return SortAll(entries)
}
