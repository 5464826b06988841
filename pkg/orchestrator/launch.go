package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/cuemby/flotilla/pkg/clusterdef"
	"github.com/cuemby/flotilla/pkg/events"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/retry"
	"github.com/cuemby/flotilla/pkg/types"
	"github.com/cuemby/flotilla/pkg/workload"
)

// SingleGroup prefixes the group of tasks run outside a taskset
const SingleGroup = "single"

// RunOptions control a task launch
type RunOptions struct {
	// Taskset names the launch group; empty means SingleGroup
	Taskset string
	// InstanceID pins the launch to one compute instance
	InstanceID string
	// Args are per-invocation template arguments
	Args map[string]string
	// Count overrides the definition's count when positive
	Count int
	// Wait blocks until every launched task is running and registered
	Wait bool
}

// LaunchResult holds the tasks a launch started and the attempts the
// placement service reported failed
type LaunchResult struct {
	Task      string
	Group     string
	Service   string
	Requested int
	Tasks     []*workload.Task
	Fails     []types.LaunchFailure

	check *clusterdef.HealthCheck
}

// Err reports a partial launch. It is nil when every requested task launched.
func (r *LaunchResult) Err() error {
	if len(r.Fails) == 0 {
		return nil
	}
	return &types.PartialLaunchFailure{
		Task:      r.Task,
		Requested: r.Requested,
		Launched:  len(r.Tasks),
		Failures:  r.Fails,
	}
}

// Group returns the launch group of a task in a taskset
func Group(taskset, task string) string {
	if taskset == "" {
		taskset = SingleGroup
	}
	return taskset + ":" + task
}

// RunTask launches count instances of a task. Attempts the placement
// service reports failed are collected in the result rather than returned
// as an error; the returned error covers configuration problems and
// remote failures that exhausted their retries while waiting.
func (e *Engine) RunTask(ctx context.Context, name string, opts RunOptions) (*LaunchResult, error) {
	td, err := e.def.GetTask(name)
	if err != nil {
		return nil, err
	}

	count := td.Count
	if opts.Count > 0 {
		count = opts.Count
	}
	if count < 1 {
		count = 1
	}

	containerInstance, err := e.containerInstance(ctx, opts.InstanceID)
	if err != nil {
		return nil, err
	}

	serviceName := td.Service
	if serviceName == "" {
		serviceName = td.Name
	}

	result := &LaunchResult{
		Task:      td.Name,
		Group:     Group(opts.Taskset, td.Name),
		Service:   serviceName,
		Requested: count,
		check:     td.HealthCheck,
	}
	logger := log.WithTaskset(opts.Taskset).With().Str("task", td.Name).Str("group", result.Group).Logger()
	logger.Info().Int("count", count).Msg("starting task")

	for num := 1; num <= count; num++ {
		rendered, err := e.def.Render(td, opts.Args, num)
		if err != nil {
			return result, err
		}

		req := provider.LaunchRequest{
			Definition:    td.TaskDefinition,
			ContainerName: td.ContainerName,
			Command:       rendered.Command,
			Environment:   rendered.Environment,
			Group:         result.Group,
			StartedBy:     e.cfg.StartedBy,
			Tags: map[string]string{
				types.TagName:         fmt.Sprintf("%s-%d", td.Name, num),
				types.TagContainerNum: strconv.Itoa(num),
				types.TagServiceName:  serviceName,
			},
			ContainerInstance: containerInstance,
			Count:             1,
		}

		var launched *provider.LaunchResult
		err = e.retry(ctx, "launch_task", func() error {
			res, err := e.placement.LaunchTask(ctx, req)
			if err != nil {
				return err
			}
			launched = res
			return nil
		})
		switch {
		case err != nil && (retry.IsFatal(err) || ctx.Err() != nil):
			return result, fmt.Errorf("failed to launch task %s: %w", td.Name, err)
		case err != nil:
			launched = &provider.LaunchResult{Failures: []types.LaunchFailure{{Reason: err.Error()}}}
		}

		for _, failure := range launched.Failures {
			failure.Index = num
			result.Fails = append(result.Fails, failure)
			metrics.TaskLaunchFailures.WithLabelValues(td.Name).Inc()
			logger.Warn().Int("num", num).Str("reason", failure.Reason).Str("detail", failure.Detail).Msg("task launch failed")
			e.publish(events.EventTaskLaunchFailed, "task launch failed", "task", td.Name, "group", result.Group, "reason", failure.Reason)
		}
		for _, t := range launched.Tasks {
			task := e.tasks.Track(t, "launched")
			result.Tasks = append(result.Tasks, task)
			metrics.TasksLaunched.WithLabelValues(td.Name).Inc()
			logger.Info().Int("num", num).Str("task_id", task.ID).Msg("task launched")
			e.publish(events.EventTaskLaunched, "task launched", "task", td.Name, "task_id", task.ID, "group", result.Group)
		}

		if num < count {
			if err := e.sleep(ctx, e.cfg.LaunchDelay); err != nil {
				return result, err
			}
		}
	}

	if err := result.Err(); err != nil {
		logger.Warn().Err(err).Msg("partial launch")
	}

	if opts.Wait {
		if err := e.WaitRunning(ctx, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// WaitRunning blocks until every task of a launch is running, then
// registers the tasks that publish a port with their service
func (e *Engine) WaitRunning(ctx context.Context, result *LaunchResult) error {
	if len(result.Tasks) == 0 {
		return nil
	}

	err := e.retry(ctx, "wait_tasks", func() error {
		return e.tasks.WaitRunning(ctx, result.Tasks)
	})
	if err != nil {
		return fmt.Errorf("failed waiting for task %s: %w", result.Task, err)
	}

	for _, task := range result.Tasks {
		if task.State != types.TaskStateRunning {
			return fmt.Errorf("task %s (%s) is %s: %w", result.Task, task.ID, task.State, types.ErrInvalidState)
		}
		e.publish(events.EventTaskRunning, "task running", "task", result.Task, "task_id", task.ID)
		if err := e.register(ctx, result.Service, task, result.check); err != nil {
			return err
		}
	}
	return nil
}

// register adds a running task to its service when it publishes a port.
// A task with a health check is registered only once the check passes.
func (e *Engine) register(ctx context.Context, serviceName string, task *workload.Task, check *clusterdef.HealthCheck) error {
	if task.HostPort() == 0 {
		return nil
	}
	inst, ok := e.mirror.Instance(task.InstanceID)
	if !ok {
		if err := e.mirror.RefreshInstances(ctx); err != nil {
			return err
		}
		inst, ok = e.mirror.Instance(task.InstanceID)
	}

	if check != nil {
		if !ok || inst.PrivateIP == "" {
			return fmt.Errorf("no address to health check task %s on %s: %w", task.ID, task.InstanceID, types.ErrNotFound)
		}
		address := net.JoinHostPort(inst.PrivateIP, strconv.Itoa(int(task.HostPort())))
		if err := e.probe(ctx, check, address); err != nil {
			e.publish(events.EventTaskUnhealthy, "task failed its health check", "task_id", task.ID, "address", address)
			return fmt.Errorf("task %s not registered with %s: %w", task.ID, serviceName, err)
		}
	}

	ns := e.tasks.Namespace()
	err := e.retry(ctx, "register_task", func() error {
		svc, err := ns.Service(ctx, serviceName, true)
		if err != nil {
			return err
		}
		if err := svc.Register(ctx, task); err != nil {
			if isPermanent(err) {
				return retry.Fatal(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register task %s with %s: %w", task.ID, serviceName, err)
	}
	e.publish(events.EventTaskRegistered, "task registered", "task_id", task.ID, "service", serviceName)
	return nil
}

// StopTask stops every live task launched for name and returns how many
// were asked to stop
func (e *Engine) StopTask(ctx context.Context, name, reason string, wait bool) (int, error) {
	if _, err := e.def.GetTask(name); err != nil {
		return 0, err
	}
	if err := e.retry(ctx, "refresh_tasks", func() error { return e.tasks.Refresh(ctx) }); err != nil {
		return 0, err
	}

	logger := log.WithComponent("orchestrator").With().Str("task", name).Logger()
	stopped, pending := 0, 0
	for _, task := range e.tasks.ByName(name) {
		if task.Stopped() {
			continue
		}
		// Pending tasks only stop on their own; without wait there is nothing to do
		if task.State == types.TaskStatePending && !wait {
			pending++
			continue
		}
		if err := e.stopTask(ctx, task, reason, wait); err != nil {
			return stopped, err
		}
		stopped++
	}
	if pending > 0 {
		logger.Info().Int("pending", pending).Msg("pending tasks left to stop on their own")
	}
	if stopped == 0 && pending == 0 {
		logger.Info().Msg("task not running")
	}
	return stopped, nil
}

// StopTasks stops the given tasks, deregistering each first. Every task is
// attempted; the failures are joined.
func (e *Engine) StopTasks(ctx context.Context, tasks []*workload.Task, reason string, wait bool) error {
	var errs []error
	for _, task := range tasks {
		if task.Stopped() {
			continue
		}
		if err := e.stopTask(ctx, task, reason, wait); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop task %s: %w", task.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) stopTask(ctx context.Context, task *workload.Task, reason string, wait bool) error {
	err := e.retry(ctx, "stop_task", func() error {
		return task.Stop(ctx, reason, wait)
	})
	if err != nil {
		return err
	}
	e.publish(events.EventTaskStopped, "task stopped", "task", task.Name, "task_id", task.ID, "reason", reason)
	return nil
}

// containerInstance resolves a compute instance id to the placement
// service's identity for it
func (e *Engine) containerInstance(ctx context.Context, instanceID string) (string, error) {
	if instanceID == "" {
		return "", nil
	}
	inst, ok := e.mirror.Instance(instanceID)
	if !ok || inst.ContainerInstanceARN == "" {
		err := e.retry(ctx, "refresh_instances", func() error { return e.mirror.RefreshInstances(ctx) })
		if err != nil {
			return "", err
		}
		inst, ok = e.mirror.Instance(instanceID)
	}
	if !ok {
		return "", fmt.Errorf("instance %s: %w", instanceID, types.ErrNotFound)
	}
	if inst.ContainerInstanceARN != "" {
		return inst.ContainerInstanceARN, nil
	}
	return inst.ID, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, types.ErrNotRegistrable) || errors.Is(err, types.ErrRegisteredElsewhere)
}
