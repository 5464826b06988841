package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/flotilla/pkg/events"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/types"
)

// StartCluster starts every stopped instance, then the auto-start tasksets
// in dependency order. It stops at the first taskset that fails.
func (e *Engine) StartCluster(ctx context.Context) error {
	logger := log.WithComponent("orchestrator")

	if err := e.retry(ctx, "refresh_mirror", func() error { return e.mirror.Refresh(ctx) }); err != nil {
		return err
	}
	for _, inst := range e.mirror.Instances() {
		if inst.State != types.InstanceStateStopped {
			continue
		}
		id := inst.ID
		if err := e.retry(ctx, "start_instance", func() error { return e.mirror.StartInstance(ctx, id, true) }); err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}
	}
	// Container instance identities appear once the agents register
	if err := e.retry(ctx, "refresh_instances", func() error { return e.mirror.RefreshInstances(ctx) }); err != nil {
		return err
	}

	order, err := e.TasksetOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		if err := e.StartTaskset(ctx, name); err != nil {
			logger.Error().Err(err).Str("taskset", name).Msg("cluster start aborted")
			return err
		}
	}

	logger.Info().Strs("tasksets", order).Msg("cluster started")
	e.publish(events.EventClusterStarted, "cluster started", "cluster", e.mirror.Cluster())
	return nil
}

// ShutdownCluster stops every live task, deregistering each first, waits
// for them to stop and then stops the instances
func (e *Engine) ShutdownCluster(ctx context.Context, reason string) error {
	logger := log.WithComponent("orchestrator")

	if err := e.retry(ctx, "refresh_tasks", func() error { return e.tasks.Refresh(ctx) }); err != nil {
		return err
	}

	var errs []error
	for _, task := range e.tasks.All() {
		if task.Stopped() {
			continue
		}
		if err := e.stopTask(ctx, task, reason, true); err != nil {
			logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to stop task")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		// Instances keep running while any task may still be registered
		return fmt.Errorf("failed to shut down cluster: %w", errors.Join(errs...))
	}

	if err := e.retry(ctx, "refresh_instances", func() error { return e.mirror.RefreshInstances(ctx) }); err != nil {
		return err
	}
	for _, inst := range e.mirror.Instances() {
		if inst.State != types.InstanceStateRunning {
			continue
		}
		id := inst.ID
		if err := e.retry(ctx, "stop_instance", func() error { return e.mirror.StopInstance(ctx, id, true) }); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to shut down cluster: %w", errors.Join(errs...))
	}

	logger.Info().Str("reason", reason).Msg("cluster shut down")
	e.publish(events.EventClusterShutdown, "cluster shut down", "cluster", e.mirror.Cluster(), "reason", reason)
	return nil
}

// UpdateAgents runs the system update commands on every running instance
func (e *Engine) UpdateAgents(ctx context.Context) (*Command, error) {
	ids, err := e.runningInstances(ctx, false)
	if err != nil {
		return nil, err
	}
	return e.RunCommand(ctx, ids, e.cfg.UpdateCommands, "Automated cluster update.")
}

// SyncMounts runs the sync commands on every running private instance
func (e *Engine) SyncMounts(ctx context.Context) (*Command, error) {
	ids, err := e.runningInstances(ctx, true)
	if err != nil {
		return nil, err
	}
	return e.RunCommand(ctx, ids, e.cfg.SyncCommands, "One-off instance sync.")
}

func (e *Engine) runningInstances(ctx context.Context, privateOnly bool) ([]string, error) {
	if err := e.retry(ctx, "refresh_instances", func() error { return e.mirror.RefreshInstances(ctx) }); err != nil {
		return nil, err
	}
	var ids []string
	for _, inst := range e.mirror.Instances() {
		if inst.State != types.InstanceStateRunning {
			continue
		}
		if privateOnly && inst.SubnetType() == types.SubnetTypePublic {
			continue
		}
		ids = append(ids, inst.ID)
	}
	return ids, nil
}
