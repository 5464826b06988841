package batch

import (
	"context"
	"fmt"

	"github.com/cuemby/flotilla/pkg/events"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/orchestrator"
	"github.com/cuemby/flotilla/pkg/types"
	"github.com/cuemby/flotilla/pkg/workload"
)

// Group returns the launch group prefix of a unit
func (l *Loop) Group(key string) string {
	return l.cfg.GroupPrefix + "-" + key
}

// startStages launches each stage on the unit's instance and waits for it
// before the next. On failure everything the unit started is stopped and
// its instance terminated.
func (l *Loop) startStages(ctx context.Context, unit Unit, p *orchestrator.Provisioned, rec *types.UnitRecord) *UnitFailure {
	logger := log.WithUnit(unit.Key, p.Instance.Zone)
	group := l.Group(unit.Key)

	var launched []*workload.Task
	for _, stage := range l.cfg.Stages {
		result, err := l.engine.RunTask(ctx, stage, orchestrator.RunOptions{
			Taskset:    group,
			InstanceID: p.Instance.ID,
			Args:       unit.Args,
		})
		if result != nil {
			launched = append(launched, result.Tasks...)
			for _, task := range result.Tasks {
				rec.TaskIDs = append(rec.TaskIDs, task.ID)
			}
		}
		if err == nil {
			err = result.Err()
		}
		if err == nil && len(result.Tasks) == 0 {
			err = fmt.Errorf("stage %s launched no tasks", stage)
		}
		if err == nil {
			err = l.engine.WaitRunning(ctx, result)
		}
		if err != nil {
			return l.failUnit(ctx, unit, p, rec, launched, stage, err)
		}
		logger.Info().Str("stage", stage).Int("tasks", len(result.Tasks)).Msg("stage running")
	}

	rec.Status = types.UnitStatusRunning
	l.put(rec)
	logger.Info().Str("group", group).Msg("unit started")
	l.events.Publish(events.New(events.EventUnitCompleted, "unit workload running",
		"unit", unit.Key, "zone", p.Instance.Zone, "instance_id", p.Instance.ID))
	return nil
}

func (l *Loop) failUnit(ctx context.Context, unit Unit, p *orchestrator.Provisioned, rec *types.UnitRecord,
	launched []*workload.Task, stage string, cause error) *UnitFailure {
	logger := log.WithUnit(unit.Key, p.Instance.Zone)
	logger.Error().Err(cause).Str("stage", stage).Msg("unit stage failed, tearing down")

	if err := l.engine.StopTasks(ctx, launched, "batch unit failed at "+stage, true); err != nil {
		logger.Error().Err(err).Msg("failed to stop unit tasks")
	}
	if err := l.engine.Teardown(ctx, p); err != nil {
		logger.Error().Err(err).Str("instance_id", p.Instance.ID).Msg("failed to terminate unit instance")
	}

	rec.Status = types.UnitStatusFailed
	rec.Error = fmt.Sprintf("%s: %v", stage, cause)
	l.put(rec)
	l.events.Publish(events.New(events.EventUnitFailed, cause.Error(), "unit", unit.Key, "stage", stage))
	return &UnitFailure{Key: unit.Key, Stage: stage, Err: cause}
}
