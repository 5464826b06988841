package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/flotilla/pkg/events"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/mirror"
	"github.com/cuemby/flotilla/pkg/types"
	"github.com/cuemby/flotilla/pkg/workload"
)

// DefaultRetention is how long stopped task records are kept
const DefaultRetention = 7 * 24 * time.Hour

// Pruner deletes old task records. storage.Store satisfies it.
type Pruner interface {
	PruneTaskRecords(stoppedBefore time.Time) (int, error)
}

// Result summarizes one reconciliation pass
type Result struct {
	StoppedTasks   []string // tasks first seen stopped in this pass
	StaleEndpoints []string // endpoints removed, as service/task
	Pruned         int
}

// Reconciler brings the local view of the cluster back in line with the
// providers and removes registrations whose task is gone
type Reconciler struct {
	mirror    *mirror.Mirror
	tasks     *workload.Tasks
	events    events.Publisher
	pruner    Pruner
	retention time.Duration
	mu        sync.Mutex
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithEvents publishes reconciliation events to p
func WithEvents(p events.Publisher) Option {
	return func(r *Reconciler) {
		r.events = p
	}
}

// WithPruner drops stopped task records older than retention on every pass
func WithPruner(p Pruner, retention time.Duration) Option {
	return func(r *Reconciler) {
		r.pruner = p
		if retention > 0 {
			r.retention = retention
		}
	}
}

// NewReconciler creates a new reconciler
func NewReconciler(m *mirror.Mirror, tasks *workload.Tasks, opts ...Option) *Reconciler {
	r := &Reconciler{
		mirror:    m,
		tasks:     tasks,
		events:    events.Discard{},
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reconciles every interval until ctx is cancelled. A failed pass is
// logged and does not stop the loop.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	logger := log.WithComponent("reconciler")
	logger.Info().Dur("interval", interval).Msg("reconciler started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.ReconcileOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("reconciliation failed")
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ReconcileOnce performs one reconciliation pass
func (r *Reconciler) ReconcileOnce(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCycles.Inc()
	}()

	result := &Result{}

	if err := r.mirror.Refresh(ctx); err != nil {
		metrics.ReportComponent(metrics.ComponentProvider, err)
		return result, err
	}

	live := make(map[string]bool)
	for _, task := range r.tasks.All() {
		if !task.Stopped() {
			live[task.ID] = true
		}
	}
	err := r.tasks.Refresh(ctx)
	metrics.ReportComponent(metrics.ComponentProvider, err)
	if err != nil {
		return result, err
	}

	var states []types.TaskState
	for _, task := range r.tasks.All() {
		states = append(states, task.State)
		if live[task.ID] && task.Stopped() {
			result.StoppedTasks = append(result.StoppedTasks, task.ID)
			r.publish(events.EventTaskStopped, fmt.Sprintf("task %s stopped", task.ID),
				"task_id", task.ID, "task", task.Name, "reason", task.StoppedReason)
		}
	}

	services := 0
	if ns := r.tasks.Namespace(); ns != nil {
		svcs, err := ns.Services(ctx)
		if err != nil {
			return result, err
		}
		services = len(svcs)
		for _, svc := range svcs {
			removed, err := r.pruneEndpoints(ctx, svc)
			result.StaleEndpoints = append(result.StaleEndpoints, removed...)
			if err != nil {
				return result, err
			}
		}
	}

	if r.pruner != nil {
		pruned, err := r.pruner.PruneTaskRecords(time.Now().Add(-r.retention))
		metrics.ReportComponent(metrics.ComponentStore, err)
		if err != nil {
			return result, fmt.Errorf("failed to prune task records: %w", err)
		}
		result.Pruned = pruned
	}

	metrics.Record(metrics.Inventory{
		Instances: r.mirror.Instances(),
		Volumes:   r.mirror.Volumes(),
		Tasks:     states,
		Services:  services,
	})

	log.Logger.Debug().
		Str("component", "reconciler").
		Int("stopped_tasks", len(result.StoppedTasks)).
		Int("stale_endpoints", len(result.StaleEndpoints)).
		Int("pruned", result.Pruned).
		Dur("duration", timer.Duration()).
		Msg("reconciliation complete")

	return result, nil
}

// pruneEndpoints deregisters endpoints whose task is unknown or not running
func (r *Reconciler) pruneEndpoints(ctx context.Context, svc *workload.Service) ([]string, error) {
	eps, err := svc.Endpoints(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, ep := range eps {
		task, known := r.tasks.Get(ep.InstanceID)
		if known && task.State == types.TaskStateRunning {
			continue
		}

		if known {
			err = svc.Deregister(ctx, task)
		} else {
			err = svc.DeregisterEndpoint(ctx, ep.InstanceID)
		}
		if err != nil {
			return removed, err
		}

		metrics.StaleRegistrations.Inc()
		removed = append(removed, svc.Name()+"/"+ep.InstanceID)

		log.WithTaskID(ep.InstanceID).Warn().
			Str("component", "reconciler").
			Str("service", svc.FQDN()).
			Bool("tracked", known).
			Msg("removed stale registration")
		r.publish(events.EventTaskDeregistered, fmt.Sprintf("stale endpoint %s removed from %s", ep.InstanceID, svc.Name()),
			"task_id", ep.InstanceID, "service", svc.Name())
	}
	return removed, nil
}

func (r *Reconciler) publish(eventType events.EventType, message string, kv ...string) {
	r.events.Publish(events.New(eventType, message, kv...))
}
