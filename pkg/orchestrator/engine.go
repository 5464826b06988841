package orchestrator

import (
	"context"
	"time"

	"github.com/cuemby/flotilla/pkg/clusterdef"
	"github.com/cuemby/flotilla/pkg/events"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/mirror"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/retry"
	"github.com/cuemby/flotilla/pkg/workload"
)

// Config holds the engine's tunables
type Config struct {
	// StartedBy is recorded on every launched task
	StartedBy string
	// LaunchDelay separates consecutive launch calls
	LaunchDelay time.Duration
	// RetryAttempts and RetryDelay govern every remote operation
	RetryAttempts int
	RetryDelay    time.Duration
	// CommandPoll is the interval between command status checks
	CommandPoll time.Duration
	// UpdateCommands and SyncCommands back UpdateAgents and SyncMounts
	UpdateCommands []string
	SyncCommands   []string
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		StartedBy:     "flotilla",
		LaunchDelay:   2 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    10 * time.Second,
		CommandPoll:   5 * time.Second,
		UpdateCommands: []string{
			"yum update -y",
			"/root/bin/update.sh",
			"sudo -u ec2-user /home/ec2-user/bin/update.sh",
		},
		SyncCommands: []string{
			"sudo -u ec2-user /home/ec2-user/bin/update.sh",
		},
	}
}

// Engine drives tasksets, tasks, provisioning and remote commands for one
// cluster. It is not safe for concurrent use.
type Engine struct {
	def       *clusterdef.Cluster
	mirror    *mirror.Mirror
	tasks     *workload.Tasks
	placement provider.Placement
	commander provider.Commander
	events    events.Publisher
	cfg       Config
	sleep     func(ctx context.Context, d time.Duration) error
	probe     ProbeFunc
}

// ProbeFunc checks that a task answers at address (host:port) before it is
// registered
type ProbeFunc func(ctx context.Context, check *clusterdef.HealthCheck, address string) error

// Option configures an Engine
type Option func(*Engine)

// WithCommander enables remote command dispatch
func WithCommander(c provider.Commander) Option {
	return func(e *Engine) {
		e.commander = c
	}
}

// WithEvents publishes orchestration events to p
func WithEvents(p events.Publisher) Option {
	return func(e *Engine) {
		e.events = p
	}
}

// WithConfig replaces the default configuration
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithSleep replaces the delay function used between launches
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = fn
	}
}

// WithProbe replaces the endpoint health probe
func WithProbe(fn ProbeFunc) Option {
	return func(e *Engine) {
		e.probe = fn
	}
}

// New creates an engine
func New(def *clusterdef.Cluster, m *mirror.Mirror, tasks *workload.Tasks, placement provider.Placement, opts ...Option) *Engine {
	e := &Engine{
		def:       def,
		mirror:    m,
		tasks:     tasks,
		placement: placement,
		events:    events.Discard{},
		cfg:       DefaultConfig(),
		sleep:     sleepContext,
		probe:     probeEndpoint,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.RetryAttempts < 1 {
		e.cfg.RetryAttempts = 1
	}
	return e
}

// Definition returns the cluster definition the engine runs
func (e *Engine) Definition() *clusterdef.Cluster { return e.def }

// Mirror returns the resource mirror
func (e *Engine) Mirror() *mirror.Mirror { return e.mirror }

// Tasks returns the task tracker
func (e *Engine) Tasks() *workload.Tasks { return e.tasks }

// Config returns the engine configuration
func (e *Engine) Config() Config { return e.cfg }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// retry runs fn under the engine retry policy
func (e *Engine) retry(ctx context.Context, operation string, fn func() error) error {
	return retry.Do(ctx, fn,
		retry.Fixed(e.cfg.RetryAttempts, e.cfg.RetryDelay),
		retry.WithOnRetry(func(attempt int, err error) {
			metrics.RetriesTotal.WithLabelValues(operation).Inc()
			log.WithComponent("orchestrator").Warn().
				Err(err).
				Str("operation", operation).
				Int("attempt", attempt).
				Msg("remote operation failed, retrying")
		}),
	)
}

func (e *Engine) publish(eventType events.EventType, message string, kv ...string) {
	e.events.Publish(events.New(eventType, message, kv...))
}
