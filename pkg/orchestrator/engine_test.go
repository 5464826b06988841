package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/flotilla/pkg/clusterdef"
	"github.com/cuemby/flotilla/pkg/events"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/mirror"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/provider/fake"
	"github.com/cuemby/flotilla/pkg/types"
	"github.com/cuemby/flotilla/pkg/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Nop()
}

const testCluster = `
cluster:
  name: test
  namespace: local
tasks:
  jetdb:
    task_definition: jetdb:3
  jetweb:
    task_definition: jetweb:7
    depends_on: [jetdb]
    service: web
  mapper:
    task_definition: mapper:1
    count: 3
  api:
    task_definition: api:2
    health_check:
      type: http
      path: health
  loop-a:
    task_definition: loop:1
    depends_on: [loop-b]
  loop-b:
    task_definition: loop:1
    depends_on: [loop-a]
tasksets:
  core:
    tasks: [jetweb, jetdb]
    auto_start: true
  mapping:
    tasks: [mapper]
    depends_on: [core]
    auto_start: true
  loops:
    tasks: [loop-a, loop-b]
`

type recordingPublisher struct {
	events []*events.Event
}

func (r *recordingPublisher) Publish(ev *events.Event) { r.events = append(r.events, ev) }

func (r *recordingPublisher) has(eventType events.EventType) bool {
	for _, ev := range r.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

type testEnv struct {
	compute   *fake.Compute
	placement *fake.Placement
	discovery *fake.Discovery
	commander *fake.Commander
	published *recordingPublisher
	mirror    *mirror.Mirror
	engine    *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	def, err := clusterdef.Parse([]byte(testCluster))
	require.NoError(t, err)

	env := &testEnv{
		compute:   fake.NewCompute(),
		placement: fake.NewPlacement(),
		discovery: fake.NewDiscovery(),
		commander: fake.NewCommander(),
		published: &recordingPublisher{},
	}

	env.compute.AddInstance(types.ComputeInstance{
		ID:        "i-host",
		State:     types.InstanceStateRunning,
		PrivateIP: "10.1.0.5",
		Zone:      "z1",
		Tags: map[string]string{
			types.TagClusterName: "test",
			types.TagName:        "host",
			types.TagSubnetType:  types.SubnetTypePrivate,
		},
	})
	env.compute.AddSubnet(types.Subnet{
		ID:   "subnet-z1",
		Zone: "z1",
		Tags: map[string]string{types.TagClusterName: "test"},
	})
	env.placement.HostFor = func(provider.LaunchRequest) string { return "i-host" }

	env.mirror = mirror.New(env.compute, "test")
	require.NoError(t, env.mirror.Refresh(context.Background()))
	ns := workload.NewNamespace(env.discovery, env.mirror, def.Namespace, workload.WithPollInterval(time.Millisecond))
	tasks := workload.NewTasks(env.placement, ns)

	cfg := DefaultConfig()
	cfg.RetryDelay = 0
	cfg.LaunchDelay = time.Second
	cfg.CommandPoll = time.Millisecond
	env.engine = New(def, env.mirror, tasks, env.placement,
		WithCommander(env.commander),
		WithEvents(env.published),
		WithConfig(cfg),
		WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
	return env
}

func launchedNames(p *fake.Placement) []string {
	var names []string
	for _, req := range p.Launches {
		names = append(names, req.ContainerName)
	}
	return names
}

func TestStartTasksetBlockedByDependency(t *testing.T) {
	env := newTestEnv(t)
	env.placement.AddTask(types.Task{Name: "jetdb", Group: "core:jetdb", State: types.TaskStatePending})
	env.placement.AddTask(types.Task{Name: "jetweb", Group: "core:jetweb", State: types.TaskStateRunning})

	err := env.engine.StartTaskset(context.Background(), "mapping")

	var depErr *types.DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "mapping", depErr.Taskset)
	assert.Equal(t, "core", depErr.Dependency)
	assert.Equal(t, "jetdb", depErr.Task)
	assert.Equal(t, types.TaskStatePending, depErr.State)
	assert.Zero(t, env.placement.CallCount("LaunchTask"))
	assert.True(t, env.published.has(events.EventTasksetBlocked))
}

func TestStartTasksetOrdersMembersAndRegisters(t *testing.T) {
	env := newTestEnv(t)
	env.placement.Ports = []types.PortBinding{{ContainerPort: 8080, HostPort: 31000}}

	require.NoError(t, env.engine.StartTaskset(context.Background(), "core"))

	assert.Equal(t, []string{"jetdb", "jetweb"}, launchedNames(env.placement))
	for _, req := range env.placement.Launches {
		assert.Equal(t, "core:"+req.ContainerName, req.Group)
		assert.Equal(t, "flotilla", req.StartedBy)
		assert.Equal(t, req.ContainerName+"-1", req.Tags[types.TagName])
		assert.Equal(t, "1", req.Tags[types.TagContainerNum])
	}
	assert.Equal(t, "web", env.placement.Launches[1].Tags[types.TagServiceName])

	svc, err := env.engine.Tasks().Namespace().Service(context.Background(), "web", false)
	require.NoError(t, err)
	require.NotNil(t, svc)
	eps, err := svc.Endpoints(context.Background())
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "10.1.0.5", eps[0].Attributes[workload.AttrInstanceIPv4])
	assert.Equal(t, "31000", eps[0].Attributes[workload.AttrInstancePort])
	assert.Equal(t, "web.local", svc.FQDN())

	assert.True(t, env.published.has(events.EventTasksetStarted))
	assert.True(t, env.published.has(events.EventTaskRegistered))
}

func TestRunTaskHealthGatesRegistration(t *testing.T) {
	tests := []struct {
		name       string
		probeErr   error
		registered bool
	}{
		{name: "healthy", registered: true},
		{name: "unhealthy", probeErr: errors.New("connection refused"), registered: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.placement.Ports = []types.PortBinding{{ContainerPort: 8080, HostPort: 31000}}

			var probed []string
			env.engine.probe = func(ctx context.Context, check *clusterdef.HealthCheck, address string) error {
				assert.Equal(t, "http", check.Type)
				probed = append(probed, address)
				return tt.probeErr
			}

			_, err := env.engine.RunTask(context.Background(), "api", RunOptions{Wait: true})
			assert.Equal(t, []string{"10.1.0.5:31000"}, probed)

			svc, svcErr := env.engine.Tasks().Namespace().Service(context.Background(), "api", false)
			require.NoError(t, svcErr)
			if tt.registered {
				require.NoError(t, err)
				require.NotNil(t, svc)
				eps, err := svc.Endpoints(context.Background())
				require.NoError(t, err)
				assert.Len(t, eps, 1)
				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.probeErr)
			assert.True(t, env.published.has(events.EventTaskUnhealthy))
			assert.False(t, env.published.has(events.EventTaskRegistered))
		})
	}
}

func TestStartTasksetCycleLaunchesNothing(t *testing.T) {
	env := newTestEnv(t)

	err := env.engine.StartTaskset(context.Background(), "loops")

	var cyc *types.CyclicDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.Zero(t, env.placement.CallCount("LaunchTask"))
}

func TestRunTaskPartialLaunch(t *testing.T) {
	env := newTestEnv(t)
	env.placement.LaunchHook = func(req provider.LaunchRequest, seq int) (*types.LaunchFailure, error) {
		if seq == 2 {
			return &types.LaunchFailure{Reason: "RESOURCE:MEMORY"}, nil
		}
		return nil, nil
	}

	result, err := env.engine.RunTask(context.Background(), "mapper", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Requested)
	assert.Len(t, result.Tasks, 2)
	require.Len(t, result.Fails, 1)
	assert.Equal(t, 2, result.Fails[0].Index)
	assert.Equal(t, "RESOURCE:MEMORY", result.Fails[0].Reason)
	assert.Equal(t, "single:mapper", result.Group)
	assert.Equal(t, 3, env.placement.CallCount("LaunchTask"))

	var partial *types.PartialLaunchFailure
	require.ErrorAs(t, result.Err(), &partial)
	assert.Equal(t, 2, partial.Launched)
}

func TestRunTaskCountOverrideWaits(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.engine.RunTask(context.Background(), "mapper", RunOptions{Count: 1, Taskset: "mapping", Wait: true})
	require.NoError(t, err)
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, types.TaskStateRunning, result.Tasks[0].State)
	assert.Equal(t, "mapping:mapper", env.placement.Launches[0].Group)
}

func TestRunTaskExhaustedRetriesRecordedAsFailure(t *testing.T) {
	env := newTestEnv(t)
	env.placement.LaunchHook = func(req provider.LaunchRequest, seq int) (*types.LaunchFailure, error) {
		return nil, errors.New("throttled")
	}

	result, err := env.engine.RunTask(context.Background(), "jetdb", RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Tasks)
	require.Len(t, result.Fails, 1)
	assert.Contains(t, result.Fails[0].Reason, "throttled")
	assert.Equal(t, 3, env.placement.CallCount("LaunchTask"))
}

func TestRunTaskUnknownIsConfigurationError(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.RunTask(context.Background(), "nope", RunOptions{})

	var cfgErr *types.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "nope", cfgErr.Name)
}

func TestStopTaskDeregistersFirst(t *testing.T) {
	env := newTestEnv(t)
	env.placement.Ports = []types.PortBinding{{ContainerPort: 8080, HostPort: 31000}}
	ctx := context.Background()

	_, err := env.engine.RunTask(ctx, "jetweb", RunOptions{Wait: true})
	require.NoError(t, err)

	n, err := env.engine.StopTask(ctx, "jetweb", "maintenance", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, env.placement.Stopped, 1)

	svc, err := env.engine.Tasks().Namespace().Service(ctx, "web", false)
	require.NoError(t, err)
	eps, err := svc.Endpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, eps)

	// Nothing left to stop
	n, err = env.engine.StopTask(ctx, "jetweb", "maintenance", true)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStopTaskSkipsPendingWithoutWait(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.placement.AddTask(types.Task{Name: "jetweb", Group: "single:jetweb", State: types.TaskStatePending})
	env.placement.AddTask(types.Task{Name: "jetweb", Group: "single:jetweb", State: types.TaskStateRunning})

	n, err := env.engine.StopTask(ctx, "jetweb", "maintenance", false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, env.placement.Stopped, 1)
}

func TestTasksetOrder(t *testing.T) {
	env := newTestEnv(t)

	order, err := env.engine.TasksetOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "mapping"}, order)
}

func TestStartAndShutdownCluster(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.compute.AddInstance(types.ComputeInstance{
		ID:    "i-stopped",
		State: types.InstanceStateStopped,
		Tags:  map[string]string{types.TagClusterName: "test", types.TagName: "spare"},
	})

	require.NoError(t, env.engine.StartCluster(ctx))

	inst, ok := env.mirror.Instance("i-stopped")
	require.True(t, ok)
	assert.Equal(t, types.InstanceStateRunning, inst.State)
	assert.Equal(t, []string{"jetdb", "jetweb", "mapper", "mapper", "mapper"}, launchedNames(env.placement))

	require.NoError(t, env.engine.ShutdownCluster(ctx, "nightly"))

	for _, task := range env.engine.Tasks().All() {
		assert.True(t, task.Stopped(), task.ID)
	}
	for _, inst := range env.mirror.Instances() {
		assert.Equal(t, types.InstanceStateStopped, inst.State, inst.ID)
	}
}

func TestProvisionUnit(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.engine.ProvisionUnit(context.Background(), ProvisionSpec{
		Zone:     "z1",
		Volume:   provider.VolumeSpec{Name: "Vol-1", Size: 150, Type: "io1"},
		Instance: provider.InstanceSpec{Name: "mapper-1", InstanceType: "c5.4xlarge"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/dev/sdc", p.Device)
	assert.Equal(t, "subnet-z1", p.Instance.SubnetID)
	require.NotNil(t, p.Volume.Attachment)
	assert.Equal(t, p.Instance.ID, p.Volume.Attachment.InstanceID)
	assert.False(t, p.Volume.Persistent())

	require.NoError(t, env.engine.Teardown(context.Background(), p))
	_, ok := env.mirror.Volume(p.Volume.ID)
	assert.False(t, ok)
}

func TestProvisionUnitRollback(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(c *fake.Compute)
		stage      string
		rolledBack int
	}{
		{
			name: "volume creation fails",
			setup: func(c *fake.Compute) {
				c.CreateVolumeHook = func(provider.VolumeSpec) error { return errors.New("quota") }
			},
			stage: StageVolume,
		},
		{
			name: "instance launch fails",
			setup: func(c *fake.Compute) {
				c.RunInstanceHook = func(provider.InstanceSpec) error { return errors.New("InsufficientInstanceCapacity") }
			},
			stage:      StageInstance,
			rolledBack: 1,
		},
		{
			name: "attach fails",
			setup: func(c *fake.Compute) {
				c.AttachHook = func(string, string) error { return errors.New("IncorrectState") }
			},
			stage:      StageAttach,
			rolledBack: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.setup(env.compute)

			_, err := env.engine.ProvisionUnit(context.Background(), ProvisionSpec{
				Zone:     "z1",
				Volume:   provider.VolumeSpec{Name: "Vol-1", Size: 10, Type: "gp3"},
				Instance: provider.InstanceSpec{Name: "mapper-1"},
			})

			var pf *types.ProvisioningFailure
			require.ErrorAs(t, err, &pf)
			assert.Equal(t, tt.stage, pf.Stage)
			assert.Equal(t, "z1", pf.Zone)
			assert.Len(t, pf.RolledBack, tt.rolledBack)
			assert.Empty(t, env.compute.Volumes)
			for id, inst := range env.compute.Instances {
				if id != "i-host" {
					assert.Equal(t, types.InstanceStateTerminated, inst.State)
				}
			}
		})
	}
}

func TestRunCommand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cmd, err := env.engine.UpdateAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-host"}, cmd.InstanceIDs)
	assert.Equal(t, DefaultConfig().UpdateCommands, env.commander.Sent[0])

	require.NoError(t, cmd.Wait(ctx))
	ok, err := cmd.Success(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCommandCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.commander.Status["i-host"] = provider.InvocationInProgress

	cmd, err := env.engine.SyncMounts(ctx)
	require.NoError(t, err)

	done, err := cmd.Done(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	cancelled, err := cmd.Cancel(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-host"}, cancelled)
	assert.Equal(t, []string{"i-host"}, env.commander.Cancelled)

	require.NoError(t, cmd.Wait(ctx))
	assert.Equal(t, provider.InvocationCancelled, cmd.Statuses()["i-host"])

	// Finished invocations cannot be cancelled again
	cancelled, err = cmd.Cancel(ctx)
	require.NoError(t, err)
	assert.Empty(t, cancelled)
}

func TestRunCommandWithoutCommander(t *testing.T) {
	env := newTestEnv(t)
	env.engine.commander = nil

	_, err := env.engine.RunCommand(context.Background(), []string{"i-host"}, []string{"true"}, "noop")
	assert.ErrorIs(t, err, ErrNoCommander)
}
