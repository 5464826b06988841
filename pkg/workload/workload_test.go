package workload

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/mirror"
	"github.com/cuemby/flotilla/pkg/provider/fake"
	"github.com/cuemby/flotilla/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Nop()
}

type recorder struct {
	statuses map[string][]string
}

func (r *recorder) RecordStatus(task *types.Task, message string) error {
	if r.statuses == nil {
		r.statuses = make(map[string][]string)
	}
	r.statuses[task.ID] = append(r.statuses[task.ID], string(task.State))
	return nil
}

type env struct {
	compute   *fake.Compute
	placement *fake.Placement
	discovery *fake.Discovery
	mirror    *mirror.Mirror
	ns        *Namespace
	tasks     *Tasks
	rec       *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		compute:   fake.NewCompute(),
		placement: fake.NewPlacement(),
		discovery: fake.NewDiscovery(),
		rec:       &recorder{},
	}
	e.compute.AddInstance(types.ComputeInstance{
		ID:        "i-host",
		State:     types.InstanceStateRunning,
		PrivateIP: "10.1.0.5",
		Tags:      map[string]string{types.TagClusterName: "test", types.TagName: "host"},
	})
	e.mirror = mirror.New(e.compute, "test")
	require.NoError(t, e.mirror.Refresh(context.Background()))
	e.ns = NewNamespace(e.discovery, e.mirror, ".local", WithPollInterval(time.Millisecond))
	e.tasks = NewTasks(e.placement, e.ns, WithRecorder(e.rec))
	return e
}

func (e *env) runningTask(name string, port int32) *Task {
	seeded := e.placement.AddTask(types.Task{
		Name:       name,
		Group:      "core:" + name,
		State:      types.TaskStateRunning,
		InstanceID: "i-host",
		Ports:      []types.PortBinding{{ContainerPort: 8080, HostPort: port}},
		Tags:       map[string]string{types.TagServiceName: name},
		CreatedAt:  time.Now(),
	})
	return e.tasks.Track(*seeded, "launched")
}

func TestStopStoppedTaskMakesNoCalls(t *testing.T) {
	e := newEnv(t)
	task := e.tasks.Track(types.Task{ID: "task-x", Name: "jetdb", State: types.TaskStateStopped}, "")

	require.NoError(t, task.Stop(context.Background(), "done", true))

	assert.Equal(t, 0, e.placement.TotalCalls())
	assert.Equal(t, 0, e.discovery.CallCount("ListServices"))
	assert.Equal(t, 0, e.discovery.CallCount("DeregisterEndpoint"))
}

func TestStopDeregistersBeforeStopping(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	task := e.runningTask("jetdb", 32768)

	svc, err := e.ns.Service(ctx, "jetdb", true)
	require.NoError(t, err)
	require.NoError(t, svc.Register(ctx, task))
	assert.Equal(t, "jetdb", task.ServiceName)

	require.Len(t, e.discovery.Endpoints[svc.ID()], 1)

	require.NoError(t, task.Stop(ctx, "shutdown", true))

	assert.Len(t, e.placement.Stopped, 1)
	assert.Empty(t, e.discovery.Endpoints[svc.ID()])
	assert.Equal(t, 1, e.discovery.CallCount("DeregisterEndpoint"))
	assert.Equal(t, types.TaskStateStopped, task.State)
	assert.Empty(t, task.ServiceName)
	assert.Equal(t, []string{"running", "stopping", "stopped"}, e.rec.statuses[task.ID])
}

// orderedDiscovery fails the test if a task is stopped while still registered
type orderedDiscovery struct {
	*fake.Discovery
	placement *fake.Placement
	t         *testing.T
}

func (d *orderedDiscovery) DeregisterEndpoint(ctx context.Context, serviceID, endpointID string) (string, error) {
	assert.Empty(d.t, d.placement.Stopped, "stop issued before deregistration")
	return d.Discovery.DeregisterEndpoint(ctx, serviceID, endpointID)
}

func TestStopOrdering(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	d := &orderedDiscovery{Discovery: e.discovery, placement: e.placement, t: t}
	ns := NewNamespace(d, e.mirror, ".local", WithPollInterval(time.Millisecond))
	tasks := NewTasks(e.placement, ns)

	seeded := e.placement.AddTask(types.Task{
		Name: "overseer", State: types.TaskStateRunning, InstanceID: "i-host",
		Ports: []types.PortBinding{{ContainerPort: 9000, HostPort: 31000}},
	})
	task := tasks.Track(*seeded, "")
	svc, err := ns.Service(ctx, "overseer", true)
	require.NoError(t, err)
	require.NoError(t, svc.Register(ctx, task))

	require.NoError(t, task.Stop(ctx, "bye", false))
	assert.Equal(t, types.TaskStateStopping, task.State)
	assert.Len(t, e.placement.Stopped, 1)
}

func TestStopPendingTaskWaits(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	seeded := e.placement.AddTask(types.Task{Name: "processor", State: types.TaskStatePending})
	task := e.tasks.Track(*seeded, "")

	require.NoError(t, task.Stop(ctx, "cancel", false))
	assert.Equal(t, 0, e.placement.CallCount("StopTask"))
	assert.Equal(t, types.TaskStatePending, task.State)

	require.NoError(t, task.Stop(ctx, "cancel", true))
	assert.Equal(t, 0, e.placement.CallCount("StopTask"))
	assert.Equal(t, 1, e.placement.CallCount("WaitTasks"))
	assert.Equal(t, types.TaskStateStopped, task.State)
}

func TestRegisterRules(t *testing.T) {
	ctx := context.Background()

	t.Run("not running", func(t *testing.T) {
		e := newEnv(t)
		svc, err := e.ns.Service(ctx, "jetdb", true)
		require.NoError(t, err)
		task := e.tasks.Track(types.Task{ID: "task-p", State: types.TaskStatePending, Ports: []types.PortBinding{{HostPort: 1}}}, "")
		assert.ErrorIs(t, svc.Register(ctx, task), types.ErrNotRegistrable)
		assert.Equal(t, 0, e.discovery.CallCount("RegisterEndpoint"))
	})

	t.Run("no ports", func(t *testing.T) {
		e := newEnv(t)
		svc, err := e.ns.Service(ctx, "jetdb", true)
		require.NoError(t, err)
		task := e.runningTask("jetdb", 0)
		assert.ErrorIs(t, svc.Register(ctx, task), types.ErrNotRegistrable)
	})

	t.Run("registered elsewhere", func(t *testing.T) {
		e := newEnv(t)
		a, err := e.ns.Service(ctx, "a", true)
		require.NoError(t, err)
		b, err := e.ns.Service(ctx, "b", true)
		require.NoError(t, err)
		task := e.runningTask("jetdb", 32768)
		require.NoError(t, a.Register(ctx, task))
		assert.ErrorIs(t, b.Register(ctx, task), types.ErrRegisteredElsewhere)
	})

	t.Run("idempotent", func(t *testing.T) {
		e := newEnv(t)
		svc, err := e.ns.Service(ctx, "jetdb", true)
		require.NoError(t, err)
		task := e.runningTask("jetdb", 32768)
		require.NoError(t, svc.Register(ctx, task))
		require.NoError(t, svc.Register(ctx, task))
		assert.Equal(t, 1, e.discovery.CallCount("RegisterEndpoint"))

		eps, err := svc.Endpoints(ctx)
		require.NoError(t, err)
		require.Len(t, eps, 1)
		assert.Equal(t, "10.1.0.5", eps[0].Address)
		assert.Equal(t, int32(32768), eps[0].Port)
		assert.Equal(t, "32768", eps[0].Attributes[AttrInstancePort])
		assert.Equal(t, "jetdb.local", svc.FQDN())
	})
}

func TestDeregisterTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	svc, err := e.ns.Service(ctx, "jetdb", true)
	require.NoError(t, err)
	task := e.runningTask("jetdb", 32768)
	require.NoError(t, svc.Register(ctx, task))

	require.NoError(t, svc.Deregister(ctx, task))
	require.NoError(t, svc.Deregister(ctx, task))

	assert.Equal(t, 1, e.discovery.CallCount("DeregisterEndpoint"))
	assert.Empty(t, task.ServiceName)
}

func TestNamespaceServices(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	missing, err := e.ns.Service(ctx, "nope", false)
	require.NoError(t, err)
	assert.Nil(t, missing)

	svc, err := e.ns.Service(ctx, "jetdb", true)
	require.NoError(t, err)
	again, err := e.ns.Service(ctx, "jetdb", true)
	require.NoError(t, err)
	assert.Same(t, svc, again)
	assert.Equal(t, 1, e.discovery.CallCount("CreateService"))

	task := e.runningTask("jetdb", 32768)
	require.NoError(t, svc.Register(ctx, task))

	require.NoError(t, e.ns.DeleteService(ctx, "jetdb"))
	services, err := e.ns.Services(ctx)
	require.NoError(t, err)
	assert.Empty(t, services)

	assert.ErrorIs(t, e.ns.DeleteService(ctx, "jetdb"), types.ErrNotFound)
}

func TestTasksRefresh(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	a := e.placement.AddTask(types.Task{Name: "a", Group: "core:a", State: types.TaskStatePending, CreatedAt: time.Now()})
	e.placement.AddTask(types.Task{Name: "b", Group: "core:b", State: types.TaskStateRunning, CreatedAt: time.Now().Add(time.Second)})

	require.NoError(t, e.tasks.Refresh(ctx))
	require.Len(t, e.tasks.All(), 2)
	held, ok := e.tasks.Get(a.ID)
	require.True(t, ok)

	e.placement.SetState(a.ID, types.TaskStateRunning)
	require.NoError(t, e.tasks.Refresh(ctx))
	again, _ := e.tasks.Get(a.ID)
	assert.Same(t, held, again)
	assert.Equal(t, types.TaskStateRunning, held.State)

	// Vanished from placement entirely
	delete(e.placement.Tasks, a.ID)
	require.NoError(t, e.tasks.Refresh(ctx))
	assert.True(t, held.Stopped())

	// Nothing leaves stopped
	e.placement.AddTask(types.Task{ID: a.ID, Name: "a", State: types.TaskStateRunning})
	require.NoError(t, e.tasks.Refresh(ctx))
	assert.True(t, held.Stopped())

	assert.Len(t, e.tasks.ByGroup("core:b"), 1)
	assert.Len(t, e.tasks.ByName("a"), 1)
	assert.True(t, e.tasks.Forget(a.ID))
	assert.False(t, e.tasks.Forget("missing"))
	assert.Len(t, e.tasks.All(), 1)
}

func TestWaitRunning(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	seeded := e.placement.AddTask(types.Task{Name: "jetdb", State: types.TaskStatePending})
	task := e.tasks.Track(*seeded, "")

	require.NoError(t, e.tasks.WaitRunning(ctx, []*Task{task}))
	assert.Equal(t, types.TaskStateRunning, task.State)

	other := e.tasks.Track(*e.placement.AddTask(types.Task{Name: "x", State: types.TaskStatePending}), "")
	e.placement.Stuck[other.ID] = true
	assert.Error(t, e.tasks.WaitRunning(ctx, []*Task{other}))
}
