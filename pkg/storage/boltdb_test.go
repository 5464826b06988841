package storage

import (
	"testing"
	"time"

	"github.com/cuemby/flotilla/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestServices(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateService(&types.ServiceRecord{ID: "srv-1", Name: "jetdb", TTL: 60}))
	require.NoError(t, store.CreateService(&types.ServiceRecord{ID: "srv-2", Name: "overseer", TTL: 60}))

	got, err := store.GetService("srv-1")
	require.NoError(t, err)
	assert.Equal(t, "jetdb", got.Name)

	byName, err := store.GetServiceByName("overseer")
	require.NoError(t, err)
	assert.Equal(t, "srv-2", byName.ID)

	_, err = store.GetServiceByName("missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = store.GetService("srv-9")
	assert.ErrorIs(t, err, types.ErrNotFound)

	all, err := store.ListServices()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEndpointsScopedByService(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateService(&types.ServiceRecord{ID: "srv-1", Name: "a"}))
	require.NoError(t, store.CreateService(&types.ServiceRecord{ID: "srv-10", Name: "b"}))

	require.NoError(t, store.PutEndpoint("srv-1", &types.Endpoint{InstanceID: "t1", Address: "10.0.0.1", Port: 8080}))
	require.NoError(t, store.PutEndpoint("srv-1", &types.Endpoint{InstanceID: "t2", Address: "10.0.0.2", Port: 8080}))
	require.NoError(t, store.PutEndpoint("srv-10", &types.Endpoint{InstanceID: "t3", Address: "10.0.0.3", Port: 9090}))

	eps, err := store.ListEndpoints("srv-1")
	require.NoError(t, err)
	assert.Len(t, eps, 2, "prefix scan must not leak srv-10")

	require.NoError(t, store.DeleteEndpoint("srv-1", "t1"))
	eps, err = store.ListEndpoints("srv-1")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "t2", eps[0].InstanceID)

	require.NoError(t, store.DeleteService("srv-1"))
	eps, err = store.ListEndpoints("srv-1")
	require.NoError(t, err)
	assert.Empty(t, eps)

	eps, err = store.ListEndpoints("srv-10")
	require.NoError(t, err)
	assert.Len(t, eps, 1)
}

func TestRecordStatusHistory(t *testing.T) {
	store := newTestStore(t)
	task := &types.Task{ID: "task-1", Name: "jetdb", Group: "core:jetdb", State: types.TaskStatePending}

	require.NoError(t, store.RecordStatus(task, "launched"))
	require.NoError(t, store.RecordStatus(task, "launched"))

	task.State = types.TaskStateRunning
	task.Ports = []types.PortBinding{{ContainerPort: 5432, HostPort: 32768}}
	require.NoError(t, store.RecordStatus(task, ""))

	rec, err := store.GetTaskRecord("task-1")
	require.NoError(t, err)
	assert.Equal(t, "running", rec.CurrentStatus)
	assert.Equal(t, int32(32768), rec.Port)
	require.Len(t, rec.History, 2, "unchanged status is not appended")
	assert.Equal(t, "pending", rec.History[0].Status)
	assert.Equal(t, "launched", rec.History[0].Message)
	assert.Equal(t, "running", rec.History[1].Status)
}

func TestPruneTaskRecords(t *testing.T) {
	store := newTestStore(t)

	old := &types.TaskRecord{TaskID: "old", CurrentStatus: "stopped", LastStatusChangedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &types.TaskRecord{TaskID: "fresh", CurrentStatus: "stopped", LastStatusChangedAt: time.Now()}
	running := &types.TaskRecord{TaskID: "running", CurrentStatus: "running", LastStatusChangedAt: time.Now().Add(-48 * time.Hour)}
	for _, rec := range []*types.TaskRecord{old, fresh, running} {
		require.NoError(t, store.PutTaskRecord(rec))
	}

	n, err := store.PruneTaskRecords(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err := store.ListTaskRecords()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestUnits(t *testing.T) {
	store := newTestStore(t)

	unit := &types.UnitRecord{Key: "20180501", Zone: "z1", Status: types.UnitStatusProvisioning}
	require.NoError(t, store.PutUnit(unit))
	assert.False(t, unit.UpdatedAt.IsZero())

	unit.Status = types.UnitStatusCompleted
	require.NoError(t, store.PutUnit(unit))

	got, err := store.GetUnit("20180501")
	require.NoError(t, err)
	assert.Equal(t, types.UnitStatusCompleted, got.Status)

	_, err = store.GetUnit("20180502")
	assert.ErrorIs(t, err, types.ErrNotFound)

	units, err := store.ListUnits()
	require.NoError(t, err)
	assert.Len(t, units, 1)
}
