package discovery

import (
	"context"
	"testing"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/types"
	"github.com/cuemby/flotilla/pkg/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Nop()
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store)
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	svc, err := r.CreateService(ctx, "jetdb", "database", workload.DefaultServiceTTL)
	require.NoError(t, err)
	assert.NotEmpty(t, svc.ID)

	_, err = r.CreateService(ctx, "jetdb", "", 60)
	assert.Error(t, err)

	opID, err := r.RegisterEndpoint(ctx, svc.ID, types.Endpoint{InstanceID: "task-1", Address: "10.0.0.4", Port: 3306})
	require.NoError(t, err)
	assert.Empty(t, opID)

	eps, err := r.ListEndpoints(ctx, svc.ID)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, int32(3306), eps[0].Port)

	// Still has endpoints
	assert.ErrorIs(t, r.DeleteService(ctx, svc.ID), types.ErrInvalidState)

	_, err = r.DeregisterEndpoint(ctx, svc.ID, "task-1")
	require.NoError(t, err)
	_, err = r.DeregisterEndpoint(ctx, svc.ID, "task-1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, r.DeleteService(ctx, svc.ID))
	services, err := r.ListServices(ctx)
	require.NoError(t, err)
	assert.Empty(t, services)
}

func TestRegisterUnknownService(t *testing.T) {
	r := newRegistry(t)

	_, err := r.RegisterEndpoint(context.Background(), "srv-missing", types.Endpoint{InstanceID: "task-1"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// The registry drives the same namespace code the cloud registry does
func TestNamespaceOnRegistry(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	ns := workload.NewNamespace(r, nil, ".local")

	svc, err := ns.Service(ctx, "web", true)
	require.NoError(t, err)
	assert.Equal(t, "web.local", svc.FQDN())

	_, err = r.RegisterEndpoint(ctx, svc.ID(), types.Endpoint{InstanceID: "task-9", Address: "10.0.0.9", Port: 8080})
	require.NoError(t, err)

	require.NoError(t, svc.DeregisterEndpoint(ctx, "task-9"))
	require.NoError(t, ns.DeleteService(ctx, "web"))

	missing, err := ns.Service(ctx, "web", false)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
