// Package discovery implements the service registry on the local store.
// It backs service discovery when no cloud registry is configured and is
// what the embedded DNS server answers from.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/types"
	"github.com/google/uuid"
)

// Registry is a provider.Discovery backed by storage.Store. Every change
// completes before the call returns, so no operation ids are handed out.
type Registry struct {
	store storage.Store
}

// NewRegistry creates a registry on store
func NewRegistry(store storage.Store) *Registry {
	return &Registry{store: store}
}

var _ provider.Discovery = (*Registry)(nil)

func (r *Registry) ListServices(ctx context.Context) ([]types.ServiceRecord, error) {
	services, err := r.store.ListServices()
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	out := make([]types.ServiceRecord, 0, len(services))
	for _, s := range services {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Registry) CreateService(ctx context.Context, name, description string, ttl int64) (*types.ServiceRecord, error) {
	if _, err := r.store.GetServiceByName(name); err == nil {
		return nil, fmt.Errorf("service %s already exists", name)
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	rec := &types.ServiceRecord{
		ID:          "srv-" + uuid.NewString(),
		Name:        name,
		Description: description,
		TTL:         ttl,
		CreatedAt:   time.Now(),
	}
	if err := r.store.CreateService(rec); err != nil {
		return nil, fmt.Errorf("failed to create service %s: %w", name, err)
	}

	log.Logger.Info().
		Str("component", "discovery").
		Str("service_id", rec.ID).
		Str("name", name).
		Msg("service created")
	return rec, nil
}

// DeleteService removes an empty service
func (r *Registry) DeleteService(ctx context.Context, id string) error {
	eps, err := r.endpoints(id)
	if err != nil {
		return err
	}
	if len(eps) > 0 {
		return fmt.Errorf("service %s still has %d registered endpoints: %w", id, len(eps), types.ErrInvalidState)
	}
	if err := r.store.DeleteService(id); err != nil {
		return fmt.Errorf("failed to delete service %s: %w", id, err)
	}
	return nil
}

func (r *Registry) endpoints(serviceID string) ([]*types.Endpoint, error) {
	if _, err := r.store.GetService(serviceID); err != nil {
		return nil, err
	}
	return r.store.ListEndpoints(serviceID)
}

func (r *Registry) ListEndpoints(ctx context.Context, serviceID string) ([]types.Endpoint, error) {
	eps, err := r.endpoints(serviceID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Endpoint, 0, len(eps))
	for _, ep := range eps {
		out = append(out, *ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (r *Registry) RegisterEndpoint(ctx context.Context, serviceID string, ep types.Endpoint) (string, error) {
	if _, err := r.store.GetService(serviceID); err != nil {
		return "", err
	}
	if err := r.store.PutEndpoint(serviceID, &ep); err != nil {
		return "", fmt.Errorf("failed to register %s with %s: %w", ep.InstanceID, serviceID, err)
	}
	log.Logger.Debug().
		Str("component", "discovery").
		Str("service_id", serviceID).
		Str("endpoint", ep.InstanceID).
		Str("address", ep.Address).
		Msg("endpoint registered")
	return "", nil
}

func (r *Registry) DeregisterEndpoint(ctx context.Context, serviceID, endpointID string) (string, error) {
	eps, err := r.endpoints(serviceID)
	if err != nil {
		return "", err
	}
	found := false
	for _, ep := range eps {
		if ep.InstanceID == endpointID {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("endpoint %s in %s: %w", endpointID, serviceID, types.ErrNotFound)
	}
	if err := r.store.DeleteEndpoint(serviceID, endpointID); err != nil {
		return "", fmt.Errorf("failed to deregister %s from %s: %w", endpointID, serviceID, err)
	}
	log.Logger.Debug().
		Str("component", "discovery").
		Str("service_id", serviceID).
		Str("endpoint", endpointID).
		Msg("endpoint deregistered")
	return "", nil
}

// OperationStatus always reports success; registry changes are synchronous
func (r *Registry) OperationStatus(ctx context.Context, operationID string) (provider.OperationStatus, error) {
	return provider.OperationSuccess, nil
}
