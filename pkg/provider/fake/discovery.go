package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/types"
)

// Discovery simulates the service registry. Register and deregister return
// operation ids that always resolve to OperationSuccess.
type Discovery struct {
	mu        sync.Mutex
	Services  map[string]*types.ServiceRecord
	Endpoints map[string]map[string]types.Endpoint // service id -> endpoint id -> endpoint
	Calls     map[string]int

	nextID int
}

func NewDiscovery() *Discovery {
	return &Discovery{
		Services:  make(map[string]*types.ServiceRecord),
		Endpoints: make(map[string]map[string]types.Endpoint),
		Calls:     make(map[string]int),
	}
}

// CallCount returns how many times the named method was called
func (f *Discovery) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

func (f *Discovery) ListServices(ctx context.Context) ([]types.ServiceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["ListServices"]++
	out := make([]types.ServiceRecord, 0, len(f.Services))
	for _, s := range f.Services {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Discovery) CreateService(ctx context.Context, name, description string, ttl int64) (*types.ServiceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["CreateService"]++
	for _, s := range f.Services {
		if s.Name == name {
			return nil, fmt.Errorf("service already exists: %s", name)
		}
	}
	f.nextID++
	rec := &types.ServiceRecord{
		ID:          fmt.Sprintf("srv-%04d", f.nextID),
		Name:        name,
		Description: description,
		TTL:         ttl,
		CreatedAt:   time.Now(),
	}
	f.Services[rec.ID] = rec
	f.Endpoints[rec.ID] = make(map[string]types.Endpoint)
	out := *rec
	return &out, nil
}

func (f *Discovery) DeleteService(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["DeleteService"]++
	if len(f.Endpoints[id]) > 0 {
		return fmt.Errorf("service %s still has registered instances", id)
	}
	delete(f.Services, id)
	delete(f.Endpoints, id)
	return nil
}

func (f *Discovery) ListEndpoints(ctx context.Context, serviceID string) ([]types.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["ListEndpoints"]++
	eps, ok := f.Endpoints[serviceID]
	if !ok {
		return nil, fmt.Errorf("service not found: %s", serviceID)
	}
	out := make([]types.Endpoint, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (f *Discovery) RegisterEndpoint(ctx context.Context, serviceID string, ep types.Endpoint) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["RegisterEndpoint"]++
	eps, ok := f.Endpoints[serviceID]
	if !ok {
		return "", fmt.Errorf("service not found: %s", serviceID)
	}
	eps[ep.InstanceID] = ep
	f.nextID++
	return fmt.Sprintf("op-%04d", f.nextID), nil
}

func (f *Discovery) DeregisterEndpoint(ctx context.Context, serviceID, endpointID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["DeregisterEndpoint"]++
	eps, ok := f.Endpoints[serviceID]
	if !ok {
		return "", fmt.Errorf("service not found: %s", serviceID)
	}
	if _, ok := eps[endpointID]; !ok {
		return "", fmt.Errorf("instance not found: %s", endpointID)
	}
	delete(eps, endpointID)
	f.nextID++
	return fmt.Sprintf("op-%04d", f.nextID), nil
}

func (f *Discovery) OperationStatus(ctx context.Context, operationID string) (provider.OperationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["OperationStatus"]++
	return provider.OperationSuccess, nil
}
