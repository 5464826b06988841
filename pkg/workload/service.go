package workload

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/types"
)

// Endpoint attribute keys understood by the registry
const (
	AttrInstanceIPv4 = "AWS_INSTANCE_IPV4"
	AttrInstancePort = "AWS_INSTANCE_PORT"
)

// DefaultServiceTTL is the record TTL, in seconds, of created services
const DefaultServiceTTL = 60

// AddressResolver finds the instance a task runs on. The resource mirror
// satisfies it.
type AddressResolver interface {
	Instance(id string) (*types.ComputeInstance, bool)
}

// Namespace is the discovery namespace of one cluster. Services are cached
// by name and created on demand.
type Namespace struct {
	discovery    provider.Discovery
	resolver     AddressResolver
	locale       string
	pollInterval time.Duration

	services map[string]*Service
	loaded   bool
}

// NamespaceOption configures a Namespace
type NamespaceOption func(*Namespace)

// WithPollInterval sets how often pending registry operations are polled
func WithPollInterval(d time.Duration) NamespaceOption {
	return func(n *Namespace) {
		if d > 0 {
			n.pollInterval = d
		}
	}
}

// NewNamespace creates a namespace whose services resolve as name+locale
func NewNamespace(discovery provider.Discovery, resolver AddressResolver, locale string, opts ...NamespaceOption) *Namespace {
	n := &Namespace{
		discovery:    discovery,
		resolver:     resolver,
		locale:       locale,
		pollInterval: 2 * time.Second,
		services:     make(map[string]*Service),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Locale returns the discovery suffix appended to service names
func (n *Namespace) Locale() string {
	return n.locale
}

// Refresh reloads the service list from the registry
func (n *Namespace) Refresh(ctx context.Context) error {
	records, err := n.discovery.ListServices(ctx)
	if err != nil {
		return &types.ResourceFetchError{Resource: "services", Err: err}
	}

	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		seen[rec.Name] = true
		if svc, ok := n.services[rec.Name]; ok {
			svc.record = rec
			continue
		}
		n.services[rec.Name] = &Service{record: rec, ns: n}
	}
	for name := range n.services {
		if !seen[name] {
			delete(n.services, name)
		}
	}
	n.loaded = true
	return nil
}

// Service returns the named service. When it does not exist it is created
// if create is set, otherwise nil is returned without error.
func (n *Namespace) Service(ctx context.Context, name string, create bool) (*Service, error) {
	if svc, ok := n.services[name]; ok {
		return svc, nil
	}
	if err := n.Refresh(ctx); err != nil {
		return nil, err
	}
	if svc, ok := n.services[name]; ok {
		return svc, nil
	}
	if !create {
		return nil, nil
	}
	return n.CreateService(ctx, name)
}

// CreateService creates a discovery entry for name
func (n *Namespace) CreateService(ctx context.Context, name string) (*Service, error) {
	rec, err := n.discovery.CreateService(ctx, name, fmt.Sprintf("%s service", name), DefaultServiceTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create service %s: %w", name, err)
	}
	svc := &Service{record: *rec, ns: n}
	n.services[name] = svc

	log.WithComponent("workload").Info().
		Str("service", name).
		Str("service_id", rec.ID).
		Msg("service created")
	return svc, nil
}

// DeleteService deregisters every endpoint of the service, then deletes it
func (n *Namespace) DeleteService(ctx context.Context, name string) error {
	svc, err := n.Service(ctx, name, false)
	if err != nil {
		return err
	}
	if svc == nil {
		return fmt.Errorf("service %s: %w", name, types.ErrNotFound)
	}

	endpoints, err := svc.Endpoints(ctx)
	if err != nil {
		return err
	}
	for _, ep := range endpoints {
		if err := svc.deregister(ctx, ep.InstanceID); err != nil {
			return err
		}
	}
	if err := n.discovery.DeleteService(ctx, svc.ID()); err != nil {
		return fmt.Errorf("failed to delete service %s: %w", name, err)
	}
	delete(n.services, name)
	return nil
}

// Services lists every service in the namespace, sorted by name
func (n *Namespace) Services(ctx context.Context) ([]*Service, error) {
	if err := n.Refresh(ctx); err != nil {
		return nil, err
	}
	out := make([]*Service, 0, len(n.services))
	for _, svc := range n.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (n *Namespace) waitOperation(ctx context.Context, opID string) error {
	if opID == "" {
		return nil
	}
	for {
		status, err := n.discovery.OperationStatus(ctx, opID)
		if err != nil {
			return fmt.Errorf("failed to get operation %s: %w", opID, err)
		}
		switch status {
		case provider.OperationSuccess:
			return nil
		case provider.OperationFail:
			return fmt.Errorf("registry operation %s failed", opID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.pollInterval):
		}
	}
}

// Service is a named discovery entry mapping a workload name to the
// addresses of its running tasks
type Service struct {
	record types.ServiceRecord
	ns     *Namespace
}

// ID returns the registry id of the service
func (s *Service) ID() string { return s.record.ID }

// Name returns the service name
func (s *Service) Name() string { return s.record.Name }

// FQDN returns the name the service resolves as
func (s *Service) FQDN() string { return s.record.Name + s.ns.locale }

// Endpoints lists the endpoints currently registered, as the registry sees them
func (s *Service) Endpoints(ctx context.Context) ([]types.Endpoint, error) {
	eps, err := s.ns.discovery.ListEndpoints(ctx, s.record.ID)
	if err != nil {
		return nil, &types.ResourceFetchError{Resource: "endpoints of " + s.record.Name, Err: err}
	}
	return eps, nil
}

// Registered reports whether the task id has an endpoint in this service
func (s *Service) Registered(ctx context.Context, taskID string) (bool, error) {
	eps, err := s.Endpoints(ctx)
	if err != nil {
		return false, err
	}
	for _, ep := range eps {
		if ep.InstanceID == taskID {
			return true, nil
		}
	}
	return false, nil
}

// Register adds an endpoint for a running task that exposes a port. It is
// a no-op when the task is already registered here.
func (s *Service) Register(ctx context.Context, task *Task) error {
	if task.State != types.TaskStateRunning || task.HostPort() == 0 {
		return fmt.Errorf("failed to register task %s: %w", task.ID, types.ErrNotRegistrable)
	}
	if task.ServiceName != "" && task.ServiceName != s.record.Name {
		return fmt.Errorf("failed to register task %s with %s: %w (%s)", task.ID, s.record.Name, types.ErrRegisteredElsewhere, task.ServiceName)
	}

	registered, err := s.Registered(ctx, task.ID)
	if err != nil {
		return err
	}
	if registered {
		task.ServiceName = s.record.Name
		return nil
	}

	inst, ok := s.ns.resolver.Instance(task.InstanceID)
	if !ok || inst.PrivateIP == "" {
		return fmt.Errorf("failed to register task %s: no address for instance %q", task.ID, task.InstanceID)
	}

	port := task.HostPort()
	ep := types.Endpoint{
		InstanceID: task.ID,
		Address:    inst.PrivateIP,
		Port:       port,
		Attributes: map[string]string{
			AttrInstanceIPv4: inst.PrivateIP,
			AttrInstancePort: strconv.Itoa(int(port)),
		},
	}

	opID, err := s.ns.discovery.RegisterEndpoint(ctx, s.record.ID, ep)
	if err != nil {
		return fmt.Errorf("failed to register task %s with %s: %w", task.ID, s.record.Name, err)
	}
	if err := s.ns.waitOperation(ctx, opID); err != nil {
		return err
	}
	task.ServiceName = s.record.Name

	log.WithTaskID(task.ID).Info().
		Str("service", s.FQDN()).
		Str("address", fmt.Sprintf("%s:%d", ep.Address, ep.Port)).
		Msg("task registered")
	return nil
}

// Deregister removes the task's endpoint. It is a no-op when the task is
// not registered here.
func (s *Service) Deregister(ctx context.Context, task *Task) error {
	if err := s.deregister(ctx, task.ID); err != nil {
		return err
	}
	if task.ServiceName == s.record.Name {
		task.ServiceName = ""
	}
	return nil
}

// DeregisterEndpoint removes an endpoint by task id without needing the
// task itself, for registrations whose task is gone
func (s *Service) DeregisterEndpoint(ctx context.Context, taskID string) error {
	return s.deregister(ctx, taskID)
}

func (s *Service) deregister(ctx context.Context, taskID string) error {
	registered, err := s.Registered(ctx, taskID)
	if err != nil {
		return err
	}
	if !registered {
		return nil
	}

	opID, err := s.ns.discovery.DeregisterEndpoint(ctx, s.record.ID, taskID)
	if err != nil {
		return fmt.Errorf("failed to deregister %s from %s: %w", taskID, s.record.Name, err)
	}
	if err := s.ns.waitOperation(ctx, opID); err != nil {
		return err
	}

	log.WithTaskID(taskID).Info().Str("service", s.FQDN()).Msg("task deregistered")
	return nil
}
