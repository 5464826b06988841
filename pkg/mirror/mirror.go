package mirror

import (
	"context"
	"sort"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/types"
)

// DefaultIOPSPerGiB is the provisioned IOPS ratio for io1/io2 volumes
const DefaultIOPSPerGiB = 50

// Mirror is the in-process cache of remote instances, volumes and subnets
// belonging to one cluster. Lookups never call the provider; callers that
// need current state call Refresh first.
type Mirror struct {
	compute    provider.Compute
	containers provider.ContainerInstanceLister
	cluster    string
	iopsPerGiB int32

	instances map[string]*types.ComputeInstance
	volumes   map[string]*types.BlockVolume
	subnets   map[string]*types.Subnet
}

// Option configures a Mirror
type Option func(*Mirror)

// WithContainerInstances merges placement-side container instance ARNs
// into the instance cache on refresh
func WithContainerInstances(l provider.ContainerInstanceLister) Option {
	return func(m *Mirror) {
		m.containers = l
	}
}

// WithIOPSPerGiB sets the provisioned IOPS ratio for io1/io2 volumes
func WithIOPSPerGiB(n int32) Option {
	return func(m *Mirror) {
		if n > 0 {
			m.iopsPerGiB = n
		}
	}
}

// New creates an empty mirror scoped to cluster
func New(compute provider.Compute, cluster string, opts ...Option) *Mirror {
	m := &Mirror{
		compute:    compute,
		cluster:    cluster,
		iopsPerGiB: DefaultIOPSPerGiB,
		instances:  make(map[string]*types.ComputeInstance),
		volumes:    make(map[string]*types.BlockVolume),
		subnets:    make(map[string]*types.Subnet),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cluster returns the cluster name the mirror is scoped to
func (m *Mirror) Cluster() string {
	return m.cluster
}

// Refresh re-synchronizes instances, volumes and subnets
func (m *Mirror) Refresh(ctx context.Context) error {
	if err := m.RefreshInstances(ctx); err != nil {
		return err
	}
	if err := m.RefreshVolumes(ctx); err != nil {
		return err
	}
	return m.RefreshSubnets(ctx)
}

// RefreshInstances re-synchronizes the instance cache. Known instances are
// updated in place so held pointers stay valid.
func (m *Mirror) RefreshInstances(ctx context.Context) error {
	list, err := m.compute.DescribeInstances(ctx, provider.InstanceFilter{Cluster: m.cluster})
	if err != nil {
		return &types.ResourceFetchError{Resource: "instances", Err: err}
	}

	var arns map[string]string
	if m.containers != nil {
		arns, err = m.containers.ListContainerInstances(ctx)
		if err != nil {
			return &types.ResourceFetchError{Resource: "container instances", Err: err}
		}
	}

	seen := make(map[string]bool, len(list))
	for i := range list {
		list[i].ContainerInstanceARN = arns[list[i].ID]
		m.putInstance(list[i])
		seen[list[i].ID] = true
	}

	removed := 0
	for id := range m.instances {
		if !seen[id] {
			delete(m.instances, id)
			removed++
		}
	}

	log.Logger.Debug().
		Str("component", "mirror").
		Int("instances", len(m.instances)).
		Int("removed", removed).
		Msg("instances refreshed")

	return nil
}

// RefreshVolumes re-synchronizes the volume cache
func (m *Mirror) RefreshVolumes(ctx context.Context) error {
	list, err := m.compute.DescribeVolumes(ctx, m.cluster)
	if err != nil {
		return &types.ResourceFetchError{Resource: "volumes", Err: err}
	}

	seen := make(map[string]bool, len(list))
	for i := range list {
		m.putVolume(list[i])
		seen[list[i].ID] = true
	}
	for id := range m.volumes {
		if !seen[id] {
			delete(m.volumes, id)
		}
	}
	return nil
}

// RefreshSubnets re-synchronizes the subnet cache
func (m *Mirror) RefreshSubnets(ctx context.Context) error {
	list, err := m.compute.DescribeSubnets(ctx, m.cluster)
	if err != nil {
		return &types.ResourceFetchError{Resource: "subnets", Err: err}
	}

	seen := make(map[string]bool, len(list))
	for i := range list {
		m.putSubnet(list[i])
		seen[list[i].ID] = true
	}
	for id := range m.subnets {
		if !seen[id] {
			delete(m.subnets, id)
		}
	}
	return nil
}

func (m *Mirror) putInstance(fresh types.ComputeInstance) *types.ComputeInstance {
	if cur, ok := m.instances[fresh.ID]; ok {
		if fresh.ContainerInstanceARN == "" {
			fresh.ContainerInstanceARN = cur.ContainerInstanceARN
		}
		*cur = fresh
		return cur
	}
	inst := fresh
	m.instances[inst.ID] = &inst
	return &inst
}

func (m *Mirror) putVolume(fresh types.BlockVolume) *types.BlockVolume {
	if cur, ok := m.volumes[fresh.ID]; ok {
		*cur = fresh
		return cur
	}
	vol := fresh
	m.volumes[vol.ID] = &vol
	return &vol
}

func (m *Mirror) putSubnet(fresh types.Subnet) *types.Subnet {
	if cur, ok := m.subnets[fresh.ID]; ok {
		*cur = fresh
		return cur
	}
	sn := fresh
	m.subnets[sn.ID] = &sn
	return &sn
}

// Instance returns the cached instance with id
func (m *Mirror) Instance(id string) (*types.ComputeInstance, bool) {
	inst, ok := m.instances[id]
	return inst, ok
}

// InstanceByName returns the first cached instance whose Name tag matches
func (m *Mirror) InstanceByName(name string) (*types.ComputeInstance, bool) {
	for _, inst := range m.Instances() {
		if inst.Name() == name {
			return inst, true
		}
	}
	return nil, false
}

// InstanceByARN returns the cached instance registered under a container instance ARN
func (m *Mirror) InstanceByARN(arn string) (*types.ComputeInstance, bool) {
	if arn == "" {
		return nil, false
	}
	for _, inst := range m.instances {
		if inst.ContainerInstanceARN == arn {
			return inst, true
		}
	}
	return nil, false
}

// Instances returns all cached instances ordered by id
func (m *Mirror) Instances() []*types.ComputeInstance {
	out := make([]*types.ComputeInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveInstances counts pending or running instances carrying role as
// their Instance-Type tag. An empty role counts every active instance.
func (m *Mirror) ActiveInstances(role string) int {
	n := 0
	for _, inst := range m.instances {
		if !inst.Active() {
			continue
		}
		if role != "" && inst.Role() != role {
			continue
		}
		n++
	}
	return n
}

// Volume returns the cached volume with id
func (m *Mirror) Volume(id string) (*types.BlockVolume, bool) {
	vol, ok := m.volumes[id]
	return vol, ok
}

// VolumeByName returns the first cached volume whose Name tag matches
func (m *Mirror) VolumeByName(name string) (*types.BlockVolume, bool) {
	for _, vol := range m.Volumes() {
		if vol.Name() == name {
			return vol, true
		}
	}
	return nil, false
}

// Volumes returns all cached volumes ordered by id
func (m *Mirror) Volumes() []*types.BlockVolume {
	out := make([]*types.BlockVolume, 0, len(m.volumes))
	for _, vol := range m.volumes {
		out = append(out, vol)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VolumesOf returns the cached volumes attached to instanceID
func (m *Mirror) VolumesOf(instanceID string) []*types.BlockVolume {
	var out []*types.BlockVolume
	for _, vol := range m.Volumes() {
		if vol.Attachment != nil && vol.Attachment.InstanceID == instanceID {
			out = append(out, vol)
		}
	}
	return out
}

// Subnet returns the cached subnet with id
func (m *Mirror) Subnet(id string) (*types.Subnet, bool) {
	sn, ok := m.subnets[id]
	return sn, ok
}

// SubnetFor returns the first cached subnet in zone with the requested
// visibility
func (m *Mirror) SubnetFor(zone string, private bool) (*types.Subnet, bool) {
	for _, sn := range m.Subnets() {
		if sn.Zone == zone && sn.Private() == private {
			return sn, true
		}
	}
	return nil, false
}

// Subnets returns all cached subnets ordered by id
func (m *Mirror) Subnets() []*types.Subnet {
	out := make([]*types.Subnet, 0, len(m.subnets))
	for _, sn := range m.subnets {
		out = append(out, sn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
