// Package fake provides in-memory collaborators for tests.
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

// Compute simulates the cloud resource provider. Mutations take effect
// immediately, so waits succeed unless an id is listed in Stuck.
type Compute struct {
	mu        sync.Mutex
	Instances map[string]*types.ComputeInstance
	Volumes   map[string]*types.BlockVolume
	Subnets   map[string]*types.Subnet
	Stuck     map[string]bool
	Calls     map[string]int

	// Hooks return an error to fail the matching call
	CreateVolumeHook func(spec provider.VolumeSpec) error
	RunInstanceHook  func(spec provider.InstanceSpec) error
	AttachHook       func(volumeID, instanceID string) error
	DescribeErr      error

	nextID int
}

func NewCompute() *Compute {
	return &Compute{
		Instances: make(map[string]*types.ComputeInstance),
		Volumes:   make(map[string]*types.BlockVolume),
		Subnets:   make(map[string]*types.Subnet),
		Stuck:     make(map[string]bool),
		Calls:     make(map[string]int),
	}
}

func (f *Compute) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%04d", prefix, f.nextID)
}

// CallCount returns how many times the named method was called
func (f *Compute) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

// AddInstance seeds an instance and returns it
func (f *Compute) AddInstance(inst types.ComputeInstance) *types.ComputeInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst.ID == "" {
		inst.ID = f.id("i")
	}
	if inst.Tags == nil {
		inst.Tags = map[string]string{}
	}
	if inst.BlockDevices == nil {
		inst.BlockDevices = map[string]string{}
	}
	f.Instances[inst.ID] = &inst
	return &inst
}

// AddVolume seeds a volume and returns it
func (f *Compute) AddVolume(vol types.BlockVolume) *types.BlockVolume {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vol.ID == "" {
		vol.ID = f.id("vol")
	}
	if vol.Tags == nil {
		vol.Tags = map[string]string{}
	}
	f.Volumes[vol.ID] = &vol
	return &vol
}

// AddSubnet seeds a subnet and returns it
func (f *Compute) AddSubnet(sn types.Subnet) *types.Subnet {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sn.ID == "" {
		sn.ID = f.id("subnet")
	}
	f.Subnets[sn.ID] = &sn
	return &sn
}

func copyInstance(in *types.ComputeInstance) types.ComputeInstance {
	out := *in
	out.Tags = make(map[string]string, len(in.Tags))
	for k, v := range in.Tags {
		out.Tags[k] = v
	}
	out.BlockDevices = make(map[string]string, len(in.BlockDevices))
	for k, v := range in.BlockDevices {
		out.BlockDevices[k] = v
	}
	return out
}

func copyVolume(in *types.BlockVolume) types.BlockVolume {
	out := *in
	if in.Attachment != nil {
		att := *in.Attachment
		out.Attachment = &att
	}
	out.Tags = make(map[string]string, len(in.Tags))
	for k, v := range in.Tags {
		out.Tags[k] = v
	}
	return out
}

func (f *Compute) DescribeInstances(ctx context.Context, filter provider.InstanceFilter) ([]types.ComputeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["DescribeInstances"]++
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}

	want := make(map[string]bool, len(filter.IDs))
	for _, id := range filter.IDs {
		want[id] = true
	}

	var out []types.ComputeInstance
	for _, inst := range f.Instances {
		if inst.State == types.InstanceStateTerminated {
			continue
		}
		if filter.Cluster != "" && inst.Tags[types.TagClusterName] != filter.Cluster {
			continue
		}
		if len(want) > 0 && !want[inst.ID] {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Compute) RunInstance(ctx context.Context, spec provider.InstanceSpec) (*types.ComputeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["RunInstance"]++
	if f.RunInstanceHook != nil {
		if err := f.RunInstanceHook(spec); err != nil {
			return nil, err
		}
	}

	tags := map[string]string{
		types.TagName:        spec.Name,
		types.TagClusterName: spec.Cluster,
		types.TagSubnetType:  spec.SubnetType,
	}
	for k, v := range spec.Tags {
		tags[k] = v
	}
	inst := &types.ComputeInstance{
		ID:           f.id("i"),
		State:        types.InstanceStatePending,
		PrivateIP:    fmt.Sprintf("10.0.0.%d", f.nextID),
		SubnetID:     spec.SubnetID,
		Zone:         spec.Zone,
		InstanceType: spec.InstanceType,
		Tags:         tags,
		BlockDevices: map[string]string{},
		LaunchedAt:   time.Now(),
	}
	f.Instances[inst.ID] = inst
	out := copyInstance(inst)
	return &out, nil
}

func (f *Compute) setInstanceState(ids []string, state types.InstanceState, method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls[method]++
	for _, id := range ids {
		inst, ok := f.Instances[id]
		if !ok {
			return fmt.Errorf("instance not found: %s", id)
		}
		inst.State = state
	}
	return nil
}

func (f *Compute) StartInstances(ctx context.Context, ids []string) error {
	return f.setInstanceState(ids, types.InstanceStatePending, "StartInstances")
}

func (f *Compute) StopInstances(ctx context.Context, ids []string) error {
	return f.setInstanceState(ids, types.InstanceStateStopping, "StopInstances")
}

func (f *Compute) TerminateInstances(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["TerminateInstances"]++
	for _, id := range ids {
		inst, ok := f.Instances[id]
		if !ok {
			continue
		}
		inst.State = types.InstanceStateTerminated
		for _, volID := range inst.BlockDevices {
			vol, ok := f.Volumes[volID]
			if !ok || vol.Attachment == nil {
				continue
			}
			if vol.Attachment.DeleteOnTermination {
				delete(f.Volumes, volID)
			} else {
				vol.Attachment = nil
				vol.State = types.VolumeStateAvailable
			}
		}
	}
	return nil
}

func (f *Compute) WaitInstances(ctx context.Context, ids []string, state types.InstanceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["WaitInstances"]++
	for _, id := range ids {
		if f.Stuck[id] {
			return fmt.Errorf("instance %s: %w", id, provider.ErrWaitTimeout)
		}
		if inst, ok := f.Instances[id]; ok {
			inst.State = state
		}
	}
	return nil
}

func (f *Compute) SetDeleteOnTermination(ctx context.Context, instanceID, device string, deleteOnTermination bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["SetDeleteOnTermination"]++
	inst, ok := f.Instances[instanceID]
	if !ok {
		return fmt.Errorf("instance not found: %s", instanceID)
	}
	vol, ok := f.Volumes[inst.BlockDevices[device]]
	if !ok || vol.Attachment == nil {
		return fmt.Errorf("no volume attached at %s on %s", device, instanceID)
	}
	vol.Attachment.DeleteOnTermination = deleteOnTermination
	return nil
}

func (f *Compute) DescribeVolumes(ctx context.Context, cluster string, ids ...string) ([]types.BlockVolume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["DescribeVolumes"]++
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var out []types.BlockVolume
	for _, vol := range f.Volumes {
		if cluster != "" && vol.Tags[types.TagClusterName] != cluster {
			continue
		}
		if len(want) > 0 && !want[vol.ID] {
			continue
		}
		out = append(out, copyVolume(vol))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Compute) CreateVolume(ctx context.Context, spec provider.VolumeSpec) (*types.BlockVolume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["CreateVolume"]++
	if f.CreateVolumeHook != nil {
		if err := f.CreateVolumeHook(spec); err != nil {
			return nil, err
		}
	}

	tags := map[string]string{
		types.TagName:        spec.Name,
		types.TagClusterName: spec.Cluster,
	}
	for k, v := range spec.Tags {
		tags[k] = v
	}
	vol := &types.BlockVolume{
		ID:        f.id("vol"),
		Size:      spec.Size,
		Type:      spec.Type,
		IOPS:      spec.IOPS,
		Zone:      spec.Zone,
		State:     types.VolumeStateCreating,
		Tags:      tags,
		CreatedAt: time.Now(),
	}
	f.Volumes[vol.ID] = vol
	out := copyVolume(vol)
	return &out, nil
}

func (f *Compute) DeleteVolume(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["DeleteVolume"]++
	vol, ok := f.Volumes[id]
	if !ok {
		return fmt.Errorf("volume not found: %s", id)
	}
	if vol.Attachment != nil {
		return fmt.Errorf("volume %s is in use", id)
	}
	delete(f.Volumes, id)
	return nil
}

func (f *Compute) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["AttachVolume"]++
	if f.AttachHook != nil {
		if err := f.AttachHook(volumeID, instanceID); err != nil {
			return err
		}
	}
	vol, ok := f.Volumes[volumeID]
	if !ok {
		return fmt.Errorf("volume not found: %s", volumeID)
	}
	inst, ok := f.Instances[instanceID]
	if !ok {
		return fmt.Errorf("instance not found: %s", instanceID)
	}
	vol.Attachment = &types.VolumeAttachment{InstanceID: instanceID, Device: device, State: "attaching"}
	vol.State = types.VolumeStateInUse
	inst.BlockDevices[device] = volumeID
	return nil
}

func (f *Compute) DetachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["DetachVolume"]++
	vol, ok := f.Volumes[volumeID]
	if !ok {
		return fmt.Errorf("volume not found: %s", volumeID)
	}
	vol.Attachment = nil
	vol.State = types.VolumeStateAvailable
	if inst, ok := f.Instances[instanceID]; ok {
		delete(inst.BlockDevices, device)
	}
	return nil
}

func (f *Compute) WaitVolume(ctx context.Context, id string, state types.VolumeState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["WaitVolume"]++
	if f.Stuck[id] {
		return fmt.Errorf("volume %s: %w", id, provider.ErrWaitTimeout)
	}
	vol, ok := f.Volumes[id]
	if !ok {
		if state == types.VolumeStateDeleted {
			return nil
		}
		return fmt.Errorf("volume not found: %s", id)
	}
	vol.State = state
	if vol.Attachment != nil && state == types.VolumeStateInUse {
		vol.Attachment.State = "attached"
	}
	return nil
}

func (f *Compute) DescribeSubnets(ctx context.Context, cluster string) ([]types.Subnet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["DescribeSubnets"]++
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	var out []types.Subnet
	for _, sn := range f.Subnets {
		out = append(out, *sn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Compute) CreateSubnet(ctx context.Context, spec provider.SubnetSpec) (*types.Subnet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["CreateSubnet"]++
	sn := &types.Subnet{
		ID:     f.id("subnet"),
		CIDR:   spec.CIDR,
		Zone:   spec.Zone,
		Public: spec.Public,
		Tags:   map[string]string{types.TagClusterName: spec.Cluster},
	}
	f.Subnets[sn.ID] = sn
	out := *sn
	return &out, nil
}

func (f *Compute) SetSubnetPublic(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["SetSubnetPublic"]++
	sn, ok := f.Subnets[id]
	if !ok {
		return fmt.Errorf("subnet not found: %s", id)
	}
	sn.Public = true
	return nil
}
