package mirror

import (
	"context"
	"fmt"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/types"
)

// refreshInstance re-describes a single instance. An instance the provider
// no longer reports is dropped from the cache.
func (m *Mirror) refreshInstance(ctx context.Context, id string) (*types.ComputeInstance, error) {
	list, err := m.compute.DescribeInstances(ctx, provider.InstanceFilter{IDs: []string{id}})
	if err != nil {
		return nil, &types.ResourceFetchError{Resource: "instance " + id, Err: err}
	}
	if len(list) == 0 || list[0].State == types.InstanceStateTerminated {
		delete(m.instances, id)
		return nil, nil
	}
	return m.putInstance(list[0]), nil
}

// StartInstance starts a stopped instance, optionally waiting until it runs
func (m *Mirror) StartInstance(ctx context.Context, id string, wait bool) error {
	inst, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, types.ErrNotFound)
	}
	if inst.State != types.InstanceStateStopped {
		return fmt.Errorf("cannot start instance %s in state %s: %w", id, inst.State, types.ErrInvalidState)
	}

	if err := m.compute.StartInstances(ctx, []string{id}); err != nil {
		return fmt.Errorf("failed to start instance %s: %w", id, err)
	}

	log.Logger.Info().
		Str("component", "mirror").
		Str("instance_id", id).
		Str("name", inst.Name()).
		Msg("instance starting")

	if wait {
		if err := m.compute.WaitInstances(ctx, []string{id}, types.InstanceStateRunning); err != nil {
			return fmt.Errorf("failed waiting for instance %s to run: %w", id, err)
		}
	}
	_, err := m.refreshInstance(ctx, id)
	return err
}

// StopInstance stops a running instance, optionally waiting until it stops
func (m *Mirror) StopInstance(ctx context.Context, id string, wait bool) error {
	inst, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, types.ErrNotFound)
	}
	if inst.State != types.InstanceStateRunning {
		return fmt.Errorf("cannot stop instance %s in state %s: %w", id, inst.State, types.ErrInvalidState)
	}

	if err := m.compute.StopInstances(ctx, []string{id}); err != nil {
		return fmt.Errorf("failed to stop instance %s: %w", id, err)
	}

	log.Logger.Info().
		Str("component", "mirror").
		Str("instance_id", id).
		Str("name", inst.Name()).
		Msg("instance stopping")

	if wait {
		if err := m.compute.WaitInstances(ctx, []string{id}, types.InstanceStateStopped); err != nil {
			return fmt.Errorf("failed waiting for instance %s to stop: %w", id, err)
		}
	}
	_, err := m.refreshInstance(ctx, id)
	return err
}

// LaunchInstance runs a new instance tagged for this cluster and waits until
// its status checks pass. The instance is tracked as soon as the provider
// accepts it, so a failed wait still returns it for cleanup.
func (m *Mirror) LaunchInstance(ctx context.Context, spec provider.InstanceSpec) (*types.ComputeInstance, error) {
	if spec.Cluster == "" {
		spec.Cluster = m.cluster
	}
	if spec.SubnetType == "" {
		spec.SubnetType = types.SubnetTypePrivate
		if sn, ok := m.subnets[spec.SubnetID]; ok && sn.Public {
			spec.SubnetType = types.SubnetTypePublic
		}
	}

	created, err := m.compute.RunInstance(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to run instance %s: %w", spec.Name, err)
	}
	inst := m.putInstance(*created)

	log.Logger.Info().
		Str("component", "mirror").
		Str("instance_id", inst.ID).
		Str("name", spec.Name).
		Str("zone", spec.Zone).
		Msg("instance launched")

	if err := m.compute.WaitInstances(ctx, []string{inst.ID}, types.InstanceStateRunning); err != nil {
		return inst, fmt.Errorf("failed waiting for instance %s: %w", inst.ID, err)
	}

	fresh, err := m.refreshInstance(ctx, inst.ID)
	if err != nil {
		return inst, err
	}
	if fresh == nil {
		return nil, fmt.Errorf("instance %s disappeared after launch: %w", inst.ID, types.ErrNotFound)
	}
	return fresh, nil
}

// TerminateInstance terminates an instance and drops it, and any volumes
// deleted with it, from the cache
func (m *Mirror) TerminateInstance(ctx context.Context, id string) error {
	if err := m.compute.TerminateInstances(ctx, []string{id}); err != nil {
		return fmt.Errorf("failed to terminate instance %s: %w", id, err)
	}
	if err := m.compute.WaitInstances(ctx, []string{id}, types.InstanceStateTerminated); err != nil {
		return fmt.Errorf("failed waiting for instance %s to terminate: %w", id, err)
	}
	delete(m.instances, id)

	log.Logger.Info().
		Str("component", "mirror").
		Str("instance_id", id).
		Msg("instance terminated")

	attached := m.VolumesOf(id)
	if len(attached) == 0 {
		return nil
	}
	ids := make([]string, 0, len(attached))
	for _, vol := range attached {
		ids = append(ids, vol.ID)
	}
	return m.refreshVolumes(ctx, ids...)
}

// NextDevice returns the next free /dev/sdX device name on an instance.
// Devices start after /dev/sdb.
func (m *Mirror) NextDevice(instanceID string) string {
	current := 'b'
	consider := func(device string) {
		if len(device) == len("/dev/sdX") && device[:7] == "/dev/sd" {
			if r := rune(device[7]); r > current {
				current = r
			}
		}
	}
	if inst, ok := m.instances[instanceID]; ok {
		for device := range inst.BlockDevices {
			consider(device)
		}
	}
	for _, vol := range m.VolumesOf(instanceID) {
		consider(vol.Attachment.Device)
	}
	return fmt.Sprintf("/dev/sd%c", current+1)
}
