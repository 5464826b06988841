package mirror

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/types"
)

func (m *Mirror) refreshVolumes(ctx context.Context, ids ...string) error {
	list, err := m.compute.DescribeVolumes(ctx, "", ids...)
	if err != nil {
		return &types.ResourceFetchError{Resource: "volumes " + strings.Join(ids, ","), Err: err}
	}
	seen := make(map[string]bool, len(list))
	for i := range list {
		m.putVolume(list[i])
		seen[list[i].ID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			delete(m.volumes, id)
		}
	}
	return nil
}

// CreateVolume creates a volume tagged for this cluster and waits until it
// is available. A volume created but never available is still returned so
// the caller can destroy it.
func (m *Mirror) CreateVolume(ctx context.Context, spec provider.VolumeSpec) (*types.BlockVolume, error) {
	if spec.Cluster == "" {
		spec.Cluster = m.cluster
	}
	if spec.IOPS == 0 && (spec.Type == "io1" || spec.Type == "io2") {
		spec.IOPS = spec.Size * m.iopsPerGiB
	}

	created, err := m.compute.CreateVolume(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create volume %s: %w", spec.Name, err)
	}
	vol := m.putVolume(*created)

	log.Logger.Info().
		Str("component", "mirror").
		Str("volume_id", vol.ID).
		Str("name", spec.Name).
		Str("zone", spec.Zone).
		Int32("size_gib", spec.Size).
		Msg("volume created")

	if err := m.compute.WaitVolume(ctx, vol.ID, types.VolumeStateAvailable); err != nil {
		return vol, fmt.Errorf("failed waiting for volume %s: %w", vol.ID, err)
	}
	if err := m.refreshVolumes(ctx, vol.ID); err != nil {
		return vol, err
	}
	return vol, nil
}

// DestroyVolume deletes an unattached volume. An attached volume is left
// untouched and ErrVolumeInUse is returned.
func (m *Mirror) DestroyVolume(ctx context.Context, id string) error {
	vol, ok := m.volumes[id]
	if !ok {
		return fmt.Errorf("volume %s: %w", id, types.ErrNotFound)
	}
	if vol.Attached() {
		return fmt.Errorf("cannot destroy volume %s attached to %s: %w", id, vol.Attachment.InstanceID, types.ErrVolumeInUse)
	}

	if err := m.compute.DeleteVolume(ctx, id); err != nil {
		return fmt.Errorf("failed to delete volume %s: %w", id, err)
	}
	if err := m.compute.WaitVolume(ctx, id, types.VolumeStateDeleted); err != nil {
		return fmt.Errorf("failed waiting for volume %s deletion: %w", id, err)
	}
	delete(m.volumes, id)

	log.Logger.Info().
		Str("component", "mirror").
		Str("volume_id", id).
		Msg("volume destroyed")
	return nil
}

// AttachVolume attaches a volume to an instance on its next free device and
// waits until the attachment is in use
func (m *Mirror) AttachVolume(ctx context.Context, volumeID, instanceID string) (string, error) {
	vol, ok := m.volumes[volumeID]
	if !ok {
		return "", fmt.Errorf("volume %s: %w", volumeID, types.ErrNotFound)
	}
	if vol.Attached() {
		return "", fmt.Errorf("volume %s is attached to %s: %w", volumeID, vol.Attachment.InstanceID, types.ErrVolumeAttached)
	}
	if _, ok := m.instances[instanceID]; !ok {
		return "", fmt.Errorf("instance %s: %w", instanceID, types.ErrNotFound)
	}

	device := m.NextDevice(instanceID)
	if err := m.compute.AttachVolume(ctx, volumeID, instanceID, device); err != nil {
		return "", fmt.Errorf("failed to attach volume %s to %s: %w", volumeID, instanceID, err)
	}
	if err := m.compute.WaitVolume(ctx, volumeID, types.VolumeStateInUse); err != nil {
		return device, fmt.Errorf("failed waiting for volume %s attachment: %w", volumeID, err)
	}

	log.Logger.Info().
		Str("component", "mirror").
		Str("volume_id", volumeID).
		Str("instance_id", instanceID).
		Str("device", device).
		Msg("volume attached")

	if err := m.refreshVolumes(ctx, volumeID); err != nil {
		return device, err
	}
	_, err := m.refreshInstance(ctx, instanceID)
	return device, err
}

// DetachVolume detaches a persistent volume from its stopped instance
func (m *Mirror) DetachVolume(ctx context.Context, volumeID string) error {
	vol, ok := m.volumes[volumeID]
	if !ok {
		return fmt.Errorf("volume %s: %w", volumeID, types.ErrNotFound)
	}
	if !vol.Attached() {
		return fmt.Errorf("volume %s: %w", volumeID, types.ErrVolumeNotAttached)
	}
	if !vol.Persistent() {
		return fmt.Errorf("cannot detach volume %s: %w", volumeID, types.ErrVolumeNotPersistent)
	}
	att := *vol.Attachment
	inst, ok := m.instances[att.InstanceID]
	if !ok || inst.State != types.InstanceStateStopped {
		return fmt.Errorf("cannot detach volume %s from %s: %w", volumeID, att.InstanceID, types.ErrInstanceNotStopped)
	}

	if err := m.compute.DetachVolume(ctx, volumeID, att.InstanceID, att.Device); err != nil {
		return fmt.Errorf("failed to detach volume %s: %w", volumeID, err)
	}
	if err := m.compute.WaitVolume(ctx, volumeID, types.VolumeStateAvailable); err != nil {
		return fmt.Errorf("failed waiting for volume %s detachment: %w", volumeID, err)
	}

	log.Logger.Info().
		Str("component", "mirror").
		Str("volume_id", volumeID).
		Str("instance_id", att.InstanceID).
		Msg("volume detached")

	if err := m.refreshVolumes(ctx, volumeID); err != nil {
		return err
	}
	_, err := m.refreshInstance(ctx, att.InstanceID)
	return err
}

// SetPersistent controls whether an attached volume survives termination of
// its instance
func (m *Mirror) SetPersistent(ctx context.Context, volumeID string, persistent bool) error {
	vol, ok := m.volumes[volumeID]
	if !ok {
		return fmt.Errorf("volume %s: %w", volumeID, types.ErrNotFound)
	}
	if !vol.Attached() {
		return fmt.Errorf("volume %s: %w", volumeID, types.ErrVolumeNotAttached)
	}
	if vol.Persistent() == persistent {
		return nil
	}

	att := vol.Attachment
	if err := m.compute.SetDeleteOnTermination(ctx, att.InstanceID, att.Device, !persistent); err != nil {
		return fmt.Errorf("failed to set persistence on volume %s: %w", volumeID, err)
	}
	return m.refreshVolumes(ctx, volumeID)
}
