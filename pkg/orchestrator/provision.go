package orchestrator

import (
	"context"
	"fmt"

	"github.com/cuemby/flotilla/pkg/events"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/types"
)

// Provisioning stages reported in ProvisioningFailure
const (
	StageVolume   = "volume"
	StageInstance = "instance"
	StageAttach   = "attach"
)

// ProvisionSpec describes a volume and the instance that consumes it
type ProvisionSpec struct {
	Zone     string
	Volume   provider.VolumeSpec
	Instance provider.InstanceSpec
}

// Provisioned is a volume attached to a running instance
type Provisioned struct {
	Volume   *types.BlockVolume
	Instance *types.ComputeInstance
	Device   string
}

// ProvisionUnit creates a volume, launches an instance in the same zone and
// attaches the volume so it is deleted with the instance. Each step is
// retried. When a step gives up, the resources this call created are
// removed and a *types.ProvisioningFailure is returned.
func (e *Engine) ProvisionUnit(ctx context.Context, spec ProvisionSpec) (*Provisioned, error) {
	spec.Volume.Zone = spec.Zone
	spec.Instance.Zone = spec.Zone

	logger := log.WithComponent("orchestrator").With().
		Str("zone", spec.Zone).
		Str("instance", spec.Instance.Name).
		Logger()
	metrics.ProvisionAttempts.Inc()
	timer := metrics.NewTimer()

	fail := func(stage string, err error, rolledBack []string) error {
		metrics.ProvisionFailures.WithLabelValues(stage).Inc()
		pf := &types.ProvisioningFailure{Stage: stage, Zone: spec.Zone, RolledBack: rolledBack, Err: err}
		logger.Error().Err(err).Str("stage", stage).Strs("rolled_back", rolledBack).Msg("provisioning failed")
		e.publish(events.EventProvisionRollback, pf.Error(), "zone", spec.Zone, "stage", stage)
		return pf
	}

	var vol *types.BlockVolume
	err := e.retry(ctx, "create_volume", func() error {
		created, err := e.mirror.CreateVolume(ctx, spec.Volume)
		if err != nil {
			if created != nil {
				e.rollbackVolume(ctx, created.ID)
			}
			return err
		}
		vol = created
		return nil
	})
	if err != nil {
		return nil, fail(StageVolume, err, nil)
	}
	logger.Info().Str("volume_id", vol.ID).Msg("volume created")

	if spec.Instance.SubnetID == "" {
		subnet, err := e.subnetFor(ctx, spec.Zone)
		if err != nil {
			return nil, fail(StageInstance, err, e.rollbackVolume(ctx, vol.ID))
		}
		spec.Instance.SubnetID = subnet.ID
	}

	var inst *types.ComputeInstance
	err = e.retry(ctx, "launch_instance", func() error {
		launched, err := e.mirror.LaunchInstance(ctx, spec.Instance)
		if err != nil {
			if launched != nil {
				e.rollbackInstance(ctx, launched.ID)
			}
			return err
		}
		inst = launched
		return nil
	})
	if err != nil {
		return nil, fail(StageInstance, err, e.rollbackVolume(ctx, vol.ID))
	}
	logger.Info().Str("instance_id", inst.ID).Msg("instance launched")

	var device string
	err = e.retry(ctx, "attach_volume", func() error {
		if v, ok := e.mirror.Volume(vol.ID); !ok || !v.Attached() {
			d, err := e.mirror.AttachVolume(ctx, vol.ID, inst.ID)
			if err != nil {
				return err
			}
			device = d
		}
		return e.mirror.SetPersistent(ctx, vol.ID, false)
	})
	if err != nil {
		rolledBack := e.rollbackInstance(ctx, inst.ID)
		rolledBack = append(rolledBack, e.rollbackVolume(ctx, vol.ID)...)
		return nil, fail(StageAttach, err, rolledBack)
	}
	if device == "" {
		if v, ok := e.mirror.Volume(vol.ID); ok && v.Attachment != nil {
			device = v.Attachment.Device
		}
	}

	timer.ObserveDuration(metrics.ProvisionDuration)
	logger.Info().
		Str("volume_id", vol.ID).
		Str("instance_id", inst.ID).
		Str("device", device).
		Dur("duration", timer.Duration()).
		Msg("unit provisioned")
	e.publish(events.EventUnitProvisioned, "volume and instance provisioned",
		"zone", spec.Zone, "volume_id", vol.ID, "instance_id", inst.ID)

	fresh, _ := e.mirror.Volume(vol.ID)
	if fresh == nil {
		fresh = vol
	}
	return &Provisioned{Volume: fresh, Instance: inst, Device: device}, nil
}

func (e *Engine) subnetFor(ctx context.Context, zone string) (*types.Subnet, error) {
	if subnet, ok := e.mirror.SubnetFor(zone, true); ok {
		return subnet, nil
	}
	if err := e.retry(ctx, "refresh_subnets", func() error { return e.mirror.RefreshSubnets(ctx) }); err != nil {
		return nil, err
	}
	if subnet, ok := e.mirror.SubnetFor(zone, true); ok {
		return subnet, nil
	}
	return nil, fmt.Errorf("private subnet in %s: %w", zone, types.ErrNotFound)
}

// rollbackVolume destroys a volume created by the current attempt and
// returns its id when it is gone
func (e *Engine) rollbackVolume(ctx context.Context, id string) []string {
	if err := e.mirror.DestroyVolume(ctx, id); err != nil {
		log.WithComponent("orchestrator").Error().Err(err).Str("volume_id", id).Msg("failed to roll back volume")
		return nil
	}
	metrics.ProvisionRollbacks.Inc()
	log.WithComponent("orchestrator").Warn().Str("volume_id", id).Msg("volume rolled back")
	return []string{id}
}

// rollbackInstance terminates an instance created by the current attempt
func (e *Engine) rollbackInstance(ctx context.Context, id string) []string {
	if err := e.mirror.TerminateInstance(ctx, id); err != nil {
		log.WithComponent("orchestrator").Error().Err(err).Str("instance_id", id).Msg("failed to roll back instance")
		return nil
	}
	metrics.ProvisionRollbacks.Inc()
	log.WithComponent("orchestrator").Warn().Str("instance_id", id).Msg("instance rolled back")
	return []string{id}
}

// Teardown terminates a provisioned instance; its volume goes with it
func (e *Engine) Teardown(ctx context.Context, p *Provisioned) error {
	if p == nil || p.Instance == nil {
		return nil
	}
	return e.retry(ctx, "terminate_instance", func() error {
		return e.mirror.TerminateInstance(ctx, p.Instance.ID)
	})
}
