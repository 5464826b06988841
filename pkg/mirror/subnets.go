package mirror

import (
	"context"
	"fmt"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/types"
)

// CreateSubnet creates a subnet in zone, optionally mapping public
// addresses on launch
func (m *Mirror) CreateSubnet(ctx context.Context, vpcID, zone, cidr string, public bool) (*types.Subnet, error) {
	created, err := m.compute.CreateSubnet(ctx, provider.SubnetSpec{
		Cluster: m.cluster,
		VPCID:   vpcID,
		Zone:    zone,
		CIDR:    cidr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subnet %s in %s: %w", cidr, zone, err)
	}
	sn := m.putSubnet(*created)

	log.Logger.Info().
		Str("component", "mirror").
		Str("subnet_id", sn.ID).
		Str("zone", zone).
		Str("cidr", cidr).
		Msg("subnet created")

	if public {
		if err := m.SetSubnetPublic(ctx, sn.ID); err != nil {
			return sn, err
		}
	}
	return sn, nil
}

// SetSubnetPublic maps public addresses on launch for a subnet
func (m *Mirror) SetSubnetPublic(ctx context.Context, id string) error {
	sn, ok := m.subnets[id]
	if !ok {
		return fmt.Errorf("subnet %s: %w", id, types.ErrNotFound)
	}
	if sn.Public {
		return nil
	}
	if err := m.compute.SetSubnetPublic(ctx, id); err != nil {
		return fmt.Errorf("failed to make subnet %s public: %w", id, err)
	}
	sn.Public = true
	return nil
}
