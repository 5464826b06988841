package awsprovider

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/retry"
	"github.com/cuemby/flotilla/pkg/types"
)

// EC2API is the subset of the EC2 client used by Compute
type EC2API interface {
	ec2.DescribeInstancesAPIClient
	ec2.DescribeInstanceStatusAPIClient
	ec2.DescribeVolumesAPIClient
	ec2.DescribeSubnetsAPIClient
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	ModifyInstanceAttribute(ctx context.Context, params *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)
	CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DetachVolume(ctx context.Context, params *ec2.DetachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
	CreateSubnet(ctx context.Context, params *ec2.CreateSubnetInput, optFns ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error)
	ModifySubnetAttribute(ctx context.Context, params *ec2.ModifySubnetAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifySubnetAttributeOutput, error)
}

// Compute implements provider.Compute on EC2
type Compute struct {
	client      EC2API
	waitTimeout time.Duration
}

var _ provider.Compute = (*Compute)(nil)

// NewCompute wraps an EC2 client
func NewCompute(client EC2API, waitTimeout time.Duration) *Compute {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Compute{client: client, waitTimeout: waitTimeout}
}

func clusterFilter(cluster string) []ec2types.Filter {
	if cluster == "" {
		return nil
	}
	return []ec2types.Filter{{
		Name:   aws.String("tag:" + types.TagClusterName),
		Values: []string{cluster},
	}}
}

// DescribeInstances lists the instances of a cluster, or the given ids
func (c *Compute) DescribeInstances(ctx context.Context, filter provider.InstanceFilter) ([]types.ComputeInstance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters:     clusterFilter(filter.Cluster),
		InstanceIds: filter.IDs,
	}

	var out []types.ComputeInstance
	p := ec2.NewDescribeInstancesPaginator(c.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("describe instances", err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				out = append(out, instanceFromEC2(inst))
			}
		}
	}
	return out, nil
}

// RunInstance launches one tagged instance
func (c *Compute) RunInstance(ctx context.Context, spec provider.InstanceSpec) (*types.ComputeInstance, error) {
	tags := map[string]string{
		types.TagName:        spec.Name,
		types.TagClusterName: spec.Cluster,
	}
	if spec.SubnetType != "" {
		tags[types.TagSubnetType] = spec.SubnetType
	}
	for k, v := range spec.Tags {
		tags[k] = v
	}

	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(spec.ImageID),
		InstanceType:     ec2types.InstanceType(spec.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: spec.SecurityGroups,
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: ec2Tags(tags)},
		},
	}
	if spec.SubnetID != "" {
		input.SubnetId = aws.String(spec.SubnetID)
	}
	if spec.Zone != "" {
		input.Placement = &ec2types.Placement{AvailabilityZone: aws.String(spec.Zone)}
	}
	if spec.KeyName != "" {
		input.KeyName = aws.String(spec.KeyName)
	}
	if spec.InstanceProfile != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{Name: aws.String(spec.InstanceProfile)}
	}
	if spec.UserData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData)))
	}

	out, err := c.client.RunInstances(ctx, input)
	if err != nil {
		return nil, classify("run instance", err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("failed to run instance %s: no instance returned", spec.Name)
	}

	inst := instanceFromEC2(out.Instances[0])
	log.Logger.Info().
		Str("component", "awsprovider").
		Str("instance_id", inst.ID).
		Str("name", spec.Name).
		Str("zone", inst.Zone).
		Msg("instance launched")
	return &inst, nil
}

// StartInstances starts stopped instances
func (c *Compute) StartInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
	return classify("start instances", err)
}

// StopInstances stops running instances
func (c *Compute) StopInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids})
	return classify("stop instances", err)
}

// TerminateInstances terminates instances
func (c *Compute) TerminateInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	return classify("terminate instances", err)
}

// WaitInstances blocks until every instance reaches state. Waiting for
// running also waits for the instance status checks.
func (c *Compute) WaitInstances(ctx context.Context, ids []string, state types.InstanceState) error {
	if len(ids) == 0 {
		return nil
	}
	input := &ec2.DescribeInstancesInput{InstanceIds: ids}

	switch state {
	case types.InstanceStateRunning:
		if err := ec2.NewInstanceRunningWaiter(c.client).Wait(ctx, input, c.waitTimeout); err != nil {
			return waitErr("instances running", err)
		}
		statusInput := &ec2.DescribeInstanceStatusInput{InstanceIds: ids}
		return waitErr("instance status ok", ec2.NewInstanceStatusOkWaiter(c.client).Wait(ctx, statusInput, c.waitTimeout))
	case types.InstanceStateStopped:
		return waitErr("instances stopped", ec2.NewInstanceStoppedWaiter(c.client).Wait(ctx, input, c.waitTimeout))
	case types.InstanceStateTerminated:
		return waitErr("instances terminated", ec2.NewInstanceTerminatedWaiter(c.client).Wait(ctx, input, c.waitTimeout))
	}
	return retry.Fatal(fmt.Errorf("cannot wait for instance state %q", state))
}

// SetDeleteOnTermination changes the delete-on-termination flag of the
// volume attached at device
func (c *Compute) SetDeleteOnTermination(ctx context.Context, instanceID, device string, deleteOnTermination bool) error {
	_, err := c.client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(instanceID),
		BlockDeviceMappings: []ec2types.InstanceBlockDeviceMappingSpecification{{
			DeviceName: aws.String(device),
			Ebs:        &ec2types.EbsInstanceBlockDeviceSpecification{DeleteOnTermination: aws.Bool(deleteOnTermination)},
		}},
	})
	return classify("modify instance attribute", err)
}

// DescribeVolumes lists the volumes of a cluster, or the given ids
func (c *Compute) DescribeVolumes(ctx context.Context, cluster string, ids ...string) ([]types.BlockVolume, error) {
	input := &ec2.DescribeVolumesInput{
		Filters:   clusterFilter(cluster),
		VolumeIds: ids,
	}

	var out []types.BlockVolume
	p := ec2.NewDescribeVolumesPaginator(c.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("describe volumes", err)
		}
		for _, v := range page.Volumes {
			out = append(out, volumeFromEC2(v))
		}
	}
	return out, nil
}

// CreateVolume creates a tagged volume
func (c *Compute) CreateVolume(ctx context.Context, spec provider.VolumeSpec) (*types.BlockVolume, error) {
	tags := map[string]string{
		types.TagName:        spec.Name,
		types.TagClusterName: spec.Cluster,
	}
	for k, v := range spec.Tags {
		tags[k] = v
	}

	input := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(spec.Zone),
		Size:             aws.Int32(spec.Size),
		VolumeType:       ec2types.VolumeType(spec.Type),
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeVolume, Tags: ec2Tags(tags)},
		},
	}
	if spec.IOPS > 0 {
		input.Iops = aws.Int32(spec.IOPS)
	}

	out, err := c.client.CreateVolume(ctx, input)
	if err != nil {
		return nil, classify("create volume", err)
	}

	return &types.BlockVolume{
		ID:        aws.ToString(out.VolumeId),
		Size:      aws.ToInt32(out.Size),
		Type:      string(out.VolumeType),
		IOPS:      aws.ToInt32(out.Iops),
		Zone:      aws.ToString(out.AvailabilityZone),
		State:     types.VolumeState(out.State),
		Tags:      tags,
		CreatedAt: aws.ToTime(out.CreateTime),
	}, nil
}

// DeleteVolume deletes a volume. A volume that is already gone is not an error.
func (c *Compute) DeleteVolume(ctx context.Context, id string) error {
	_, err := c.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(id)})
	if err != nil && isNotFound(err) {
		return nil
	}
	return classify("delete volume "+id, err)
}

// AttachVolume attaches a volume to an instance at device
func (c *Compute) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	_, err := c.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
	})
	return classify("attach volume "+volumeID, err)
}

// DetachVolume detaches a volume from an instance
func (c *Compute) DetachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	input := &ec2.DetachVolumeInput{VolumeId: aws.String(volumeID)}
	if instanceID != "" {
		input.InstanceId = aws.String(instanceID)
	}
	if device != "" {
		input.Device = aws.String(device)
	}
	_, err := c.client.DetachVolume(ctx, input)
	return classify("detach volume "+volumeID, err)
}

// WaitVolume blocks until the volume reaches state
func (c *Compute) WaitVolume(ctx context.Context, id string, state types.VolumeState) error {
	input := &ec2.DescribeVolumesInput{VolumeIds: []string{id}}

	switch state {
	case types.VolumeStateAvailable:
		return waitErr("volume available", ec2.NewVolumeAvailableWaiter(c.client).Wait(ctx, input, c.waitTimeout))
	case types.VolumeStateInUse:
		return waitErr("volume in use", ec2.NewVolumeInUseWaiter(c.client).Wait(ctx, input, c.waitTimeout))
	case types.VolumeStateDeleted:
		return waitErr("volume deleted", ec2.NewVolumeDeletedWaiter(c.client).Wait(ctx, input, c.waitTimeout))
	}
	return retry.Fatal(fmt.Errorf("cannot wait for volume state %q", state))
}

// DescribeSubnets lists the subnets tagged for cluster
func (c *Compute) DescribeSubnets(ctx context.Context, cluster string) ([]types.Subnet, error) {
	input := &ec2.DescribeSubnetsInput{Filters: clusterFilter(cluster)}

	var out []types.Subnet
	p := ec2.NewDescribeSubnetsPaginator(c.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("describe subnets", err)
		}
		for _, s := range page.Subnets {
			out = append(out, subnetFromEC2(s))
		}
	}
	return out, nil
}

// CreateSubnet creates a tagged subnet, public or private
func (c *Compute) CreateSubnet(ctx context.Context, spec provider.SubnetSpec) (*types.Subnet, error) {
	subnetType := types.SubnetTypePrivate
	if spec.Public {
		subnetType = types.SubnetTypePublic
	}
	tags := map[string]string{
		types.TagName:        fmt.Sprintf("%s-%s-%s", spec.Cluster, subnetType, spec.Zone),
		types.TagClusterName: spec.Cluster,
		types.TagSubnetType:  subnetType,
	}

	out, err := c.client.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:            aws.String(spec.VPCID),
		CidrBlock:        aws.String(spec.CIDR),
		AvailabilityZone: aws.String(spec.Zone),
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeSubnet, Tags: ec2Tags(tags)},
		},
	})
	if err != nil {
		return nil, classify("create subnet", err)
	}

	subnet := subnetFromEC2(*out.Subnet)
	if spec.Public {
		if err := c.SetSubnetPublic(ctx, subnet.ID); err != nil {
			return &subnet, err
		}
		subnet.Public = true
	}
	return &subnet, nil
}

// SetSubnetPublic makes instances launched in the subnet get a public address
func (c *Compute) SetSubnetPublic(ctx context.Context, id string) error {
	_, err := c.client.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
		SubnetId:            aws.String(id),
		MapPublicIpOnLaunch: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	return classify("modify subnet attribute", err)
}

func ec2Tags(tags map[string]string) []ec2types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ec2types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func tagMap(tags []ec2types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

func instanceState(s *ec2types.InstanceState) types.InstanceState {
	if s == nil {
		return types.InstanceStatePending
	}
	switch s.Name {
	case ec2types.InstanceStateNameRunning:
		return types.InstanceStateRunning
	case ec2types.InstanceStateNameStopping, ec2types.InstanceStateNameShuttingDown:
		return types.InstanceStateStopping
	case ec2types.InstanceStateNameStopped:
		return types.InstanceStateStopped
	case ec2types.InstanceStateNameTerminated:
		return types.InstanceStateTerminated
	}
	return types.InstanceStatePending
}

func instanceFromEC2(inst ec2types.Instance) types.ComputeInstance {
	out := types.ComputeInstance{
		ID:           aws.ToString(inst.InstanceId),
		State:        instanceState(inst.State),
		PrivateIP:    aws.ToString(inst.PrivateIpAddress),
		PublicIP:     aws.ToString(inst.PublicIpAddress),
		SubnetID:     aws.ToString(inst.SubnetId),
		InstanceType: string(inst.InstanceType),
		Tags:         tagMap(inst.Tags),
		BlockDevices: make(map[string]string),
		LaunchedAt:   aws.ToTime(inst.LaunchTime),
	}
	if inst.Placement != nil {
		out.Zone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	for _, bd := range inst.BlockDeviceMappings {
		if bd.Ebs != nil {
			out.BlockDevices[aws.ToString(bd.DeviceName)] = aws.ToString(bd.Ebs.VolumeId)
		}
	}
	return out
}

func volumeFromEC2(v ec2types.Volume) types.BlockVolume {
	out := types.BlockVolume{
		ID:        aws.ToString(v.VolumeId),
		Size:      aws.ToInt32(v.Size),
		Type:      string(v.VolumeType),
		IOPS:      aws.ToInt32(v.Iops),
		Zone:      aws.ToString(v.AvailabilityZone),
		State:     types.VolumeState(v.State),
		Tags:      tagMap(v.Tags),
		CreatedAt: aws.ToTime(v.CreateTime),
	}
	for _, a := range v.Attachments {
		if a.State == ec2types.VolumeAttachmentStateDetached {
			continue
		}
		out.Attachment = &types.VolumeAttachment{
			InstanceID:          aws.ToString(a.InstanceId),
			Device:              aws.ToString(a.Device),
			DeleteOnTermination: aws.ToBool(a.DeleteOnTermination),
			State:               string(a.State),
		}
		break
	}
	return out
}

func subnetFromEC2(s ec2types.Subnet) types.Subnet {
	return types.Subnet{
		ID:     aws.ToString(s.SubnetId),
		CIDR:   aws.ToString(s.CidrBlock),
		Zone:   aws.ToString(s.AvailabilityZone),
		Public: aws.ToBool(s.MapPublicIpOnLaunch),
		Tags:   tagMap(s.Tags),
	}
}
