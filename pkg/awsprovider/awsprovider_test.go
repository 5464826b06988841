package awsprovider

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/servicediscovery"
	sdtypes "github.com/aws/aws-sdk-go-v2/service/servicediscovery/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/retry"
	"github.com/cuemby/flotilla/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Nop()
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"validation", &smithy.GenericAPIError{Code: "ValidationException", Fault: smithy.FaultClient}, true},
		{"invalid parameter", &smithy.GenericAPIError{Code: "InvalidParameterValue", Fault: smithy.FaultClient}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException", Fault: smithy.FaultClient}, true},
		{"throttling", &smithy.GenericAPIError{Code: "ThrottlingException", Fault: smithy.FaultClient}, false},
		{"capacity", &smithy.GenericAPIError{Code: "InsufficientInstanceCapacity", Fault: smithy.FaultServer}, false},
		{"network", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("run instance", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.fatal, retry.IsFatal(err))
			assert.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), "failed to run instance")
		})
	}

	assert.NoError(t, classify("noop", nil))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "InvalidVolume.NotFound"}))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "ServiceNotFound"}))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "ThrottlingException"}))
	assert.False(t, isNotFound(errors.New("not found")))
}

func TestWaitErr(t *testing.T) {
	err := waitErr("instances running", errors.New("exceeded max wait time for InstanceRunning waiter"))
	assert.ErrorIs(t, err, provider.ErrWaitTimeout)

	apiErr := &smithy.GenericAPIError{Code: "UnauthorizedOperation"}
	err = waitErr("instances running", apiErr)
	assert.NotErrorIs(t, err, provider.ErrWaitTimeout)
	assert.True(t, retry.IsFatal(err))

	assert.NoError(t, waitErr("anything", nil))
}

func TestChunks(t *testing.T) {
	ids := make([]string, 250)
	for i := range ids {
		ids[i] = "t"
	}
	batches := chunks(ids, 100)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 100)
	assert.Len(t, batches[2], 50)

	assert.Empty(t, chunks(nil, 100))
}

func TestInstanceFromEC2(t *testing.T) {
	launched := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	inst := instanceFromEC2(ec2types.Instance{
		InstanceId:       aws.String("i-0abc"),
		State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameShuttingDown},
		PrivateIpAddress: aws.String("10.0.1.12"),
		SubnetId:         aws.String("subnet-1"),
		InstanceType:     ec2types.InstanceTypeM5Large,
		Placement:        &ec2types.Placement{AvailabilityZone: aws.String("us-east-1a")},
		Tags: []ec2types.Tag{
			{Key: aws.String(types.TagName), Value: aws.String("jetdb-1")},
			{Key: aws.String(types.TagClusterName), Value: aws.String("prod")},
		},
		BlockDeviceMappings: []ec2types.InstanceBlockDeviceMapping{
			{DeviceName: aws.String("/dev/xvdf"), Ebs: &ec2types.EbsInstanceBlockDevice{VolumeId: aws.String("vol-1")}},
		},
		LaunchTime: &launched,
	})

	assert.Equal(t, "i-0abc", inst.ID)
	assert.Equal(t, types.InstanceStateStopping, inst.State)
	assert.Equal(t, "us-east-1a", inst.Zone)
	assert.Equal(t, "m5.large", inst.InstanceType)
	assert.Equal(t, "jetdb-1", inst.Name())
	assert.Equal(t, map[string]string{"/dev/xvdf": "vol-1"}, inst.BlockDevices)
	assert.Equal(t, launched, inst.LaunchedAt)
}

func TestInstanceState(t *testing.T) {
	tests := []struct {
		name ec2types.InstanceStateName
		want types.InstanceState
	}{
		{ec2types.InstanceStateNamePending, types.InstanceStatePending},
		{ec2types.InstanceStateNameRunning, types.InstanceStateRunning},
		{ec2types.InstanceStateNameStopping, types.InstanceStateStopping},
		{ec2types.InstanceStateNameStopped, types.InstanceStateStopped},
		{ec2types.InstanceStateNameTerminated, types.InstanceStateTerminated},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, instanceState(&ec2types.InstanceState{Name: tt.name}), string(tt.name))
	}
	assert.Equal(t, types.InstanceStatePending, instanceState(nil))
}

func TestVolumeFromEC2(t *testing.T) {
	v := volumeFromEC2(ec2types.Volume{
		VolumeId:         aws.String("vol-1"),
		Size:             aws.Int32(500),
		VolumeType:       ec2types.VolumeTypeIo1,
		Iops:             aws.Int32(5000),
		AvailabilityZone: aws.String("us-east-1b"),
		State:            ec2types.VolumeStateInUse,
		Attachments: []ec2types.VolumeAttachment{
			{InstanceId: aws.String("i-old"), State: ec2types.VolumeAttachmentStateDetached},
			{InstanceId: aws.String("i-1"), Device: aws.String("/dev/xvdf"), DeleteOnTermination: aws.Bool(false), State: ec2types.VolumeAttachmentStateAttached},
		},
	})

	assert.Equal(t, types.VolumeStateInUse, v.State)
	assert.Equal(t, int32(500), v.Size)
	assert.Equal(t, "io1", v.Type)
	require.NotNil(t, v.Attachment)
	assert.Equal(t, "i-1", v.Attachment.InstanceID)
	assert.True(t, v.Persistent())

	detached := volumeFromEC2(ec2types.Volume{VolumeId: aws.String("vol-2"), State: ec2types.VolumeStateAvailable})
	assert.False(t, detached.Attached())
}

func TestEC2TagsSorted(t *testing.T) {
	tags := ec2Tags(map[string]string{"b": "2", "a": "1", "c": "3"})
	require.Len(t, tags, 3)
	assert.Equal(t, "a", aws.ToString(tags[0].Key))
	assert.Equal(t, "c", aws.ToString(tags[2].Key))
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, tagMap(tags))
}

type stubEC2 struct {
	EC2API
	runInput *ec2.RunInstancesInput
}

func (s *stubEC2) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	s.runInput = params
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{{
		InstanceId: aws.String("i-new"),
		State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNamePending},
		Placement:  params.Placement,
		Tags:       params.TagSpecifications[0].Tags,
	}}}, nil
}

func TestRunInstance(t *testing.T) {
	stub := &stubEC2{}
	c := NewCompute(stub, time.Minute)

	inst, err := c.RunInstance(context.Background(), provider.InstanceSpec{
		Name:         "jetdb-1",
		Cluster:      "prod",
		Zone:         "us-east-1a",
		SubnetType:   types.SubnetTypePrivate,
		InstanceType: "m5.large",
		ImageID:      "ami-123",
		UserData:     "#!/bin/sh\necho hi\n",
		Tags:         map[string]string{types.TagInstanceType: "jetdb"},
	})
	require.NoError(t, err)

	assert.Equal(t, "i-new", inst.ID)
	assert.Equal(t, types.InstanceStatePending, inst.State)
	assert.Equal(t, "jetdb", inst.Role())
	assert.Equal(t, "prod", inst.Tags[types.TagClusterName])
	assert.Equal(t, types.SubnetTypePrivate, inst.SubnetType())

	in := stub.runInput
	assert.Equal(t, int32(1), aws.ToInt32(in.MinCount))
	assert.Equal(t, "IyEvYmluL3NoCmVjaG8gaGkK", aws.ToString(in.UserData))
	assert.Nil(t, in.KeyName)
	assert.Equal(t, ec2types.ResourceTypeInstance, in.TagSpecifications[0].ResourceType)
}

func TestWaitUnsupportedState(t *testing.T) {
	c := NewCompute(&stubEC2{}, time.Minute)
	err := c.WaitInstances(context.Background(), []string{"i-1"}, types.InstanceStatePending)
	assert.True(t, retry.IsFatal(err))

	assert.NoError(t, c.WaitInstances(context.Background(), nil, types.InstanceStateRunning))
}

func TestTaskFromECS(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	task := taskFromECS(ecstypes.Task{
		TaskArn:           aws.String("arn:aws:ecs:us-east-1:1:task/prod/abc"),
		LastStatus:        aws.String("RUNNING"),
		Group:             aws.String("core:jetdb"),
		TaskDefinitionArn: aws.String("arn:aws:ecs:us-east-1:1:task-definition/jetdb:3"),
		Containers: []ecstypes.Container{{
			Name: aws.String("jetdb"),
			NetworkBindings: []ecstypes.NetworkBinding{
				{ContainerPort: aws.Int32(3306), HostPort: aws.Int32(32768), Protocol: ecstypes.TransportProtocolTcp},
			},
		}},
		Tags: []ecstypes.Tag{
			{Key: aws.String(types.TagServiceName), Value: aws.String("jetdb")},
			{Key: aws.String(types.TagContainerNum), Value: aws.String("1")},
		},
		CreatedAt: &created,
	})

	assert.Equal(t, "arn:aws:ecs:us-east-1:1:task/prod/abc", task.ID)
	assert.Equal(t, "jetdb", task.Name)
	assert.Equal(t, types.TaskStateRunning, task.State)
	assert.Equal(t, "jetdb", task.ServiceName)
	assert.Equal(t, []types.PortBinding{{ContainerPort: 3306, HostPort: 32768, Protocol: "tcp"}}, task.Ports)
	assert.Equal(t, created, task.CreatedAt)
}

func TestECSTaskState(t *testing.T) {
	tests := map[string]types.TaskState{
		"PROVISIONING":   types.TaskStatePending,
		"PENDING":        types.TaskStatePending,
		"ACTIVATING":     types.TaskStatePending,
		"RUNNING":        types.TaskStateRunning,
		"DEACTIVATING":   types.TaskStateStopping,
		"STOPPING":       types.TaskStateStopping,
		"DEPROVISIONING": types.TaskStateStopping,
		"STOPPED":        types.TaskStateStopped,
		"":               types.TaskStatePending,
	}
	for status, want := range tests {
		assert.Equal(t, want, taskState(status), status)
	}
}

func TestTaskOverride(t *testing.T) {
	assert.Nil(t, taskOverride("jetdb", nil, nil))
	assert.Nil(t, taskOverride("", []string{"run"}, nil))

	o := taskOverride("jetdb", []string{"serve", "--port=3306"}, map[string]string{"B": "2", "A": "1"})
	require.NotNil(t, o)
	require.Len(t, o.ContainerOverrides, 1)
	co := o.ContainerOverrides[0]
	assert.Equal(t, "jetdb", aws.ToString(co.Name))
	assert.Equal(t, []string{"serve", "--port=3306"}, co.Command)
	require.Len(t, co.Environment, 2)
	assert.Equal(t, "A", aws.ToString(co.Environment[0].Name))
}

func TestEndpointAttributes(t *testing.T) {
	ep := types.Endpoint{InstanceID: "task-1", Address: "10.0.0.5", Port: 31000, Attributes: map[string]string{"zone": "a"}}
	attrs := endpointAttributes(ep)
	assert.Equal(t, map[string]string{
		"zone":              "a",
		"AWS_INSTANCE_IPV4": "10.0.0.5",
		"AWS_INSTANCE_PORT": "31000",
	}, attrs)

	back := endpointFromAttributes("task-1", attrs)
	assert.Equal(t, "10.0.0.5", back.Address)
	assert.Equal(t, int32(31000), back.Port)
}

type stubCloudMap struct {
	CloudMapAPI
	created *servicediscovery.CreateServiceInput
	status  sdtypes.OperationStatus
}

func (s *stubCloudMap) CreateService(ctx context.Context, params *servicediscovery.CreateServiceInput, optFns ...func(*servicediscovery.Options)) (*servicediscovery.CreateServiceOutput, error) {
	s.created = params
	return &servicediscovery.CreateServiceOutput{Service: &sdtypes.Service{
		Id:        aws.String("srv-1"),
		Name:      params.Name,
		DnsConfig: params.DnsConfig,
	}}, nil
}

func (s *stubCloudMap) GetOperation(ctx context.Context, params *servicediscovery.GetOperationInput, optFns ...func(*servicediscovery.Options)) (*servicediscovery.GetOperationOutput, error) {
	return &servicediscovery.GetOperationOutput{Operation: &sdtypes.Operation{
		Id:     params.OperationId,
		Status: s.status,
	}}, nil
}

func TestCloudMapCreateService(t *testing.T) {
	stub := &stubCloudMap{}
	cm := NewCloudMap(stub, "ns-1")

	rec, err := cm.CreateService(context.Background(), "jetdb", "jetdb service", 60)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", rec.ID)
	assert.Equal(t, int64(60), rec.TTL)

	assert.Equal(t, "ns-1", aws.ToString(stub.created.NamespaceId))
	assert.NotEmpty(t, aws.ToString(stub.created.CreatorRequestId))
	assert.Equal(t, sdtypes.RoutingPolicyMultivalue, stub.created.DnsConfig.RoutingPolicy)
	assert.Equal(t, sdtypes.RecordTypeSrv, stub.created.DnsConfig.DnsRecords[0].Type)
}

func TestCloudMapOperationStatus(t *testing.T) {
	for _, status := range []sdtypes.OperationStatus{
		sdtypes.OperationStatusSubmitted,
		sdtypes.OperationStatusPending,
		sdtypes.OperationStatusSuccess,
		sdtypes.OperationStatusFail,
	} {
		cm := NewCloudMap(&stubCloudMap{status: status}, "ns-1")
		got, err := cm.OperationStatus(context.Background(), "op-1")
		require.NoError(t, err)
		assert.Equal(t, provider.OperationStatus(status), got)
	}
}

type stubSSM struct {
	SSMAPI
	sent       *ssm.SendCommandInput
	invocation *ssm.GetCommandInvocationOutput
	err        error
}

func (s *stubSSM) SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error) {
	s.sent = params
	return &ssm.SendCommandOutput{Command: &ssmtypes.Command{CommandId: aws.String("cmd-1")}}, nil
}

func (s *stubSSM) GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error) {
	return s.invocation, s.err
}

func TestCommanderSend(t *testing.T) {
	stub := &stubSSM{}
	c := NewCommander(stub)

	id, err := c.SendCommand(context.Background(), []string{"i-1", "i-2"}, []string{"systemctl restart ecs"}, strings.Repeat("x", 150))
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", id)
	assert.Equal(t, "AWS-RunShellScript", aws.ToString(stub.sent.DocumentName))
	assert.Equal(t, []string{"systemctl restart ecs"}, stub.sent.Parameters["commands"])
	assert.Len(t, aws.ToString(stub.sent.Comment), 100)
}

func TestCommanderInvocation(t *testing.T) {
	stub := &stubSSM{invocation: &ssm.GetCommandInvocationOutput{
		Status:                ssmtypes.CommandInvocationStatusSuccess,
		StandardOutputContent: aws.String("ok\n"),
	}}
	c := NewCommander(stub)

	inv, err := c.GetInvocation(context.Background(), "cmd-1", "i-1")
	require.NoError(t, err)
	assert.Equal(t, provider.InvocationSuccess, inv.Status)
	assert.Equal(t, "ok\n", inv.Output)

	stub.err = &ssmtypes.InvocationDoesNotExist{Message: aws.String("not yet")}
	inv, err = c.GetInvocation(context.Background(), "cmd-1", "i-1")
	require.NoError(t, err)
	assert.Equal(t, provider.InvocationPending, inv.Status)
}

type stubS3 struct {
	S3API
	objects map[string]string
}

func (s *stubS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := s.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (s *stubS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var n int32
	for key := range s.objects {
		if strings.HasPrefix(key, aws.ToString(params.Prefix)) {
			n++
		}
	}
	if limit := aws.ToInt32(params.MaxKeys); n > limit {
		n = limit
	}
	return &s3.ListObjectsV2Output{KeyCount: aws.Int32(n)}, nil
}

func TestS3(t *testing.T) {
	stub := &stubS3{objects: map[string]string{
		"clusters/prod.yaml":          "tasks: {}\n",
		"output/2024-03-01/part-0000": "data",
	}}
	s := NewS3(stub)
	ctx := context.Background()

	data, err := s.GetObject(ctx, "cfg", "clusters/prod.yaml")
	require.NoError(t, err)
	assert.Equal(t, "tasks: {}\n", string(data))

	_, err = s.GetObject(ctx, "cfg", "clusters/missing.yaml")
	assert.ErrorIs(t, err, types.ErrNotFound)

	ok, err := s.PrefixExists(ctx, "out", "output/2024-03-01/")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.PrefixExists(ctx, "out", "output/2024-03-02/")
	require.NoError(t, err)
	assert.False(t, ok)
}
