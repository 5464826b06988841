// Package provider defines the narrow interfaces the orchestrator consumes
// from its remote collaborators: compute, container placement, service
// discovery and remote command execution.
package provider

import (
	"context"
	"errors"

	"github.com/cuemby/flotilla/pkg/types"
)

// ErrWaitTimeout is returned (wrapped) when a waiter gives up before the
// target state is reached. The orchestrator treats it as retryable.
var ErrWaitTimeout = errors.New("timed out waiting for target state")

// InstanceFilter scopes an instance listing
type InstanceFilter struct {
	Cluster string
	IDs     []string
}

// InstanceSpec describes an instance to launch
type InstanceSpec struct {
	Name            string
	Cluster         string
	Zone            string
	SubnetID        string
	SubnetType      string
	InstanceType    string
	ImageID         string
	KeyName         string
	SecurityGroups  []string
	InstanceProfile string
	UserData        string
	Tags            map[string]string
}

// VolumeSpec describes a volume to create
type VolumeSpec struct {
	Name    string
	Cluster string
	Zone    string
	Size    int32
	Type    string
	IOPS    int32
	Tags    map[string]string
}

// SubnetSpec describes a subnet to create
type SubnetSpec struct {
	Cluster string
	VPCID   string
	Zone    string
	CIDR    string
	Public  bool
}

// InstanceAPI covers the compute instance primitives
type InstanceAPI interface {
	DescribeInstances(ctx context.Context, filter InstanceFilter) ([]types.ComputeInstance, error)
	RunInstance(ctx context.Context, spec InstanceSpec) (*types.ComputeInstance, error)
	StartInstances(ctx context.Context, ids []string) error
	StopInstances(ctx context.Context, ids []string) error
	TerminateInstances(ctx context.Context, ids []string) error
	// WaitInstances blocks until every instance reports state. For running
	// it also waits for the provider's status checks to pass.
	WaitInstances(ctx context.Context, ids []string, state types.InstanceState) error
	SetDeleteOnTermination(ctx context.Context, instanceID, device string, deleteOnTermination bool) error
}

// VolumeAPI covers the block volume primitives
type VolumeAPI interface {
	DescribeVolumes(ctx context.Context, cluster string, ids ...string) ([]types.BlockVolume, error)
	CreateVolume(ctx context.Context, spec VolumeSpec) (*types.BlockVolume, error)
	DeleteVolume(ctx context.Context, id string) error
	AttachVolume(ctx context.Context, volumeID, instanceID, device string) error
	DetachVolume(ctx context.Context, volumeID, instanceID, device string) error
	WaitVolume(ctx context.Context, id string, state types.VolumeState) error
}

// SubnetAPI covers the subnet primitives
type SubnetAPI interface {
	DescribeSubnets(ctx context.Context, cluster string) ([]types.Subnet, error)
	CreateSubnet(ctx context.Context, spec SubnetSpec) (*types.Subnet, error)
	SetSubnetPublic(ctx context.Context, id string) error
}

// Compute is the cloud resource provider as seen by the resource mirror
type Compute interface {
	InstanceAPI
	VolumeAPI
	SubnetAPI
}

// ContainerInstanceLister maps compute instance ids to the placement
// service's container instance identity.
type ContainerInstanceLister interface {
	ListContainerInstances(ctx context.Context) (map[string]string, error)
}

// LaunchRequest describes one launch call
type LaunchRequest struct {
	Definition        string
	ContainerName     string
	Command           []string
	Environment       map[string]string
	Group             string
	StartedBy         string
	Tags              map[string]string
	ContainerInstance string // place on this instance; empty lets the service choose
	Count             int32
}

// LaunchResult is the per-call outcome reported by the placement service
type LaunchResult struct {
	Tasks    []types.Task
	Failures []types.LaunchFailure
}

// Placement is the container placement service
type Placement interface {
	LaunchTask(ctx context.Context, req LaunchRequest) (*LaunchResult, error)
	DescribeTasks(ctx context.Context, ids []string) ([]types.Task, error)
	StopTask(ctx context.Context, id, reason string) error
	ListTasks(ctx context.Context) ([]string, error)
	WaitTasks(ctx context.Context, ids []string, state types.TaskState) error
}

// OperationStatus is the state of an asynchronous registry operation
type OperationStatus string

const (
	OperationSubmitted OperationStatus = "SUBMITTED"
	OperationPending   OperationStatus = "PENDING"
	OperationSuccess   OperationStatus = "SUCCESS"
	OperationFail      OperationStatus = "FAIL"
)

// Discovery is the service registry
type Discovery interface {
	ListServices(ctx context.Context) ([]types.ServiceRecord, error)
	CreateService(ctx context.Context, name, description string, ttl int64) (*types.ServiceRecord, error)
	DeleteService(ctx context.Context, id string) error
	ListEndpoints(ctx context.Context, serviceID string) ([]types.Endpoint, error)
	// RegisterEndpoint and DeregisterEndpoint return an operation id, or
	// "" when the change completed synchronously.
	RegisterEndpoint(ctx context.Context, serviceID string, ep types.Endpoint) (string, error)
	DeregisterEndpoint(ctx context.Context, serviceID, endpointID string) (string, error)
	OperationStatus(ctx context.Context, operationID string) (OperationStatus, error)
}

// InvocationStatus is the state of a command on one instance
type InvocationStatus string

const (
	InvocationPending    InvocationStatus = "Pending"
	InvocationInProgress InvocationStatus = "InProgress"
	InvocationDelayed    InvocationStatus = "Delayed"
	InvocationSuccess    InvocationStatus = "Success"
	InvocationCancelled  InvocationStatus = "Cancelled"
	InvocationCancelling InvocationStatus = "Cancelling"
	InvocationTimedOut   InvocationStatus = "TimedOut"
	InvocationFailed     InvocationStatus = "Failed"
)

// Terminal reports whether the invocation will not change state again
func (s InvocationStatus) Terminal() bool {
	switch s {
	case InvocationPending, InvocationInProgress, InvocationDelayed, InvocationCancelling:
		return false
	}
	return true
}

// Cancellable reports whether the invocation can still be cancelled
func (s InvocationStatus) Cancellable() bool {
	return s == InvocationPending || s == InvocationInProgress || s == InvocationDelayed
}

// Invocation is the per-instance result of a command
type Invocation struct {
	CommandID  string
	InstanceID string
	Status     InvocationStatus
	Output     string
}

// Commander is the remote command execution service
type Commander interface {
	SendCommand(ctx context.Context, instanceIDs, commands []string, comment string) (string, error)
	GetInvocation(ctx context.Context, commandID, instanceID string) (*Invocation, error)
	CancelCommand(ctx context.Context, commandID string, instanceIDs []string) error
}
