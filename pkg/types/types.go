package types

import (
	"time"
)

// Tag keys written on every resource the orchestrator creates
const (
	TagName           = "Name"
	TagClusterName    = "Cluster-Name"
	TagSubnetType     = "Subnet-Type"
	TagInstanceType   = "Instance-Type"
	TagContainerNum   = "Container-Number"
	TagServiceName    = "ServiceName"
	TagMountPoint     = "Mount-Point"
	TagProcessDate    = "ProcessDate"
	SubnetTypePrivate = "private"
	SubnetTypePublic  = "public"
)

// InstanceState represents the lifecycle state of a compute instance
type InstanceState string

const (
	InstanceStatePending    InstanceState = "pending"
	InstanceStateRunning    InstanceState = "running"
	InstanceStateStopping   InstanceState = "stopping"
	InstanceStateStopped    InstanceState = "stopped"
	InstanceStateTerminated InstanceState = "terminated"
)

// ComputeInstance is the mirrored view of a remote virtual machine
type ComputeInstance struct {
	ID                   string
	State                InstanceState
	PrivateIP            string
	PublicIP             string
	SubnetID             string
	Zone                 string
	InstanceType         string
	Tags                 map[string]string
	BlockDevices         map[string]string // device -> volume id
	ContainerInstanceARN string
	LaunchedAt           time.Time
}

// Name returns the Name tag
func (i *ComputeInstance) Name() string { return i.Tags[TagName] }

// SubnetType returns the Subnet-Type tag
func (i *ComputeInstance) SubnetType() string { return i.Tags[TagSubnetType] }

// Role returns the Instance-Type tag used to group fleet instances
func (i *ComputeInstance) Role() string { return i.Tags[TagInstanceType] }

// Active reports whether the instance counts against fleet capacity
func (i *ComputeInstance) Active() bool {
	return i.State == InstanceStatePending || i.State == InstanceStateRunning
}

// VolumeState represents the state of a block volume
type VolumeState string

const (
	VolumeStateCreating  VolumeState = "creating"
	VolumeStateAvailable VolumeState = "available"
	VolumeStateInUse     VolumeState = "in-use"
	VolumeStateDeleting  VolumeState = "deleting"
	VolumeStateDeleted   VolumeState = "deleted"
	VolumeStateError     VolumeState = "error"
)

// VolumeAttachment links a volume to the instance it is attached to
type VolumeAttachment struct {
	InstanceID          string
	Device              string
	DeleteOnTermination bool
	State               string
}

// BlockVolume is the mirrored view of a remote block storage volume
type BlockVolume struct {
	ID         string
	Size       int32 // GiB
	Type       string
	IOPS       int32
	Zone       string
	State      VolumeState
	Attachment *VolumeAttachment
	Tags       map[string]string
	CreatedAt  time.Time
}

// Name returns the Name tag
func (v *BlockVolume) Name() string { return v.Tags[TagName] }

// Attached reports whether the volume currently has an attachment
func (v *BlockVolume) Attached() bool { return v.Attachment != nil }

// Persistent reports whether the volume survives termination of its instance
func (v *BlockVolume) Persistent() bool {
	return v.Attachment != nil && !v.Attachment.DeleteOnTermination
}

// Subnet is the mirrored view of a network subnet
type Subnet struct {
	ID     string
	CIDR   string
	Zone   string
	Public bool
	Tags   map[string]string
}

// Private reports whether instances launched here get no public address
func (s *Subnet) Private() bool { return !s.Public }

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskStatePending  TaskState = "pending"
	TaskStateRunning  TaskState = "running"
	TaskStateStopping TaskState = "stopping"
	TaskStateStopped  TaskState = "stopped"
)

// PortBinding maps a container port to the host port it is published on
type PortBinding struct {
	ContainerPort int32
	HostPort      int32
	Protocol      string
}

// Task is one launched workload instance
type Task struct {
	ID            string
	Name          string
	Group         string
	State         TaskState
	InstanceID    string
	Ports         []PortBinding
	ServiceName   string
	DefinitionARN string
	StartedBy     string
	StoppedReason string
	Tags          map[string]string
	CreatedAt     time.Time
}

// Endpoint is an address:port registered under a discovery service
type Endpoint struct {
	InstanceID string // task id the endpoint represents
	Address    string
	Port       int32
	Attributes map[string]string
}

// ServiceRecord is a named discovery entry
type ServiceRecord struct {
	ID          string
	Name        string
	Description string
	TTL         int64
	CreatedAt   time.Time
}

// StatusChange is one entry of a task's status history
type StatusChange struct {
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// TaskRecord is the registry entry kept for each task, with its status history
type TaskRecord struct {
	TaskID              string            `json:"task_id"`
	Name                string            `json:"name"`
	Group               string            `json:"group"`
	ServiceName         string            `json:"service_name,omitempty"`
	InstanceID          string            `json:"instance_id,omitempty"`
	Address             string            `json:"address,omitempty"`
	Port                int32             `json:"port,omitempty"`
	CurrentStatus       string            `json:"current_status"`
	History             []StatusChange    `json:"history"`
	Tags                map[string]string `json:"tags,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	LastStatusChangedAt time.Time         `json:"last_status_changed_at"`
}

// UnitStatus is the journal state of one batch unit
type UnitStatus string

const (
	UnitStatusProvisioning UnitStatus = "provisioning"
	UnitStatusRunning      UnitStatus = "running"
	UnitStatusFailed       UnitStatus = "failed"
	UnitStatusCompleted    UnitStatus = "completed"
	UnitStatusSkipped      UnitStatus = "skipped"
)

// UnitRecord is the journal entry for one batch unit
type UnitRecord struct {
	Key        string     `json:"key"`
	Zone       string     `json:"zone,omitempty"`
	VolumeID   string     `json:"volume_id,omitempty"`
	InstanceID string     `json:"instance_id,omitempty"`
	TaskIDs    []string   `json:"task_ids,omitempty"`
	Status     UnitStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
