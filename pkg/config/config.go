package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in the providers section
const (
	PlacementECS        = "ecs"
	PlacementContainerd = "containerd"
	DiscoveryCloudMap   = "cloudmap"
	DiscoveryLocal      = "local"
)

// Config holds the orchestrator configuration.
type Config struct {
	Cluster    string `yaml:"cluster"`
	Region     string `yaml:"region"`
	Definition string `yaml:"definition"` // path or s3:// URL of the cluster definition
	DataDir    string `yaml:"data_dir"`

	Providers  ProvidersConfig  `yaml:"providers"`
	AWS        AWSConfig        `yaml:"aws"`
	Retry      RetryConfig      `yaml:"retry"`
	Launch     LaunchConfig     `yaml:"launch"`
	Wait       WaitConfig       `yaml:"wait"`
	Batch      BatchConfig      `yaml:"batch"`
	DNS        DNSConfig        `yaml:"dns"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Events     EventsConfig     `yaml:"events"`
	Containerd ContainerdConfig `yaml:"containerd"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
}

// ProvidersConfig selects the placement and discovery backends
type ProvidersConfig struct {
	Placement string `yaml:"placement"` // ecs or containerd
	Discovery string `yaml:"discovery"` // cloudmap or local
}

// AWSConfig holds the AWS account settings. Credentials fall back to the
// SDK default chain when empty.
type AWSConfig struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	NamespaceID     string `yaml:"namespace_id"` // Cloud Map namespace
	S3Endpoint      string `yaml:"s3_endpoint"`
	TaskDefCache    int    `yaml:"task_definition_cache"`
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

type LaunchConfig struct {
	Delay     time.Duration `yaml:"delay"`
	StartedBy string        `yaml:"started_by"`
}

type WaitConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// BatchConfig configures the batch provisioning loop
type BatchConfig struct {
	Role            string        `yaml:"role"`
	Zones           []string      `yaml:"zones"`
	MaxInstances    int           `yaml:"max_instances"`
	CapacityBackoff time.Duration `yaml:"capacity_backoff"`
	MaxFailures     int           `yaml:"max_failures"`
	InstanceType    string        `yaml:"instance_type"`
	ImageID         string        `yaml:"image_id"`
	KeyName         string        `yaml:"key_name"`
	SecurityGroups  []string      `yaml:"security_groups"`
	InstanceProfile string        `yaml:"instance_profile"`
	Volume          VolumeConfig  `yaml:"volume"`
	Stages          []string      `yaml:"stages"`
	GroupPrefix     string        `yaml:"group_prefix"`
	Output          OutputConfig  `yaml:"output"`
}

// VolumeConfig describes the data volume created for each batch unit
type VolumeConfig struct {
	Size       int32  `yaml:"size"` // GiB
	Type       string `yaml:"type"`
	IOPSPerGiB int32  `yaml:"iops_per_gib"`
	Device     string `yaml:"device"`
	MountPoint string `yaml:"mount_point"`
}

// OutputConfig locates a unit's results. {unit} in the prefix is replaced
// by the unit key.
type OutputConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type DNSConfig struct {
	Listen   string   `yaml:"listen"`
	Domain   string   `yaml:"domain"`
	Upstream []string `yaml:"upstream"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// EventsConfig enables forwarding of orchestration events to NATS
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

type ContainerdConfig struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
	HostID    string `yaml:"host_id"`
	LogDir    string `yaml:"log_dir"`

	// Mounts bind host paths (keys) into every container at the values
	Mounts map[string]string `yaml:"mounts"`
}

type ReconcileConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"`
}

// Default returns a configuration with every default filled in
func Default() *Config {
	return &Config{
		Region:  "us-east-1",
		DataDir: "/var/lib/flotilla",
		Providers: ProvidersConfig{
			Placement: PlacementECS,
			Discovery: DiscoveryCloudMap,
		},
		AWS: AWSConfig{
			TaskDefCache: 256,
		},
		Retry: RetryConfig{
			Attempts: 3,
			Delay:    10 * time.Second,
		},
		Launch: LaunchConfig{
			Delay:     2 * time.Second,
			StartedBy: "flotilla",
		},
		Wait: WaitConfig{
			Timeout:      15 * time.Minute,
			PollInterval: 5 * time.Second,
		},
		Batch: BatchConfig{
			Role:            "BatchProcessor",
			MaxInstances:    5,
			CapacityBackoff: 5 * time.Minute,
			MaxFailures:     3,
			InstanceType:    "c5.4xlarge",
			Volume: VolumeConfig{
				Size:       150,
				Type:       "io1",
				IOPSPerGiB: 50,
				Device:     "/dev/sdc",
				MountPoint: "/mnt/disc",
			},
			Stages:      []string{"overseer", "jetdb", "processor"},
			GroupPrefix: "unit",
		},
		DNS: DNSConfig{
			Listen:   "127.0.0.1:5353",
			Domain:   ".local",
			Upstream: []string{"8.8.8.8:53", "1.1.1.1:53"},
		},
		Events: EventsConfig{
			Subject: "flotilla.events",
		},
		Containerd: ContainerdConfig{
			Socket:    "/run/containerd/containerd.sock",
			Namespace: "flotilla",
		},
		Reconcile: ReconcileConfig{
			Interval:  30 * time.Second,
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// LoadFile reads a YAML configuration on top of the defaults. Unknown keys
// are rejected.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Cluster == "" {
		return fmt.Errorf("cluster is required")
	}
	if c.Definition == "" {
		return fmt.Errorf("definition is required")
	}

	if err := c.validateProviders(); err != nil {
		return fmt.Errorf("providers validation failed: %w", err)
	}

	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1")
	}
	if c.Retry.Delay < 0 || c.Launch.Delay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if c.Wait.Timeout <= 0 {
		return fmt.Errorf("wait.timeout must be positive")
	}

	if err := c.validateBatch(); err != nil {
		return fmt.Errorf("batch validation failed: %w", err)
	}
	return nil
}

func (c *Config) validateProviders() error {
	switch c.Providers.Placement {
	case PlacementECS, PlacementContainerd:
	default:
		return fmt.Errorf("unknown placement %q (want %s or %s)", c.Providers.Placement, PlacementECS, PlacementContainerd)
	}
	switch c.Providers.Discovery {
	case DiscoveryLocal:
	case DiscoveryCloudMap:
		if c.AWS.NamespaceID == "" {
			return fmt.Errorf("aws.namespace_id is required for %s discovery", DiscoveryCloudMap)
		}
	default:
		return fmt.Errorf("unknown discovery %q (want %s or %s)", c.Providers.Discovery, DiscoveryCloudMap, DiscoveryLocal)
	}
	if c.Providers.Placement == PlacementContainerd && c.Containerd.HostID == "" {
		return fmt.Errorf("containerd.host_id is required for %s placement", PlacementContainerd)
	}
	return nil
}

func (c *Config) validateBatch() error {
	b := c.Batch
	if b.MaxInstances < 1 {
		return fmt.Errorf("max_instances must be at least 1")
	}
	if b.MaxFailures < 1 {
		return fmt.Errorf("max_failures must be at least 1")
	}
	if b.Volume.Size <= 0 {
		return fmt.Errorf("volume.size must be positive")
	}
	if !strings.HasPrefix(b.Volume.Device, "/dev/") {
		return fmt.Errorf("volume.device %q must be a /dev path", b.Volume.Device)
	}
	if len(b.Stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}
	if b.Output.Prefix != "" && b.Output.Bucket == "" {
		return fmt.Errorf("output.bucket is required when output.prefix is set")
	}
	return nil
}

// ValidateBatchRun checks the settings a batch run needs beyond Validate
func (c *Config) ValidateBatchRun() error {
	b := c.Batch
	if len(b.Zones) == 0 {
		return fmt.Errorf("batch.zones is required")
	}
	if b.ImageID == "" {
		return fmt.Errorf("batch.image_id is required")
	}
	return nil
}
