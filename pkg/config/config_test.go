package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Cluster = "prod"
	cfg.Definition = "cluster.yaml"
	cfg.AWS.NamespaceID = "ns-1"
	return cfg
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
cluster: prod
definition: s3://cfg/prod.yaml
providers:
  discovery: local
retry:
  attempts: 5
  delay: 3s
batch:
  zones: [us-east-1a, us-east-1c]
  volume:
    size: 300
events:
  nats_url: nats://127.0.0.1:4222
`))
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Cluster)
	assert.Equal(t, DiscoveryLocal, cfg.Providers.Discovery)
	assert.Equal(t, PlacementECS, cfg.Providers.Placement)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, 3*time.Second, cfg.Retry.Delay)
	assert.Equal(t, []string{"us-east-1a", "us-east-1c"}, cfg.Batch.Zones)
	assert.Equal(t, int32(300), cfg.Batch.Volume.Size)
	// Untouched nested defaults survive
	assert.Equal(t, "io1", cfg.Batch.Volume.Type)
	assert.Equal(t, "/dev/sdc", cfg.Batch.Volume.Device)
	assert.Equal(t, "flotilla.events", cfg.Events.Subject)

	require.NoError(t, cfg.Validate())
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("clustr: prod\n"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flotilla.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster: staging\ndefinition: c.yaml\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Cluster)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing cluster", func(c *Config) { c.Cluster = "" }, "cluster is required"},
		{"missing definition", func(c *Config) { c.Definition = "" }, "definition is required"},
		{"unknown placement", func(c *Config) { c.Providers.Placement = "nomad" }, "unknown placement"},
		{"unknown discovery", func(c *Config) { c.Providers.Discovery = "consul" }, "unknown discovery"},
		{"cloudmap without namespace", func(c *Config) { c.AWS.NamespaceID = "" }, "namespace_id"},
		{"local discovery without namespace", func(c *Config) {
			c.AWS.NamespaceID = ""
			c.Providers.Discovery = DiscoveryLocal
		}, ""},
		{"containerd without host", func(c *Config) { c.Providers.Placement = PlacementContainerd }, "host_id"},
		{"zero attempts", func(c *Config) { c.Retry.Attempts = 0 }, "retry.attempts"},
		{"negative delay", func(c *Config) { c.Launch.Delay = -time.Second }, "negative"},
		{"bad device", func(c *Config) { c.Batch.Volume.Device = "sdc" }, "/dev path"},
		{"no stages", func(c *Config) { c.Batch.Stages = nil }, "stage"},
		{"prefix without bucket", func(c *Config) { c.Batch.Output.Prefix = "out/{unit}/" }, "output.bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateBatchRun(t *testing.T) {
	cfg := validConfig()
	assert.Error(t, cfg.ValidateBatchRun())

	cfg.Batch.Zones = []string{"us-east-1a"}
	assert.ErrorContains(t, cfg.ValidateBatchRun(), "image_id")

	cfg.Batch.ImageID = "ami-1"
	assert.NoError(t, cfg.ValidateBatchRun())
}
