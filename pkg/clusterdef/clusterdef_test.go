package clusterdef

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/flotilla/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefinition = `
version: "0.1"
cluster:
  name: demo
  namespace: local
  args:
    env: prod
  tasks:
    overseer:
      task_definition: overseer:4
      environment:
        ROLE: config
    jetdb:
      task_definition: jetdb:2
      container_name: db
      environment:
        DB_NAME: "jet-{{.processDate}}"
        NODE: "{{.name}}-{{.num}}"
      command: serve
      count: 2
      depends_on: [overseer]
      service: jetdb
    processor:
      task_definition: processor:7
      command: ["run", "--date", "{{.processDate}}"]
      depends_on: [jetdb]
  tasksets:
    core:
      tasks: [overseer, jetdb]
      auto_start: true
    batch:
      tasks: [processor]
      depends_on: [core]
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sampleDefinition))
	require.NoError(t, err)

	assert.Equal(t, "0.1", c.Version)
	assert.Equal(t, "demo", c.Name)
	assert.Equal(t, ".local", c.Namespace)

	jetdb, err := c.GetTask("jetdb")
	require.NoError(t, err)
	assert.Equal(t, "db", jetdb.ContainerName)
	assert.Equal(t, Command{"serve"}, jetdb.Command)
	assert.Equal(t, 2, jetdb.Count)
	assert.Equal(t, []string{"overseer"}, jetdb.DependsOn)

	overseer, err := c.GetTask("overseer")
	require.NoError(t, err)
	assert.Equal(t, 1, overseer.Count, "count defaults to one")
	assert.Equal(t, "overseer", overseer.ContainerName, "container defaults to task name")

	ts, err := c.GetTaskset("batch")
	require.NoError(t, err)
	assert.Equal(t, []string{"core"}, ts.DependsOn)

	auto := c.AutoStartTasksets()
	require.Len(t, auto, 1)
	assert.Equal(t, "core", auto[0].Name)

	owner, ok := c.TasksetOf("processor")
	require.True(t, ok)
	assert.Equal(t, "batch", owner.Name)
}

func TestParseTopLevelSchema(t *testing.T) {
	c, err := Parse([]byte(`
cluster:
  name: flat
tasks:
  web: {task_definition: "nginx:1.25"}
tasksets:
  front: {tasks: [web]}
`))
	require.NoError(t, err)
	_, err = c.GetTask("web")
	assert.NoError(t, err)
	_, err = c.GetTaskset("front")
	assert.NoError(t, err)
}

func TestGetMissingIsConfigurationError(t *testing.T) {
	c, err := Parse([]byte(sampleDefinition))
	require.NoError(t, err)

	_, err = c.GetTask("nope")
	var cfgErr *types.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "task", cfgErr.Kind)
	assert.Equal(t, "nope", cfgErr.Name)

	_, err = c.GetTaskset("nope")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "taskset", cfgErr.Kind)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "missing cluster name", doc: "cluster: {tasks: {}}"},
		{name: "unknown task in taskset", doc: "cluster: {name: x, tasks: {}, tasksets: {a: {tasks: [ghost]}}}"},
		{name: "unknown taskset dependency", doc: "cluster: {name: x, tasksets: {a: {depends_on: [ghost]}}}"},
		{name: "unknown task dependency", doc: "cluster: {name: x, tasks: {a: {task_definition: d, depends_on: [ghost]}}}"},
		{name: "missing task definition", doc: "cluster: {name: x, tasks: {a: {count: 1}}}"},
		{name: "unknown health check type", doc: "cluster: {name: x, tasks: {a: {task_definition: d, health_check: {type: grpc}}}}"},
		{name: "negative health check retries", doc: "cluster: {name: x, tasks: {a: {task_definition: d, health_check: {type: tcp, retries: -1}}}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			var cfgErr *types.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestParseHealthCheck(t *testing.T) {
	c, err := Parse([]byte(`
cluster:
  name: x
  tasks:
    api:
      task_definition: api:3
      health_check:
        type: http
        path: /health
        interval: 2s
        retries: 5
`))
	require.NoError(t, err)

	td, err := c.GetTask("api")
	require.NoError(t, err)
	require.NotNil(t, td.HealthCheck)
	assert.Equal(t, "http", td.HealthCheck.Type)
	assert.Equal(t, "/health", td.HealthCheck.Path)
	assert.Equal(t, 2*time.Second, td.HealthCheck.Interval)
	assert.Equal(t, 5, td.HealthCheck.Retries)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("cluster: {name: x, tasks: {a: {task_definition: d, replicas: 3}}}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replicas")
}

func TestRender(t *testing.T) {
	c, err := Parse([]byte(sampleDefinition))
	require.NoError(t, err)
	jetdb, _ := c.GetTask("jetdb")

	r, err := c.Render(jetdb, map[string]string{"processDate": "20180501"}, 2)
	require.NoError(t, err)
	assert.Equal(t, "jet-20180501", r.Environment["DB_NAME"])
	assert.Equal(t, "jetdb-2", r.Environment["NODE"])
	assert.Equal(t, "prod", r.Args["env"])
	assert.Equal(t, "demo", r.Args["cluster"])

	processor, _ := c.GetTask("processor")
	r, err = c.Render(processor, map[string]string{"processDate": "20180502"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "--date", "20180502"}, r.Command)

	_, err = c.Render(jetdb, nil, 1)
	assert.Error(t, err, "missing template key is an error")
}

type stubObjects struct {
	data   []byte
	bucket string
	key    string
}

func (s *stubObjects) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	s.bucket, s.key = bucket, key
	if s.data == nil {
		return nil, errors.New("no such key")
	}
	return s.data, nil
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDefinition), 0600))

	c, err := Load(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, c.Source)

	objects := &stubObjects{data: []byte(sampleDefinition)}
	c, err = Load(ctx, "s3://configs/clusters/demo.yaml", objects)
	require.NoError(t, err)
	assert.Equal(t, "configs", objects.bucket)
	assert.Equal(t, "clusters/demo.yaml", objects.key)
	assert.Equal(t, "demo", c.Name)

	_, err = Load(ctx, "s3://configs", objects)
	assert.Error(t, err)

	_, err = Load(ctx, "s3://configs/x.yaml", nil)
	assert.Error(t, err)

	_, err = Load(ctx, filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)
}
