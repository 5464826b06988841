package clusterdef

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/flotilla/pkg/types"
	"gopkg.in/yaml.v3"
)

// Command accepts either a single string or a list in YAML
type Command []string

// UnmarshalYAML implements yaml.Unmarshaler
func (c *Command) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Value == "" {
			*c = nil
			return nil
		}
		*c = Command{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*c = list
		return nil
	}
	return fmt.Errorf("line %d: command must be a string or a list", value.Line)
}

// TaskDefinition declares how to launch one task
type TaskDefinition struct {
	Name           string            `yaml:"-"`
	TaskDefinition string            `yaml:"task_definition"`
	ContainerName  string            `yaml:"container_name"`
	Environment    map[string]string `yaml:"environment"`
	Command        Command           `yaml:"command"`
	Count          int               `yaml:"count"`
	DependsOn      []string          `yaml:"depends_on"`
	Service        string            `yaml:"service"`
	Description    string            `yaml:"description"`
	HealthCheck    *HealthCheck      `yaml:"health_check"`
}

// HealthCheck gates service registration on the task answering on its
// host port. Zero durations and retries take the probe defaults.
type HealthCheck struct {
	Type     string        `yaml:"type"` // tcp or http
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
}

// TasksetDefinition groups tasks started together
type TasksetDefinition struct {
	Name      string   `yaml:"-"`
	Tasks     []string `yaml:"tasks"`
	DependsOn []string `yaml:"depends_on"`
	AutoStart bool     `yaml:"auto_start"`
}

type clusterSection struct {
	Name      string                        `yaml:"name"`
	Namespace string                        `yaml:"namespace"`
	Args      map[string]string             `yaml:"args"`
	Tasks     map[string]*TaskDefinition    `yaml:"tasks"`
	Tasksets  map[string]*TasksetDefinition `yaml:"tasksets"`
}

type document struct {
	Version  string                        `yaml:"version"`
	Cluster  clusterSection                `yaml:"cluster"`
	Tasks    map[string]*TaskDefinition    `yaml:"tasks"`
	Tasksets map[string]*TasksetDefinition `yaml:"tasksets"`
}

// Cluster is a loaded, immutable cluster definition
type Cluster struct {
	Version   string
	Name      string
	Namespace string
	Source    string

	args     map[string]string
	tasks    map[string]*TaskDefinition
	tasksets map[string]*TasksetDefinition
}

// ObjectGetter fetches a document from object storage
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
}

// LoadFile reads a cluster definition from a local YAML file
func LoadFile(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster definition: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Source = path
	return c, nil
}

// IsObjectURL reports whether source names an object storage location
func IsObjectURL(source string) bool {
	return strings.HasPrefix(source, "s3://")
}

// Load reads a cluster definition from a local path or an s3://bucket/key
// URL. objects may be nil when only local paths are used.
func Load(ctx context.Context, source string, objects ObjectGetter) (*Cluster, error) {
	if !IsObjectURL(source) {
		return LoadFile(source)
	}
	if objects == nil {
		return nil, fmt.Errorf("no object storage configured for %s", source)
	}

	bucket, key, ok := strings.Cut(strings.TrimPrefix(source, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid object URL: %s", source)
	}
	data, err := objects.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cluster definition: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	c.Source = source
	return c, nil
}

// Parse decodes and validates a cluster definition document
func Parse(data []byte) (*Cluster, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse cluster definition: %w", err)
	}

	c := &Cluster{
		Version:   doc.Version,
		Name:      doc.Cluster.Name,
		Namespace: doc.Cluster.Namespace,
		args:      doc.Cluster.Args,
		tasks:     make(map[string]*TaskDefinition),
		tasksets:  make(map[string]*TasksetDefinition),
	}
	if c.args == nil {
		c.args = map[string]string{}
	}
	if c.Namespace != "" && !strings.HasPrefix(c.Namespace, ".") {
		c.Namespace = "." + c.Namespace
	}

	for _, src := range []map[string]*TaskDefinition{doc.Cluster.Tasks, doc.Tasks} {
		for name, td := range src {
			if td == nil {
				td = &TaskDefinition{}
			}
			td.Name = name
			if td.Count == 0 {
				td.Count = 1
			}
			if td.ContainerName == "" {
				td.ContainerName = name
			}
			c.tasks[name] = td
		}
	}
	for _, src := range []map[string]*TasksetDefinition{doc.Cluster.Tasksets, doc.Tasksets} {
		for name, ts := range src {
			if ts == nil {
				ts = &TasksetDefinition{}
			}
			ts.Name = name
			c.tasksets[name] = ts
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that every referenced task and taskset exists
func (c *Cluster) Validate() error {
	if c.Name == "" {
		return &types.ConfigurationError{Kind: "cluster", Msg: "name is required"}
	}
	for _, td := range c.Tasks() {
		if td.TaskDefinition == "" {
			return &types.ConfigurationError{Kind: "task", Name: td.Name, Msg: "task_definition is required"}
		}
		if td.Count < 0 {
			return &types.ConfigurationError{Kind: "task", Name: td.Name, Msg: "count must be positive"}
		}
		if hc := td.HealthCheck; hc != nil {
			switch hc.Type {
			case "tcp", "http":
			default:
				return &types.ConfigurationError{Kind: "task", Name: td.Name, Msg: fmt.Sprintf("unknown health_check type %q", hc.Type)}
			}
			if hc.Retries < 0 || hc.Interval < 0 || hc.Timeout < 0 {
				return &types.ConfigurationError{Kind: "task", Name: td.Name, Msg: "health_check values must not be negative"}
			}
		}
		for _, dep := range td.DependsOn {
			if _, ok := c.tasks[dep]; !ok {
				return &types.ConfigurationError{Kind: "task", Name: dep, Msg: fmt.Sprintf("referenced by task %s", td.Name)}
			}
		}
	}
	for _, ts := range c.Tasksets() {
		for _, name := range ts.Tasks {
			if _, ok := c.tasks[name]; !ok {
				return &types.ConfigurationError{Kind: "task", Name: name, Msg: fmt.Sprintf("referenced by taskset %s", ts.Name)}
			}
		}
		for _, dep := range ts.DependsOn {
			if _, ok := c.tasksets[dep]; !ok {
				return &types.ConfigurationError{Kind: "taskset", Name: dep, Msg: fmt.Sprintf("referenced by taskset %s", ts.Name)}
			}
		}
	}
	return nil
}

// GetTask returns the named task definition
func (c *Cluster) GetTask(name string) (*TaskDefinition, error) {
	td, ok := c.tasks[name]
	if !ok {
		return nil, &types.ConfigurationError{Kind: "task", Name: name}
	}
	return td, nil
}

// GetTaskset returns the named taskset definition
func (c *Cluster) GetTaskset(name string) (*TasksetDefinition, error) {
	ts, ok := c.tasksets[name]
	if !ok {
		return nil, &types.ConfigurationError{Kind: "taskset", Name: name}
	}
	return ts, nil
}

// Tasks returns all task definitions ordered by name
func (c *Cluster) Tasks() []*TaskDefinition {
	out := make([]*TaskDefinition, 0, len(c.tasks))
	for _, td := range c.tasks {
		out = append(out, td)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tasksets returns all taskset definitions ordered by name
func (c *Cluster) Tasksets() []*TasksetDefinition {
	out := make([]*TasksetDefinition, 0, len(c.tasksets))
	for _, ts := range c.tasksets {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AutoStartTasksets returns the tasksets flagged auto_start, ordered by name
func (c *Cluster) AutoStartTasksets() []*TasksetDefinition {
	var out []*TasksetDefinition
	for _, ts := range c.Tasksets() {
		if ts.AutoStart {
			out = append(out, ts)
		}
	}
	return out
}

// TasksetOf returns the first taskset listing task as a member
func (c *Cluster) TasksetOf(task string) (*TasksetDefinition, bool) {
	for _, ts := range c.Tasksets() {
		for _, name := range ts.Tasks {
			if name == task {
				return ts, true
			}
		}
	}
	return nil, false
}

// Args returns a copy of the cluster-wide template arguments
func (c *Cluster) Args() map[string]string {
	out := make(map[string]string, len(c.args))
	for k, v := range c.args {
		out[k] = v
	}
	return out
}
