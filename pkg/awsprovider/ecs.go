package awsprovider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/retry"
	"github.com/cuemby/flotilla/pkg/types"
	lru "github.com/hashicorp/golang-lru"
)

// ECS accepts at most this many tasks per DescribeTasks call
const describeTasksBatch = 100

// DefaultTaskDefCacheSize is the number of task definitions whose default
// container name is remembered
const DefaultTaskDefCacheSize = 256

// ECSAPI is the subset of the ECS client used by Placement
type ECSAPI interface {
	ecs.DescribeTasksAPIClient
	ecs.ListTasksAPIClient
	ecs.ListContainerInstancesAPIClient
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	StartTask(ctx context.Context, params *ecs.StartTaskInput, optFns ...func(*ecs.Options)) (*ecs.StartTaskOutput, error)
	StopTask(ctx context.Context, params *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
	DescribeTaskDefinition(ctx context.Context, params *ecs.DescribeTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error)
	DescribeContainerInstances(ctx context.Context, params *ecs.DescribeContainerInstancesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeContainerInstancesOutput, error)
}

// Placement implements provider.Placement on an ECS cluster
type Placement struct {
	client      ECSAPI
	cluster     string
	waitTimeout time.Duration
	taskDefs    *lru.TwoQueueCache // definition -> default container name

	mu        sync.RWMutex
	hostByARN map[string]string // container instance ARN -> EC2 instance id
}

var (
	_ provider.Placement               = (*Placement)(nil)
	_ provider.ContainerInstanceLister = (*Placement)(nil)
)

// NewPlacement wraps an ECS client for cluster
func NewPlacement(client ECSAPI, cluster string, cacheSize int, waitTimeout time.Duration) (*Placement, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultTaskDefCacheSize
	}
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	cache, err := lru.New2Q(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create task definition cache: %w", err)
	}
	return &Placement{
		client:      client,
		cluster:     cluster,
		waitTimeout: waitTimeout,
		taskDefs:    cache,
		hostByARN:   make(map[string]string),
	}, nil
}

// LaunchTask runs req.Count tasks. With a container instance set the tasks
// are started there, otherwise ECS chooses the placement.
func (p *Placement) LaunchTask(ctx context.Context, req provider.LaunchRequest) (*provider.LaunchResult, error) {
	containerName := req.ContainerName
	if containerName == "" && (len(req.Command) > 0 || len(req.Environment) > 0) {
		name, err := p.defaultContainer(ctx, req.Definition)
		if err != nil {
			return nil, err
		}
		containerName = name
	}

	overrides := taskOverride(containerName, req.Command, req.Environment)
	tags := ecsTags(req.Tags)

	var (
		tasks    []ecstypes.Task
		failures []ecstypes.Failure
	)
	if req.ContainerInstance != "" {
		out, err := p.client.StartTask(ctx, &ecs.StartTaskInput{
			Cluster:            aws.String(p.cluster),
			TaskDefinition:     aws.String(req.Definition),
			ContainerInstances: []string{req.ContainerInstance},
			Group:              optString(req.Group),
			StartedBy:          optString(req.StartedBy),
			Overrides:          overrides,
			Tags:               tags,
		})
		if err != nil {
			return nil, classify("start task "+req.Definition, err)
		}
		tasks, failures = out.Tasks, out.Failures
	} else {
		count := req.Count
		if count < 1 {
			count = 1
		}
		out, err := p.client.RunTask(ctx, &ecs.RunTaskInput{
			Cluster:        aws.String(p.cluster),
			TaskDefinition: aws.String(req.Definition),
			Count:          aws.Int32(count),
			Group:          optString(req.Group),
			StartedBy:      optString(req.StartedBy),
			Overrides:      overrides,
			Tags:           tags,
		})
		if err != nil {
			return nil, classify("run task "+req.Definition, err)
		}
		tasks, failures = out.Tasks, out.Failures
	}

	result := &provider.LaunchResult{}
	for _, t := range tasks {
		result.Tasks = append(result.Tasks, p.task(ctx, t))
	}
	for i, f := range failures {
		result.Failures = append(result.Failures, types.LaunchFailure{
			Index:  i,
			ARN:    aws.ToString(f.Arn),
			Reason: aws.ToString(f.Reason),
			Detail: aws.ToString(f.Detail),
		})
	}

	log.Logger.Info().
		Str("component", "awsprovider").
		Str("definition", req.Definition).
		Int("launched", len(result.Tasks)).
		Int("failed", len(result.Failures)).
		Msg("tasks launched")

	return result, nil
}

// defaultContainer returns the name of the first container in a task definition
func (p *Placement) defaultContainer(ctx context.Context, definition string) (string, error) {
	if v, ok := p.taskDefs.Get(definition); ok {
		return v.(string), nil
	}

	out, err := p.client.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(definition),
	})
	if err != nil {
		return "", classify("describe task definition "+definition, err)
	}
	if out.TaskDefinition == nil || len(out.TaskDefinition.ContainerDefinitions) == 0 {
		return "", retry.Fatal(fmt.Errorf("task definition %s has no containers", definition))
	}

	name := aws.ToString(out.TaskDefinition.ContainerDefinitions[0].Name)
	p.taskDefs.Add(definition, name)
	return name, nil
}

// DescribeTasks describes tasks in batches. Tasks ECS no longer knows are left out.
func (p *Placement) DescribeTasks(ctx context.Context, ids []string) ([]types.Task, error) {
	var out []types.Task
	for _, batch := range chunks(ids, describeTasksBatch) {
		resp, err := p.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(p.cluster),
			Tasks:   batch,
			Include: []ecstypes.TaskField{ecstypes.TaskFieldTags},
		})
		if err != nil {
			return nil, classify("describe tasks", err)
		}
		for _, t := range resp.Tasks {
			out = append(out, p.task(ctx, t))
		}
		for _, f := range resp.Failures {
			log.Logger.Debug().
				Str("component", "awsprovider").
				Str("task_id", aws.ToString(f.Arn)).
				Str("reason", aws.ToString(f.Reason)).
				Msg("task not described")
		}
	}
	return out, nil
}

// StopTask stops a task with a reason
func (p *Placement) StopTask(ctx context.Context, id, reason string) error {
	_, err := p.client.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(p.cluster),
		Task:    aws.String(id),
		Reason:  optString(reason),
	})
	return classify("stop task "+id, err)
}

// ListTasks lists the task ARNs of the cluster
func (p *Placement) ListTasks(ctx context.Context) ([]string, error) {
	var ids []string
	pager := ecs.NewListTasksPaginator(p.client, &ecs.ListTasksInput{Cluster: aws.String(p.cluster)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify("list tasks", err)
		}
		ids = append(ids, page.TaskArns...)
	}
	return ids, nil
}

// WaitTasks blocks until every task is running or stopped
func (p *Placement) WaitTasks(ctx context.Context, ids []string, state types.TaskState) error {
	for _, batch := range chunks(ids, describeTasksBatch) {
		input := &ecs.DescribeTasksInput{Cluster: aws.String(p.cluster), Tasks: batch}

		var err error
		switch state {
		case types.TaskStateRunning:
			err = waitErr("tasks running", ecs.NewTasksRunningWaiter(p.client).Wait(ctx, input, p.waitTimeout))
		case types.TaskStateStopped:
			err = waitErr("tasks stopped", ecs.NewTasksStoppedWaiter(p.client).Wait(ctx, input, p.waitTimeout))
		default:
			err = retry.Fatal(fmt.Errorf("cannot wait for task state %q", state))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ListContainerInstances maps EC2 instance ids to container instance ARNs
func (p *Placement) ListContainerInstances(ctx context.Context) (map[string]string, error) {
	var arns []string
	pager := ecs.NewListContainerInstancesPaginator(p.client, &ecs.ListContainerInstancesInput{
		Cluster: aws.String(p.cluster),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify("list container instances", err)
		}
		arns = append(arns, page.ContainerInstanceArns...)
	}

	byHost := make(map[string]string, len(arns))
	byARN := make(map[string]string, len(arns))
	for _, batch := range chunks(arns, describeTasksBatch) {
		out, err := p.client.DescribeContainerInstances(ctx, &ecs.DescribeContainerInstancesInput{
			Cluster:            aws.String(p.cluster),
			ContainerInstances: batch,
		})
		if err != nil {
			return nil, classify("describe container instances", err)
		}
		for _, ci := range out.ContainerInstances {
			host := aws.ToString(ci.Ec2InstanceId)
			arn := aws.ToString(ci.ContainerInstanceArn)
			byHost[host] = arn
			byARN[arn] = host
		}
	}

	p.mu.Lock()
	p.hostByARN = byARN
	p.mu.Unlock()

	return byHost, nil
}

// hostFor resolves a container instance ARN to its EC2 instance id,
// relisting the container instances once on a miss
func (p *Placement) hostFor(ctx context.Context, arn string) string {
	if arn == "" {
		return ""
	}
	p.mu.RLock()
	host, ok := p.hostByARN[arn]
	p.mu.RUnlock()
	if ok {
		return host
	}

	if _, err := p.ListContainerInstances(ctx); err != nil {
		log.Logger.Warn().
			Err(err).
			Str("component", "awsprovider").
			Str("container_instance", arn).
			Msg("failed to resolve container instance")
		return ""
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hostByARN[arn]
}

func (p *Placement) task(ctx context.Context, t ecstypes.Task) types.Task {
	task := taskFromECS(t)
	task.InstanceID = p.hostFor(ctx, aws.ToString(t.ContainerInstanceArn))
	return task
}

func taskFromECS(t ecstypes.Task) types.Task {
	task := types.Task{
		ID:            aws.ToString(t.TaskArn),
		Group:         aws.ToString(t.Group),
		State:         taskState(aws.ToString(t.LastStatus)),
		DefinitionARN: aws.ToString(t.TaskDefinitionArn),
		StartedBy:     aws.ToString(t.StartedBy),
		StoppedReason: aws.ToString(t.StoppedReason),
		Tags:          make(map[string]string, len(t.Tags)),
		CreatedAt:     aws.ToTime(t.CreatedAt),
	}
	for _, tag := range t.Tags {
		task.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	task.ServiceName = task.Tags[types.TagServiceName]

	for i, c := range t.Containers {
		if i == 0 {
			task.Name = aws.ToString(c.Name)
		}
		for _, nb := range c.NetworkBindings {
			task.Ports = append(task.Ports, types.PortBinding{
				ContainerPort: aws.ToInt32(nb.ContainerPort),
				HostPort:      aws.ToInt32(nb.HostPort),
				Protocol:      string(nb.Protocol),
			})
		}
	}
	return task
}

// taskState maps an ECS lastStatus onto a task state
func taskState(lastStatus string) types.TaskState {
	switch strings.ToUpper(lastStatus) {
	case "RUNNING":
		return types.TaskStateRunning
	case "DEACTIVATING", "STOPPING", "DEPROVISIONING":
		return types.TaskStateStopping
	case "STOPPED", "DELETED":
		return types.TaskStateStopped
	}
	return types.TaskStatePending
}

func taskOverride(container string, command []string, env map[string]string) *ecstypes.TaskOverride {
	if container == "" || (len(command) == 0 && len(env) == 0) {
		return nil
	}
	co := ecstypes.ContainerOverride{
		Name:    aws.String(container),
		Command: command,
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		co.Environment = append(co.Environment, ecstypes.KeyValuePair{
			Name:  aws.String(k),
			Value: aws.String(env[k]),
		})
	}
	return &ecstypes.TaskOverride{ContainerOverrides: []ecstypes.ContainerOverride{co}}
}

func ecsTags(tags map[string]string) []ecstypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ecstypes.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, ecstypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
