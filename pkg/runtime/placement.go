package runtime

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/types"
	"github.com/google/uuid"
)

// Container labels carrying the task metadata
const (
	LabelName          = "flotilla.name"
	LabelGroup         = "flotilla.group"
	LabelStartedBy     = "flotilla.started-by"
	LabelDefinition    = "flotilla.definition"
	LabelPorts         = "flotilla.ports"
	LabelStoppedReason = "flotilla.stopped-reason"
	labelTagPrefix     = "flotilla.tag."
)

// PlacementConfig configures the containerd placement backend
type PlacementConfig struct {
	// HostID is the compute instance id of the host running containerd.
	// It doubles as the container instance identity.
	HostID       string
	StopTimeout  time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// Placement runs tasks as containers on a single containerd host
type Placement struct {
	runtime *ContainerdRuntime
	cfg     PlacementConfig
}

var (
	_ provider.Placement               = (*Placement)(nil)
	_ provider.ContainerInstanceLister = (*Placement)(nil)
)

// NewPlacement creates a placement backend on top of a runtime
func NewPlacement(rt *ContainerdRuntime, cfg PlacementConfig) *Placement {
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 5 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Placement{runtime: rt, cfg: cfg}
}

// ListContainerInstances maps the host instance to itself
func (p *Placement) ListContainerInstances(ctx context.Context) (map[string]string, error) {
	if p.cfg.HostID == "" {
		return map[string]string{}, nil
	}
	return map[string]string{p.cfg.HostID: p.cfg.HostID}, nil
}

// LaunchTask creates and starts req.Count containers from the image named by
// req.Definition. A container that fails to start is reported as a launch
// failure; a failed image pull fails the whole call.
func (p *Placement) LaunchTask(ctx context.Context, req provider.LaunchRequest) (*provider.LaunchResult, error) {
	if req.ContainerInstance != "" && req.ContainerInstance != p.cfg.HostID {
		return nil, fmt.Errorf("container instance %s is not this host: %w", req.ContainerInstance, types.ErrNotFound)
	}

	ports, err := p.runtime.PullImage(ctx, req.Definition)
	if err != nil {
		return nil, err
	}

	count := int(req.Count)
	if count < 1 {
		count = 1
	}

	result := &provider.LaunchResult{}
	for i := 0; i < count; i++ {
		id := uuid.NewString()
		labels := taskLabels(req, ports)

		err := p.runtime.CreateContainer(ctx, containerSpec{
			ID:      id,
			Image:   req.Definition,
			Command: req.Command,
			Env:     envList(req.Environment),
			Labels:  labels,
		})
		if err == nil {
			if err = p.runtime.StartContainer(ctx, id); err != nil {
				if derr := p.runtime.DeleteContainer(ctx, id); derr != nil {
					log.Logger.Warn().
						Err(derr).
						Str("component", "runtime").
						Str("container_id", id).
						Msg("failed to remove container after start failure")
				}
			}
		}
		if err != nil {
			result.Failures = append(result.Failures, types.LaunchFailure{
				Index:  i,
				ARN:    id,
				Reason: "RESOURCE:CONTAINER",
				Detail: err.Error(),
			})
			continue
		}

		result.Tasks = append(result.Tasks, *p.task(&containerInfo{
			ID:        id,
			Image:     req.Definition,
			Labels:    labels,
			State:     types.TaskStatePending,
			CreatedAt: time.Now(),
		}))
	}

	log.Logger.Info().
		Str("component", "runtime").
		Str("definition", req.Definition).
		Int("launched", len(result.Tasks)).
		Int("failed", len(result.Failures)).
		Msg("launched containers")

	return result, nil
}

// DescribeTasks describes the given tasks. Unknown ids are left out.
func (p *Placement) DescribeTasks(ctx context.Context, ids []string) ([]types.Task, error) {
	tasks := make([]types.Task, 0, len(ids))
	for _, id := range ids {
		info, err := p.runtime.InspectContainer(ctx, id)
		if err != nil {
			log.Logger.Debug().
				Err(err).
				Str("component", "runtime").
				Str("task_id", id).
				Msg("task not found")
			continue
		}
		tasks = append(tasks, *p.task(info))
	}
	return tasks, nil
}

// StopTask records the reason on the container and stops its process
func (p *Placement) StopTask(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "stopped"
	}
	if err := p.runtime.SetLabels(ctx, id, map[string]string{LabelStoppedReason: reason}); err != nil {
		return err
	}
	return p.runtime.StopContainer(ctx, id, p.cfg.StopTimeout)
}

// ListTasks returns the ids of tasks that are not stopped
func (p *Placement) ListTasks(ctx context.Context) ([]string, error) {
	ids, err := p.runtime.ListContainers(ctx)
	if err != nil {
		return nil, err
	}

	var live []string
	for _, id := range ids {
		info, err := p.runtime.InspectContainer(ctx, id)
		if err != nil || info.State == types.TaskStateStopped {
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// WaitTasks polls until every task reports state
func (p *Placement) WaitTasks(ctx context.Context, ids []string, state types.TaskState) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		tasks, err := p.DescribeTasks(ctx, ids)
		if err != nil {
			return err
		}
		if allInState(tasks, len(ids), state) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("tasks %s not %s: %w", strings.Join(ids, ", "), state, provider.ErrWaitTimeout)
		case <-ticker.C:
		}
	}
}

func (p *Placement) task(info *containerInfo) *types.Task {
	tags := make(map[string]string)
	for k, v := range info.Labels {
		if strings.HasPrefix(k, labelTagPrefix) {
			tags[strings.TrimPrefix(k, labelTagPrefix)] = v
		}
	}

	return &types.Task{
		ID:            info.ID,
		Name:          info.Labels[LabelName],
		Group:         info.Labels[LabelGroup],
		State:         info.State,
		InstanceID:    p.cfg.HostID,
		Ports:         parsePorts(info.Labels[LabelPorts]),
		ServiceName:   tags[types.TagServiceName],
		DefinitionARN: info.Labels[LabelDefinition],
		StartedBy:     info.Labels[LabelStartedBy],
		StoppedReason: info.Labels[LabelStoppedReason],
		Tags:          tags,
		CreatedAt:     info.CreatedAt,
	}
}

func allInState(tasks []types.Task, want int, state types.TaskState) bool {
	if len(tasks) < want {
		return false
	}
	for _, t := range tasks {
		if t.State != state {
			return false
		}
	}
	return true
}

func taskLabels(req provider.LaunchRequest, ports []types.PortBinding) map[string]string {
	labels := map[string]string{
		LabelName:       req.ContainerName,
		LabelGroup:      req.Group,
		LabelStartedBy:  req.StartedBy,
		LabelDefinition: req.Definition,
	}
	if len(ports) > 0 {
		labels[LabelPorts] = formatPorts(ports)
	}
	for k, v := range req.Tags {
		labels[labelTagPrefix+k] = v
	}
	return labels
}

// envList renders an environment map as sorted KEY=value pairs
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// exposedPorts converts an image's exposed ports ("3306/tcp") to bindings.
// Containers use host networking, so host and container port are equal.
func exposedPorts(exposed map[string]struct{}) []types.PortBinding {
	var ports []types.PortBinding
	for spec := range exposed {
		if b, ok := parsePort(spec); ok {
			ports = append(ports, b)
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].ContainerPort < ports[j].ContainerPort })
	return ports
}

func formatPorts(ports []types.PortBinding) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, fmt.Sprintf("%d/%s", p.ContainerPort, p.Protocol))
	}
	return strings.Join(parts, ",")
}

func parsePorts(label string) []types.PortBinding {
	if label == "" {
		return nil
	}
	var ports []types.PortBinding
	for _, part := range strings.Split(label, ",") {
		if b, ok := parsePort(part); ok {
			ports = append(ports, b)
		}
	}
	return ports
}

func parsePort(spec string) (types.PortBinding, bool) {
	portStr, proto, found := strings.Cut(strings.TrimSpace(spec), "/")
	if !found {
		proto = "tcp"
	}
	port, err := strconv.ParseInt(portStr, 10, 32)
	if err != nil || port <= 0 || port > 65535 {
		return types.PortBinding{}, false
	}
	return types.PortBinding{ContainerPort: int32(port), HostPort: int32(port), Protocol: proto}, true
}
