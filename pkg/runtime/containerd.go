package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace for Flotilla
	DefaultNamespace = "flotilla"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultStopTimeout is how long a container gets to exit after SIGTERM
	DefaultStopTimeout = 10 * time.Second
)

// ContainerdRuntime runs task containers on the local containerd daemon
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logDir    string
	mounts    map[string]string
}

// NewContainerdRuntime connects to containerd. Containers are created in
// namespace, log to files under logDir when it is set, and get every host
// path in mounts bind-mounted at its destination.
func NewContainerdRuntime(socketPath, namespace, logDir string, mounts map[string]string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		logDir:    logDir,
		mounts:    mounts,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls an image and returns the ports its config exposes
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) ([]types.PortBinding, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}

	spec, err := image.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read image config %s: %w", imageRef, err)
	}
	return exposedPorts(spec.Config.ExposedPorts), nil
}

// containerSpec is what a single task container is created from
type containerSpec struct {
	ID      string
	Image   string
	Command []string
	Env     []string
	Labels  map[string]string
}

// CreateContainer creates a host-networked container for a task
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec containerSpec) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	// Host networking publishes container ports as host ports
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithImageConfigArgs(image, spec.Command))
	}
	if len(r.mounts) > 0 {
		mounts := make([]specs.Mount, 0, len(r.mounts))
		for src, dst := range r.mounts {
			mounts = append(mounts, specs.Mount{
				Source:      src,
				Destination: dst,
				Type:        "bind",
				Options:     []string{"rbind", "rw"},
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	_, err = r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	return nil
}

// StartContainer starts a container's process
func (r *ContainerdRuntime) StartContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	creator := cio.NullIO
	if r.logDir != "" {
		creator = cio.LogFile(filepath.Join(r.logDir, containerID+".log"))
	}

	task, err := container.NewTask(ctx, creator)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		if _, derr := task.Delete(ctx); derr != nil {
			log.Logger.Warn().
				Err(derr).
				Str("component", "runtime").
				Str("container_id", containerID).
				Msg("failed to clean up task after start failure")
		}
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// StopContainer stops a running container. The container itself is kept so
// the task stays describable.
func (r *ContainerdRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Task might not exist (container not running)
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	// Try graceful shutdown first (SIGTERM)
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		// Timeout - force kill (SIGKILL)
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// DeleteContainer removes a container and its snapshot
func (r *ContainerdRuntime) DeleteContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		// Container might not exist
		return nil
	}

	if err := r.StopContainer(ctx, containerID, DefaultStopTimeout); err != nil {
		log.Logger.Warn().
			Err(err).
			Str("component", "runtime").
			Str("container_id", containerID).
			Msg("failed to stop container before delete")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// containerInfo is a container's labels and current task state
type containerInfo struct {
	ID        string
	Image     string
	Labels    map[string]string
	State     types.TaskState
	CreatedAt time.Time
}

// InspectContainer returns a container's labels and the state of its task
func (r *ContainerdRuntime) InspectContainer(ctx context.Context, containerID string) (*containerInfo, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	info, err := container.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container info %s: %w", containerID, err)
	}

	out := &containerInfo{
		ID:        containerID,
		Image:     info.Image,
		Labels:    info.Labels,
		CreatedAt: info.CreatedAt,
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task: never started, or stopped and cleaned up
		out.State = taskState("", false, info.Labels)
		return out, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}
	out.State = taskState(status.Status, true, info.Labels)
	return out, nil
}

// SetLabels merges labels into a container's label set
func (r *ContainerdRuntime) SetLabels(ctx context.Context, containerID string, labels map[string]string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}
	if _, err := container.SetLabels(ctx, labels); err != nil {
		return fmt.Errorf("failed to set labels on %s: %w", containerID, err)
	}
	return nil
}

// ListContainers returns the ids of all containers in the namespace
func (r *ContainerdRuntime) ListContainers(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}

	return ids, nil
}

// taskState maps a containerd process status to a task state. A container
// without a process is pending until it has been stopped once.
func taskState(status containerd.ProcessStatus, hasTask bool, labels map[string]string) types.TaskState {
	if !hasTask {
		if _, stopped := labels[LabelStoppedReason]; stopped {
			return types.TaskStateStopped
		}
		return types.TaskStatePending
	}

	switch status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return types.TaskStateRunning
	case containerd.Stopped:
		return types.TaskStateStopped
	default:
		return types.TaskStatePending
	}
}
