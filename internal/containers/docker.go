package containers

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime runs pipeline stages on the local Docker Engine
type DockerRuntime struct {
	cli    *client.Client
	logger *utils.LogsManager

	mu   sync.Mutex
	live map[string]struct{}
}

// NewDockerRuntime connects to the engine configured in the environment
// (DOCKER_HOST and friends) and pings it. An unreachable engine is an error.
func NewDockerRuntime(ctx context.Context, logger *utils.LogsManager) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Error(fmt.Sprintf("Failed to create Docker client: %v", err), "docker")
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	dr := &DockerRuntime{
		cli:    cli,
		logger: logger,
		live:   make(map[string]struct{}),
	}

	if err := dr.Ping(ctx); err != nil {
		cli.Close()
		return nil, err
	}

	return dr, nil
}

// Ping checks that the engine answers
func (dr *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := dr.cli.Ping(ctx); err != nil {
		return fmt.Errorf("could not connect to Docker: %w", err)
	}
	return nil
}

// Close releases the client connection
func (dr *DockerRuntime) Close() error {
	return dr.cli.Close()
}

// Run creates and starts a detached container. It does not wait for it.
func (dr *DockerRuntime) Run(ctx context.Context, spec RunSpec) (Handle, error) {
	containerConfig, hostConfig, networkConfig, err := buildContainerConfig(spec)
	if err != nil {
		return nil, err
	}

	dr.logger.Info(fmt.Sprintf("Creating container from image %s: %v", spec.Image, spec.Command), "docker")
	resp, err := dr.cli.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	for _, warning := range resp.Warnings {
		dr.logger.Warn(fmt.Sprintf("Container %s: %s", shortID(resp.ID), warning), "docker")
	}

	if err := dr.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := dr.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			dr.logger.Warn(fmt.Sprintf("Failed to remove container %s: %v", shortID(resp.ID), rmErr), "docker")
		}
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	dr.track(resp.ID, true)
	dr.logger.Info(fmt.Sprintf("Started container: %s", shortID(resp.ID)), "docker")

	return &dockerHandle{id: resp.ID, rt: dr}, nil
}

// Kill sends SIGKILL to a container started by this runtime
func (dr *DockerRuntime) Kill(ctx context.Context, id string) error {
	if err := dr.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to kill container %s: %w", shortID(id), err)
	}
	dr.logger.Info(fmt.Sprintf("Killed container: %s", shortID(id)), "docker")
	return nil
}

// KillAll kills every container this runtime started that has not finished
func (dr *DockerRuntime) KillAll(ctx context.Context) {
	dr.mu.Lock()
	ids := make([]string, 0, len(dr.live))
	for id := range dr.live {
		ids = append(ids, id)
	}
	dr.mu.Unlock()

	for _, id := range ids {
		if err := dr.Kill(ctx, id); err != nil {
			dr.logger.Warn(err.Error(), "docker")
		}
	}
}

func (dr *DockerRuntime) track(id string, live bool) {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	if live {
		dr.live[id] = struct{}{}
	} else {
		delete(dr.live, id)
	}
}

func (dr *DockerRuntime) inspect(ctx context.Context, id string) (ContainerState, error) {
	resp, err := dr.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, fmt.Errorf("failed to inspect container %s: %w", shortID(id), err)
	}

	state := ContainerState{Ports: map[string][]PortBinding{}}
	if resp.ContainerJSONBase != nil && resp.State != nil {
		state.Status = resp.State.Status
		state.ExitCode = resp.State.ExitCode
		state.StartedAt = parseDockerTime(resp.State.StartedAt)
		state.FinishedAt = parseDockerTime(resp.State.FinishedAt)
	}
	if resp.NetworkSettings != nil {
		for port, bindings := range resp.NetworkSettings.Ports {
			for _, b := range bindings {
				state.Ports[string(port)] = append(state.Ports[string(port)], PortBinding{
					HostIP:   b.HostIP,
					HostPort: b.HostPort,
				})
			}
		}
	}

	return state, nil
}

type dockerHandle struct {
	id string
	rt *DockerRuntime
}

func (h *dockerHandle) ID() string { return h.id }

func (h *dockerHandle) Wait(ctx context.Context) (ContainerState, error) {
	statusCh, errCh := h.rt.cli.ContainerWait(ctx, h.id, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return ContainerState{}, fmt.Errorf("error waiting for container %s: %w", shortID(h.id), err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
		if status.Error != nil {
			h.rt.logger.Warn(fmt.Sprintf("Container %s wait error: %s", shortID(h.id), status.Error.Message), "docker")
		}
	case <-ctx.Done():
		return ContainerState{}, ctx.Err()
	}
	h.rt.track(h.id, false)
	h.rt.logger.Info(fmt.Sprintf("Container %s exited with code: %d", shortID(h.id), exitCode), "docker")

	state, err := h.rt.inspect(ctx, h.id)
	if err != nil {
		// The engine already told us how it ended
		return ContainerState{Status: "exited", ExitCode: exitCode}, nil
	}
	return state, nil
}

func (h *dockerHandle) Inspect(ctx context.Context) (ContainerState, error) {
	return h.rt.inspect(ctx, h.id)
}

func (h *dockerHandle) Remove(ctx context.Context) error {
	h.rt.track(h.id, false)
	if err := h.rt.cli.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", shortID(h.id), err)
	}
	return nil
}

// buildContainerConfig translates a RunSpec into engine API structures
func buildContainerConfig(spec RunSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	if spec.Image == "" {
		return nil, nil, nil, fmt.Errorf("container image is required")
	}

	containerConfig := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		AttachStdout: false,
		AttachStderr: false,
		Tty:          false,
	}

	hostConfig := &container.HostConfig{
		// Removal happens explicitly once the final state has been read
		AutoRemove: false,
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		if m.Source == "" || m.Target == "" {
			return nil, nil, nil, fmt.Errorf("invalid mount %q -> %q", m.Source, m.Target)
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	sort.SliceStable(mounts, func(i, j int) bool { return mounts[i].Target < mounts[j].Target })
	hostConfig.Mounts = mounts

	if len(spec.PublishedPorts) > 0 {
		exposed, bindings, err := nat.ParsePortSpecs(spec.PublishedPorts)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid published ports %v: %w", spec.PublishedPorts, err)
		}
		containerConfig.ExposedPorts = exposed
		hostConfig.PortBindings = bindings
	}

	if runtime.GOOS != "windows" {
		hostConfig.UsernsMode = "host"
	}

	networkConfig := &network.NetworkingConfig{
		EndpointsConfig: make(map[string]*network.EndpointSettings),
	}

	return containerConfig, hostConfig, networkConfig, nil
}

func parseDockerTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
