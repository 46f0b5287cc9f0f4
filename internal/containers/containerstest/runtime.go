// Package containerstest provides an in-process containers.Runtime for tests.
// A "container" is a Go callback that runs when the container is waited on.
package containerstest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/theodore/internal/containers"
)

// Behavior is the work a fake container performs. It receives the spec it was
// started with and returns the exit code.
type Behavior func(spec containers.RunSpec) int

// ErrUnreachable is returned by inspections while the runtime is marked unreachable
var ErrUnreachable = errors.New("containerstest: runtime unreachable")

// Runtime is a fake container runtime
type Runtime struct {
	// Behavior runs for every container; nil means exit 0 doing nothing
	Behavior Behavior
	// Gate, when set, blocks every Wait until it is closed or the container
	// is killed
	Gate chan struct{}
	// HostPorts maps container port specs to the host port reported by Inspect
	HostPorts map[string]string
	PingErr   error
	RunErr    error

	mu          sync.Mutex
	unreachable bool
	next        int
	runs        []containers.RunSpec
	containers  map[string]*Container
}

// Container is the fake's record of one started container
type Container struct {
	Spec     containers.RunSpec
	Status   string
	ExitCode int
	Removed  bool
	Killed   bool

	kill chan struct{}
}

// New returns a runtime whose containers run behavior
func New(behavior Behavior) *Runtime {
	return &Runtime{Behavior: behavior}
}

// SetUnreachable makes Inspect fail, as if the engine went away
func (r *Runtime) SetUnreachable(unreachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable = unreachable
}

// Runs returns the specs of every container started so far, in start order
func (r *Runtime) Runs() []containers.RunSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]containers.RunSpec, len(r.runs))
	copy(out, r.runs)
	return out
}

// Container returns the record for id
func (r *Runtime) Container(id string) (Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

func (r *Runtime) Ping(ctx context.Context) error {
	return r.PingErr
}

func (r *Runtime) Run(ctx context.Context, spec containers.RunSpec) (containers.Handle, error) {
	if r.RunErr != nil {
		return nil, r.RunErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.containers == nil {
		r.containers = make(map[string]*Container)
	}
	r.next++
	id := fmt.Sprintf("fake-%04d", r.next)
	r.containers[id] = &Container{Spec: spec, Status: "running", kill: make(chan struct{})}
	r.runs = append(r.runs, spec)

	return &handle{id: id, rt: r}, nil
}

func (r *Runtime) Kill(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	if c.Status != "running" {
		return fmt.Errorf("container %s is not running", id)
	}
	if !c.Killed {
		c.Killed = true
		close(c.kill)
	}
	return nil
}

type handle struct {
	id   string
	rt   *Runtime
	once sync.Once
}

func (h *handle) ID() string { return h.id }

func (h *handle) Wait(ctx context.Context) (containers.ContainerState, error) {
	h.once.Do(func() {
		h.rt.mu.Lock()
		c := h.rt.containers[h.id]
		h.rt.mu.Unlock()

		if h.rt.Gate != nil {
			select {
			case <-h.rt.Gate:
			case <-c.kill:
			case <-ctx.Done():
				return
			}
		}

		h.rt.mu.Lock()
		spec := c.Spec
		killed := c.Killed
		h.rt.mu.Unlock()

		exitCode := 137
		if !killed {
			exitCode = 0
			if h.rt.Behavior != nil {
				exitCode = h.rt.Behavior(spec)
			}
		}

		h.rt.mu.Lock()
		c.ExitCode = exitCode
		c.Status = "exited"
		h.rt.mu.Unlock()
	})

	if err := ctx.Err(); err != nil {
		return containers.ContainerState{}, err
	}
	return h.state(), nil
}

func (h *handle) Inspect(ctx context.Context) (containers.ContainerState, error) {
	h.rt.mu.Lock()
	unreachable := h.rt.unreachable
	c := h.rt.containers[h.id]
	removed := c.Removed
	h.rt.mu.Unlock()

	if unreachable {
		return containers.ContainerState{}, ErrUnreachable
	}
	if removed {
		return containers.ContainerState{}, fmt.Errorf("no such container: %s", h.id)
	}
	return h.state(), nil
}

func (h *handle) Remove(ctx context.Context) error {
	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	h.rt.containers[h.id].Removed = true
	return nil
}

func (h *handle) state() containers.ContainerState {
	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	c := h.rt.containers[h.id]

	state := containers.ContainerState{
		Status:   c.Status,
		ExitCode: c.ExitCode,
		Ports:    map[string][]containers.PortBinding{},
	}
	for _, port := range c.Spec.PublishedPorts {
		if hostPort, ok := h.rt.HostPorts[port]; ok {
			state.Ports[port] = []containers.PortBinding{{HostIP: "127.0.0.1", HostPort: hostPort}}
		}
	}
	if c.Status == "exited" {
		state.FinishedAt = time.Now()
	}
	return state
}
