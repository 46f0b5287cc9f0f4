// Package containers is the boundary between the schedule and the container
// engine that executes pipeline stages.
package containers

import (
	"context"
	"time"
)

// Mount binds a host path into the container
type Mount struct {
	Source   string // host path
	Target   string // path inside the container
	ReadOnly bool
}

// RunSpec describes one detached container invocation
type RunSpec struct {
	Image          string
	Command        []string
	Mounts         []Mount
	PublishedPorts []string // container ports such as "8080/tcp", published on ephemeral host ports
	WorkingDir     string
	Labels         map[string]string
}

// PortBinding is a host side address a container port is published on
type PortBinding struct {
	HostIP   string
	HostPort string
}

// ContainerState is the runtime's view of a container at one point in time.
// Status uses the engine's native vocabulary (created, running, exited, ...).
type ContainerState struct {
	Status     string
	ExitCode   int
	Ports      map[string][]PortBinding
	StartedAt  time.Time
	FinishedAt time.Time
}

// Handle references a container started by a Runtime
type Handle interface {
	ID() string
	// Wait blocks until the container is no longer running
	Wait(ctx context.Context) (ContainerState, error)
	Inspect(ctx context.Context) (ContainerState, error)
	Remove(ctx context.Context) error
}

// Runtime starts and controls containers
type Runtime interface {
	Ping(ctx context.Context) error
	Run(ctx context.Context, spec RunSpec) (Handle, error)
	Kill(ctx context.Context, id string) error
}
