package schedule

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/theodore/internal/containers"
	"github.com/google/uuid"
)

// Node is one unit of work in a schedule. Running a node may yield children,
// which the scheduler then runs in turn.
type Node interface {
	ID() string
	Kind() string
	// Parent is the node that yielded this one, nil for roots
	Parent() Node
	// Run executes the node once. A second call returns ErrAlreadyRun.
	Run(ctx context.Context) ([]Child, error)
	Status() Status
	Logs() []LogRecord
	Results() Results
}

// Releaser is implemented by nodes that keep host storage after Run returns
type Releaser interface {
	Release() error
}

// Interrupter is implemented by nodes whose container can be ended out of
// band. Run still returns only once the container is gone.
type Interrupter interface {
	Interrupt() error
}

// Child is a node yielded by its parent under a key
type Child struct {
	Key  string
	Node Node
}

// LogRecord describes one step of a node's work
type LogRecord struct {
	ID     string         `json:"id"`
	Hash   string         `json:"hash"`
	Start  *time.Time     `json:"start,omitempty"`
	Finish *time.Time     `json:"finish,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// baseNode carries the identity, lifecycle and results shared by every node
type baseNode struct {
	env    *Env
	id     string
	kind   string
	parent Node

	mu      sync.Mutex
	started bool
	done    bool
	outcome Status
	err     error
	run     *containerRun
	start   *time.Time
	finish  *time.Time
	results Results
}

func newBaseNode(env *Env, kind string, parent Node) *baseNode {
	return &baseNode{
		env:     env,
		id:      uuid.New().String(),
		kind:    kind,
		parent:  parent,
		results: make(Results),
	}
}

func (b *baseNode) ID() string   { return b.id }
func (b *baseNode) Kind() string { return b.kind }
func (b *baseNode) Parent() Node { return b.parent }

// Err returns the error the node's run ended with, if any
func (b *baseNode) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *baseNode) Results() Results {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.results)
}

func (b *baseNode) Status() Status {
	b.mu.Lock()
	started, done, outcome, run := b.started, b.done, b.outcome, b.run
	b.mu.Unlock()

	switch {
	case done:
		return outcome
	case !started:
		return StatusUnstarted
	case run == nil:
		return StatusStarting
	}

	status := run.status(b.env)
	if status == StatusSuccess {
		// The container is done but its outputs are still being collected
		return StatusRunning
	}
	return status
}

// begin marks the node started; only the first call succeeds
func (b *baseNode) begin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyRun
	}
	now := time.Now()
	b.started = true
	b.start = &now
	return nil
}

// complete latches the node's terminal status from the error Run returns
func (b *baseNode) complete(err error) {
	status := StatusSuccess
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = StatusStopped
	default:
		status = StatusFailed
	}

	b.mu.Lock()
	now := time.Now()
	b.done = true
	b.outcome = status
	b.err = err
	b.finish = &now
	b.mu.Unlock()

	if err != nil {
		b.env.Logger.Warn(fmt.Sprintf("Node %s (%s) ended %s: %v", b.id, b.kind, status, err), "schedule")
	} else {
		b.env.Logger.Debug(fmt.Sprintf("Node %s (%s) ended %s", b.id, b.kind, status), "schedule")
	}
}

func (b *baseNode) setResult(r Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[r.Name()] = r
}

// record returns a log record stamped with the node's run times
func (b *baseNode) record(id, hash string) LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return LogRecord{ID: id, Hash: hash, Start: b.start, Finish: b.finish}
}

func (b *baseNode) currentRun() *containerRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.run
}

// Interrupt kills the node's container if it is still running. The node ends
// stopped unless the container had already succeeded.
func (b *baseNode) Interrupt() error {
	b.mu.Lock()
	run, done := b.run, b.done
	b.mu.Unlock()
	if run == nil || done {
		return nil
	}
	return b.kill(run)
}

func (b *baseNode) kill(run *containerRun) error {
	if !run.interrupt() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.env.inspectTimeout())
	defer cancel()

	b.env.Logger.Info(fmt.Sprintf("Killing container %s of node %s (%s)", run.handle.ID(), b.id, b.kind), "schedule")
	if err := b.env.Runtime.Kill(ctx, run.handle.ID()); err != nil {
		return fmt.Errorf("failed to kill %s container %s: %w", b.kind, run.handle.ID(), err)
	}
	return nil
}

// execute starts a stage container and blocks until it reaches a terminal
// state. Canceling ctx after the container started kills it; the wait itself
// is not canceled so host directories stay mounted until the container is
// gone. A container that ends in a failed state is reported as
// ErrContainerFailed.
func (b *baseNode) execute(ctx context.Context, spec containers.RunSpec) error {
	if spec.Labels == nil {
		spec.Labels = map[string]string{}
	}
	spec.Labels["theodore.node"] = b.id
	spec.Labels["theodore.kind"] = b.kind

	handle, err := b.env.Runtime.Run(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to start %s container: %w", b.kind, err)
	}

	run := &containerRun{handle: handle}
	b.mu.Lock()
	b.run = run
	b.mu.Unlock()

	b.env.Logger.Info(fmt.Sprintf("Node %s (%s) running in container %s", b.id, b.kind, handle.ID()), "schedule")

	stopKill := context.AfterFunc(ctx, func() {
		if err := b.kill(run); err != nil {
			b.env.Logger.Warn(err.Error(), "schedule")
		}
	})
	defer stopKill()

	state, err := handle.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	killed := run.interrupted() && containerStatus(state) != StatusSuccess
	if !killed {
		run.latch(state)
	}

	if b.env.RemoveContainers {
		rmCtx, cancel := context.WithTimeout(context.Background(), b.env.inspectTimeout())
		if err := handle.Remove(rmCtx); err != nil {
			b.env.Logger.Warn(fmt.Sprintf("Failed to remove container %s: %v", handle.ID(), err), "schedule")
		}
		cancel()
	}

	if killed {
		return fmt.Errorf("%s container %s was killed: %w", b.kind, handle.ID(), context.Canceled)
	}

	if containerStatus(state) != StatusSuccess {
		return fmt.Errorf("%w: %s container %s ended %s with exit code %d",
			ErrContainerFailed, b.kind, handle.ID(), state.Status, state.ExitCode)
	}
	return nil
}

// containerRun follows one stage container. Success and failure are latched
// the first time they are observed. A killed container reports stopped.
type containerRun struct {
	handle containers.Handle

	mu     sync.Mutex
	final  *containers.ContainerState
	killed bool
}

// interrupt marks the run killed; false when it already ended or was killed
func (r *containerRun) interrupt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil || r.killed {
		return false
	}
	r.killed = true
	return true
}

func (r *containerRun) interrupted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killed
}

func (r *containerRun) latch(state containers.ContainerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final == nil {
		r.final = &state
	}
}

func (r *containerRun) status(env *Env) Status {
	r.mu.Lock()
	final, killed := r.final, r.killed
	r.mu.Unlock()
	if final != nil {
		return containerStatus(*final)
	}
	if killed {
		return StatusStopped
	}

	ctx, cancel := context.WithTimeout(context.Background(), env.inspectTimeout())
	defer cancel()

	state, err := r.handle.Inspect(ctx)
	if err != nil {
		return StatusStopped
	}

	status := containerStatus(state)
	if status == StatusSuccess || status == StatusFailed {
		if r.interrupted() && status == StatusFailed {
			return StatusStopped
		}
		r.latch(state)
	}
	return status
}

// hostPort returns the host port bound to the container port, if any
func (r *containerRun) hostPort(ctx context.Context, containerPort string) (string, bool) {
	state, err := r.handle.Inspect(ctx)
	if err != nil {
		return "", false
	}
	for _, b := range state.Ports[containerPort] {
		if b.HostPort != "" {
			return b.HostPort, true
		}
	}
	return "", false
}
