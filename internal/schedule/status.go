package schedule

import "github.com/Trustflow-Network-Labs/theodore/internal/containers"

// Status is the schedule's view of a node's lifecycle
type Status string

const (
	StatusUnstarted Status = "unstarted"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
	StatusUnknown   Status = "unknown"
)

// IsTerminal reports whether no further transitions are expected
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// containerStates is the engine's native state vocabulary
var containerStates = map[string]Status{
	"created":    StatusStarting,
	"restarting": StatusRunning,
	"running":    StatusRunning,
	"removing":   StatusRunning,
	"paused":     StatusRunning,
	"exited":     StatusSuccess,
	"dead":       StatusFailed,
}

// MapContainerState maps a native container state to a Status. Unrecognized
// states map to StatusUnknown.
func MapContainerState(native string) Status {
	if status, ok := containerStates[native]; ok {
		return status
	}
	return StatusUnknown
}

// containerStatus refines MapContainerState with the exit code: a container
// that exited non-zero failed.
func containerStatus(state containers.ContainerState) Status {
	status := MapContainerState(state.Status)
	if status == StatusSuccess && state.ExitCode != 0 {
		return StatusFailed
	}
	return status
}
