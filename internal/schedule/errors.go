package schedule

import "errors"

var (
	// ErrAlreadyRun is returned when Run is called a second time on a node
	ErrAlreadyRun = errors.New("schedule: node has already been run")

	// ErrOutputMissing is returned when a stage container finished without
	// writing the file the next stage depends on
	ErrOutputMissing = errors.New("schedule: expected output file is missing")

	// ErrContainerFailed is returned when a stage container ends in a failed state
	ErrContainerFailed = errors.New("schedule: container failed")

	// ErrResultReleased is returned when reading a file result after Release
	ErrResultReleased = errors.New("schedule: result has been released")
)
