package agent

import "errors"

// Sentinel errors for runner lifecycle
var (
	// ErrRunnerAlreadyStarted indicates Start was called twice
	ErrRunnerAlreadyStarted = errors.New("agent runner already started")

	// ErrRunnerStopped indicates the runner has been closed
	ErrRunnerStopped = errors.New("agent runner stopped")

	// ErrNilAgent indicates a nil agent was provided
	ErrNilAgent = errors.New("agent cannot be nil")

	// ErrStopTimeout indicates the agent did not stop within the timeout
	ErrStopTimeout = errors.New("timeout waiting for agent to stop")
)
