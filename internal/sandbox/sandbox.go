package sandbox

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// State is a sandbox lifecycle state as classified from the backend's report.
type State string

const (
	StatePending   State = "Pending"
	StateRunning   State = "Running"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
)

// ParseState classifies a raw lifecycle string reported by the backend.
// A missing state counts as pending. Anything that is not a known
// non-terminal state or an explicit success is a failure.
func ParseState(raw string) State {
	switch raw {
	case "", string(StatePending), string(StateRunning):
		return StateRunning
	case string(StateSucceeded):
		return StateSucceeded
	default:
		return StateFailed
	}
}

// Terminal reports whether polling can stop at this state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Outcome is the final classification of one execution.
type Outcome string

const (
	OutcomeSucceeded Outcome = "Succeeded"
	OutcomeFailed    Outcome = "Failed"
	OutcomeTimedOut  Outcome = "TimedOut"
)

// OutcomeFromState maps the last observed state to an outcome. A state that
// is still non-terminal means the poll budget ran out.
func OutcomeFromState(s State) Outcome {
	switch s {
	case StateSucceeded:
		return OutcomeSucceeded
	case StateFailed:
		return OutcomeFailed
	default:
		return OutcomeTimedOut
	}
}

// Handle identifies one provisioned sandbox.
type Handle struct {
	Group string
	Name  string
}

// NewHandle returns a handle with a fresh, never reused name.
func NewHandle(prefix string) Handle {
	return HandleFor(prefix + "-" + uuid.NewString())
}

// HandleFor rebuilds the handle for a previously generated name. The group
// and container share the name.
func HandleFor(name string) Handle {
	return Handle{Group: name, Name: name}
}

// Result is the output of a finished execution.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Logs    string  `json:"logs"`
}

// ErrNotFound is returned by State when the sandbox does not exist.
var ErrNotFound = errors.New("sandbox not found")

// Provisioner creates, inspects and removes sandboxes on a compute backend.
type Provisioner interface {
	// Create launches a sandbox that will fetch its artifact from artifactURL.
	Create(ctx context.Context, h Handle, artifactURL string) error

	// State returns the classified lifecycle state of the sandbox.
	State(ctx context.Context, h Handle) (State, error)

	// Logs returns the captured output of the sandbox.
	Logs(ctx context.Context, h Handle) (string, error)

	// Delete removes the sandbox. Deleting an absent sandbox succeeds.
	Delete(ctx context.Context, h Handle) error
}
