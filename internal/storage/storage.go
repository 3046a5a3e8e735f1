package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/codebox/internal/artifact"
	"github.com/michaelbrown/codebox/internal/sandbox"
)

// ErrNotFound is returned when no run matches an ID or prefix.
var ErrNotFound = errors.New("run not found")

// RunStatus is the workflow step a run has reached.
type RunStatus string

const (
	StatusCreated      RunStatus = "created"
	StatusUploading    RunStatus = "uploading"
	StatusLaunching    RunStatus = "launching"
	StatusPolling      RunStatus = "polling"
	StatusFetchingLogs RunStatus = "fetching_logs"
	StatusCleaningUp   RunStatus = "cleaning_up"
	StatusDone         RunStatus = "done"
)

var statusOrder = map[RunStatus]int{
	StatusCreated:      0,
	StatusUploading:    1,
	StatusLaunching:    2,
	StatusPolling:      3,
	StatusFetchingLogs: 4,
	StatusCleaningUp:   5,
	StatusDone:         6,
}

// Before reports whether s comes earlier in the workflow than other.
func (s RunStatus) Before(other RunStatus) bool {
	return statusOrder[s] < statusOrder[other]
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// Run is the journaled state of one execution.
type Run struct {
	ID          string            `json:"id" yaml:"id"`
	Status      RunStatus         `json:"status" yaml:"status"`
	Sandbox     string            `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
	Artifact    artifact.Location `json:"artifact" yaml:"artifact"`
	ArtifactURL string            `json:"-" yaml:"-"`
	Outcome     sandbox.Outcome   `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Logs        string            `json:"logs" yaml:"logs"`
	Error       string            `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Done reports whether the run reached its terminal state.
func (r *Run) Done() bool {
	return r.Status == StatusDone
}

// Result returns the execution result of a finished run.
func (r *Run) Result() sandbox.Result {
	return sandbox.Result{Outcome: r.Outcome, Logs: r.Logs}
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	Status     RunStatus
	Unfinished bool
	Limit      int
	Offset     int
}

// Store is the persistence interface for runs.
type Store interface {
	// CreateRun inserts a new run. The ID field must be set by the caller.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun returns a run by ID or ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by created_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// UpdateRun overwrites every mutable field of the run.
	UpdateRun(ctx context.Context, r *Run) error

	// DeleteRun removes a finished run.
	DeleteRun(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
