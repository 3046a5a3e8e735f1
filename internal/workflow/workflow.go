package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/codebox/internal/artifact"
	"github.com/michaelbrown/codebox/internal/metrics"
	"github.com/michaelbrown/codebox/internal/sandbox"
	"github.com/michaelbrown/codebox/internal/storage"
)

// DefaultNamePrefix prefixes generated sandbox names.
const DefaultNamePrefix = "sandbox"

var errNoArtifact = errors.New("artifact upload did not complete")

// Journal persists run progress so an interrupted run can resume.
type Journal interface {
	UpdateRun(ctx context.Context, r *storage.Run) error
}

// Config tunes a Workflow.
type Config struct {
	NamePrefix string
	Poll       PollConfig
}

// Workflow executes one uploaded artifact in a fresh sandbox and tears the
// sandbox and artifact down afterwards, whatever happened in between.
//
// Every step is journaled before it runs. Run resumes from the journaled
// status, so handing it a run loaded after a crash repeats at most the step
// that was in flight; each step is safe to repeat.
type Workflow struct {
	sandboxes  sandbox.Provisioner
	artifacts  artifact.Store
	journal    Journal
	poller     *Poller
	metrics    *metrics.Metrics
	logger     *zap.Logger
	namePrefix string

	// OnTransition receives a copy of the run after every journaled step.
	OnTransition func(storage.Run)
}

// New creates a workflow.
func New(sandboxes sandbox.Provisioner, artifacts artifact.Store, journal Journal, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Workflow {
	prefix := cfg.NamePrefix
	if prefix == "" {
		prefix = DefaultNamePrefix
	}
	return &Workflow{
		sandboxes:  sandboxes,
		artifacts:  artifacts,
		journal:    journal,
		poller:     NewPoller(sandboxes, cfg.Poll, m, logger),
		metrics:    m,
		logger:     logger,
		namePrefix: prefix,
	}
}

// Run drives run from its journaled status to done and returns the result.
//
// Failures while launching, polling or fetching logs are recorded on the run
// and reported as a Failed (or TimedOut) result. The returned error is
// non-nil only when deleting the sandbox or the artifact failed; the result
// is then discarded.
func (w *Workflow) Run(ctx context.Context, run *storage.Run) (*sandbox.Result, error) {
	start := time.Now()
	w.metrics.ActiveRuns.Inc()
	defer w.metrics.ActiveRuns.Dec()

	// Journal writes and cleanup must happen even after ctx is cancelled.
	detached := context.WithoutCancel(ctx)

	if run.Sandbox == "" {
		run.Sandbox = sandbox.NewHandle(w.namePrefix).Name
	}
	h := sandbox.HandleFor(run.Sandbox)
	logger := w.logger.With(zap.String("run", run.ID), zap.String("sandbox", h.Name))

	stepErr := w.execute(ctx, detached, run, h, logger)
	cleanupErr := w.cleanup(detached, run, h, logger)

	w.metrics.RunDuration.Observe(time.Since(start).Seconds())

	if cleanupErr != nil {
		err := errors.Join(cleanupErr, stepErr)
		run.Error = err.Error()
		w.transition(detached, run, storage.StatusDone, logger)
		w.metrics.Runs.WithLabelValues("error").Inc()
		logger.Error("run cleanup failed", zap.Error(err))
		return nil, err
	}

	w.transition(detached, run, storage.StatusDone, logger)
	w.metrics.Runs.WithLabelValues(string(run.Outcome)).Inc()
	logger.Info("run finished",
		zap.String("outcome", string(run.Outcome)), zap.Int("log_chars", len(run.Logs)))

	result := run.Result()
	return &result, nil
}

// execute runs the launch, poll and log steps that have not been journaled
// as complete yet.
func (w *Workflow) execute(ctx, detached context.Context, run *storage.Run, h sandbox.Handle, logger *zap.Logger) error {
	if !storage.StatusLaunching.Before(run.Status) {
		if run.ArtifactURL == "" {
			run.Outcome = sandbox.OutcomeFailed
			run.Error = joinRunError(run.Error, errNoArtifact)
			logger.Error("run has no artifact to execute")
			return errNoArtifact
		}

		resuming := run.Status == storage.StatusLaunching
		w.transition(detached, run, storage.StatusLaunching, logger)
		if err := w.launch(ctx, run, h, resuming, logger); err != nil {
			err = fmt.Errorf("starting sandbox: %w", err)
			run.Outcome = sandbox.OutcomeFailed
			run.Error = err.Error()
			logger.Error("sandbox create failed", zap.Error(err))
			return err
		}
	}

	var stepErr error
	if !storage.StatusPolling.Before(run.Status) {
		w.transition(detached, run, storage.StatusPolling, logger)
		outcome, err := w.poller.PollUntilDone(ctx, h)
		run.Outcome = outcome
		if err != nil {
			run.Error = err.Error()
			stepErr = err
			logger.Warn("polling stopped early", zap.Error(err))
		} else {
			logger.Info("sandbox finished", zap.String("outcome", string(outcome)))
		}
	}

	if !storage.StatusFetchingLogs.Before(run.Status) {
		w.transition(detached, run, storage.StatusFetchingLogs, logger)
		run.Logs = w.fetchLogs(detached, h, logger)
	}

	return stepErr
}

// launch creates the sandbox. A run resumed at launching may have created
// it before the crash; an existing sandbox is kept and only a missing one is
// created again.
func (w *Workflow) launch(ctx context.Context, run *storage.Run, h sandbox.Handle, resuming bool, logger *zap.Logger) error {
	if resuming {
		_, err := w.sandboxes.State(ctx, h)
		switch {
		case err == nil:
			logger.Info("sandbox already exists, resuming")
			return nil
		case !errors.Is(err, sandbox.ErrNotFound):
			logger.Warn("checking for existing sandbox failed", zap.Error(err))
		}
	}

	if err := w.sandboxes.Create(ctx, h, run.ArtifactURL); err != nil {
		return err
	}
	logger.Info("sandbox started")
	return nil
}

// joinRunError keeps an earlier recorded cause ahead of err.
func joinRunError(recorded string, err error) string {
	if recorded == "" {
		return err.Error()
	}
	return recorded + "; " + err.Error()
}

// fetchLogs never fails; missing logs become empty output.
func (w *Workflow) fetchLogs(ctx context.Context, h sandbox.Handle, logger *zap.Logger) string {
	logs, err := w.sandboxes.Logs(ctx, h)
	if err != nil {
		w.metrics.LogFetchFailures.Inc()
		logger.Error("fetching sandbox logs failed", zap.Error(err))
		return ""
	}
	logger.Info("fetched sandbox logs", zap.Int("chars", len(logs)))
	return logs
}

// cleanup issues both deletes even when the first one fails.
func (w *Workflow) cleanup(ctx context.Context, run *storage.Run, h sandbox.Handle, logger *zap.Logger) error {
	w.transition(ctx, run, storage.StatusCleaningUp, logger)

	var errs []error
	if err := w.sandboxes.Delete(ctx, h); err != nil {
		w.metrics.CleanupFailures.WithLabelValues("sandbox").Inc()
		errs = append(errs, fmt.Errorf("deleting sandbox %s: %w", h.Name, err))
	} else {
		logger.Info("sandbox deleted")
	}

	if err := w.artifacts.Delete(ctx, run.Artifact); err != nil {
		w.metrics.CleanupFailures.WithLabelValues("artifact").Inc()
		errs = append(errs, fmt.Errorf("deleting artifact %s: %w", run.Artifact, err))
	} else {
		logger.Info("artifact deleted", zap.Stringer("artifact", run.Artifact))
	}

	return errors.Join(errs...)
}

func (w *Workflow) transition(ctx context.Context, run *storage.Run, status storage.RunStatus, logger *zap.Logger) {
	run.Status = status
	if err := w.journal.UpdateRun(ctx, run); err != nil {
		logger.Warn("journaling run failed", zap.String("status", string(status)), zap.Error(err))
	}
	if w.OnTransition != nil {
		w.OnTransition(*run)
	}
}
