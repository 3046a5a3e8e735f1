package server

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/michaelbrown/codebox/internal/sandbox"
	"github.com/michaelbrown/codebox/internal/storage"
)

// Executor drives one run to completion.
type Executor interface {
	Run(ctx context.Context, run *storage.Run) (*sandbox.Result, error)
}

// ActiveRun tracks a run whose workflow is executing in this process.
type ActiveRun struct {
	Cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed once the workflow has returned.
func (ar *ActiveRun) Done() <-chan struct{} {
	return ar.done
}

// RunManager executes runs in the background and fans their transitions out
// to subscribers.
type RunManager struct {
	executor Executor
	store    storage.Store
	logger   *zap.Logger

	mu   sync.RWMutex
	runs map[string]*ActiveRun
	subs map[string]map[chan storage.Run]struct{}
	wg   sync.WaitGroup
}

// NewRunManager creates a manager. Publish must be wired as the executor's
// transition hook for subscribers to see progress.
func NewRunManager(executor Executor, store storage.Store, logger *zap.Logger) *RunManager {
	return &RunManager{
		executor: executor,
		store:    store,
		logger:   logger,
		runs:     make(map[string]*ActiveRun),
		subs:     make(map[string]map[chan storage.Run]struct{}),
	}
}

// Start executes run in a new goroutine. The manager owns run from here on;
// callers must not read or write it afterwards. Starting a run that is
// already active is a no-op.
func (rm *RunManager) Start(run *storage.Run) *ActiveRun {
	rm.mu.Lock()
	if ar, ok := rm.runs[run.ID]; ok {
		rm.mu.Unlock()
		return ar
	}
	ctx, cancel := context.WithCancel(context.Background())
	ar := &ActiveRun{Cancel: cancel, done: make(chan struct{})}
	rm.runs[run.ID] = ar
	rm.wg.Add(1)
	rm.mu.Unlock()

	go func() {
		defer rm.wg.Done()
		defer rm.finish(run.ID, ar)
		defer cancel()

		if _, err := rm.executor.Run(ctx, run); err != nil {
			rm.logger.Error("run ended with error", zap.String("run", run.ID), zap.Error(err))
		}
	}()
	return ar
}

// Get returns an active run if it exists.
func (rm *RunManager) Get(runID string) (*ActiveRun, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	ar, ok := rm.runs[runID]
	return ar, ok
}

// Cancel asks an active run to stop at the next poll boundary. It reports
// false when the run is not executing here.
func (rm *RunManager) Cancel(runID string) bool {
	ar, ok := rm.Get(runID)
	if !ok {
		return false
	}
	ar.Cancel()
	return true
}

// Subscribe returns a channel of run snapshots and a function that releases
// it. The channel is closed when the run finishes, and is returned already
// closed when the run is not active.
func (rm *RunManager) Subscribe(runID string) (<-chan storage.Run, func()) {
	ch := make(chan storage.Run, 16)

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.runs[runID]; !ok {
		close(ch)
		return ch, func() {}
	}
	if rm.subs[runID] == nil {
		rm.subs[runID] = make(map[chan storage.Run]struct{})
	}
	rm.subs[runID][ch] = struct{}{}

	return ch, func() {
		rm.mu.Lock()
		defer rm.mu.Unlock()
		if _, ok := rm.subs[runID][ch]; ok {
			delete(rm.subs[runID], ch)
			close(ch)
		}
	}
}

// Publish delivers a snapshot to the run's subscribers. Slow subscribers
// miss intermediate snapshots rather than stalling the workflow.
func (rm *RunManager) Publish(run storage.Run) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	for ch := range rm.subs[run.ID] {
		select {
		case ch <- run:
		default:
			rm.logger.Debug("dropping run snapshot for slow subscriber", zap.String("run", run.ID))
		}
	}
}

func (rm *RunManager) finish(runID string, ar *ActiveRun) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for ch := range rm.subs[runID] {
		close(ch)
	}
	delete(rm.subs, runID)
	delete(rm.runs, runID)
	close(ar.done)
}

// Recover resumes every journaled run that has not reached done. It returns
// how many runs were restarted.
func (rm *RunManager) Recover(ctx context.Context) (int, error) {
	const page = 100
	var pending []storage.Run
	for offset := 0; ; offset += page {
		runs, err := rm.store.ListRuns(ctx, storage.RunListOptions{Unfinished: true, Limit: page, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("listing unfinished runs: %w", err)
		}
		pending = append(pending, runs...)
		if len(runs) < page {
			break
		}
	}

	for i := range pending {
		run := pending[i]
		rm.logger.Info("resuming run", zap.String("run", run.ID), zap.String("status", string(run.Status)))
		rm.Start(&run)
	}
	return len(pending), nil
}

// CloseAll cancels all active runs and waits for their cleanup to finish.
func (rm *RunManager) CloseAll() {
	rm.mu.RLock()
	for _, ar := range rm.runs {
		ar.Cancel()
	}
	rm.mu.RUnlock()
	rm.wg.Wait()
}

// Wait blocks until every active run has finished.
func (rm *RunManager) Wait() {
	rm.wg.Wait()
}
