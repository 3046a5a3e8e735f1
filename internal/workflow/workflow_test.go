package workflow

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelbrown/codebox/internal/artifact"
	"github.com/michaelbrown/codebox/internal/metrics"
	"github.com/michaelbrown/codebox/internal/sandbox"
	"github.com/michaelbrown/codebox/internal/storage"
)

// fakeBackend is a Provisioner that records every call in order.
type fakeBackend struct {
	mu        sync.Mutex
	calls     []string
	createErr error
	states    *scriptedStates
	logs      string
	logsErr   error
	deleteErr error
	deleteCtx context.Context

	// missing makes State report ErrNotFound until Create is called.
	missing bool
	created bool
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeBackend) Create(ctx context.Context, h sandbox.Handle, artifactURL string) error {
	f.record("create " + h.Name + " " + artifactURL)
	f.mu.Lock()
	f.created = f.createErr == nil
	f.mu.Unlock()
	return f.createErr
}

func (f *fakeBackend) State(ctx context.Context, h sandbox.Handle) (sandbox.State, error) {
	f.record("state")
	f.mu.Lock()
	missing := f.missing && !f.created
	f.mu.Unlock()
	if missing {
		return "", sandbox.ErrNotFound
	}
	return f.states.State(ctx, h)
}

func (f *fakeBackend) Logs(ctx context.Context, h sandbox.Handle) (string, error) {
	f.record("logs")
	return f.logs, f.logsErr
}

func (f *fakeBackend) Delete(ctx context.Context, h sandbox.Handle) error {
	f.mu.Lock()
	f.deleteCtx = ctx
	f.mu.Unlock()
	f.record("delete " + h.Name)
	return f.deleteErr
}

func (f *fakeBackend) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeArtifacts struct {
	mu      sync.Mutex
	deleted []artifact.Location
	err     error
}

func (f *fakeArtifacts) Upload(ctx context.Context, loc artifact.Location, r io.Reader) (string, error) {
	return "https://blob.example/" + loc.String(), nil
}

func (f *fakeArtifacts) Delete(ctx context.Context, loc artifact.Location) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, loc)
	f.mu.Unlock()
	return f.err
}

// memJournal keeps the statuses written for a run.
type memJournal struct {
	mu       sync.Mutex
	statuses []storage.RunStatus
	last     storage.Run
	err      error
}

func (j *memJournal) UpdateRun(ctx context.Context, r *storage.Run) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.statuses = append(j.statuses, r.Status)
	j.last = *r
	return j.err
}

type harness struct {
	backend   *fakeBackend
	artifacts *fakeArtifacts
	journal   *memJournal
	metrics   *metrics.Metrics
	workflow  *Workflow
}

func newHarness(t *testing.T, states ...stateReply) *harness {
	t.Helper()
	if len(states) == 0 {
		states = []stateReply{{state: sandbox.StateSucceeded}}
	}
	h := &harness{
		backend:   &fakeBackend{states: &scriptedStates{script: states}, logs: "hello\n"},
		artifacts: &fakeArtifacts{},
		journal:   &memJournal{},
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	h.workflow = New(h.backend, h.artifacts, h.journal, h.metrics, zaptest.NewLogger(t), Config{
		NamePrefix: "test",
		Poll:       PollConfig{Wait: (&recordingWait{}).wait},
	})
	return h
}

func newRun() *storage.Run {
	return &storage.Run{
		ID:          "run-1",
		Status:      storage.StatusUploading,
		Artifact:    artifact.Location{Container: "submissions", Blob: "abc.cs"},
		ArtifactURL: "https://blob.example/submissions/abc.cs?sig=1",
	}
}

func (h *harness) assertCleanedUpOnce(t *testing.T, run *storage.Run) {
	t.Helper()
	assert.Equal(t, 1, h.backend.count("delete "), "sandbox deletes")
	assert.Equal(t, []artifact.Location{run.Artifact}, h.artifacts.deleted, "artifact deletes")
	assert.Equal(t, storage.StatusDone, run.Status)
}

func TestRunSucceeds(t *testing.T) {
	h := newHarness(t, append(running(2), stateReply{state: sandbox.StateSucceeded})...)
	run := newRun()

	result, err := h.workflow.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, &sandbox.Result{Outcome: sandbox.OutcomeSucceeded, Logs: "hello\n"}, result)

	assert.Equal(t, 1, h.backend.count("create "))
	assert.Equal(t, 3, h.backend.count("state"))
	assert.Equal(t, 1, h.backend.count("logs"))
	h.assertCleanedUpOnce(t, run)

	assert.True(t, strings.HasPrefix(run.Sandbox, "test-"))
	assert.Equal(t, "create "+run.Sandbox+" "+run.ArtifactURL, h.backend.calls[0])
	assert.Equal(t, "delete "+run.Sandbox, h.backend.calls[len(h.backend.calls)-1])

	assert.Equal(t, []storage.RunStatus{
		storage.StatusLaunching,
		storage.StatusPolling,
		storage.StatusFetchingLogs,
		storage.StatusCleaningUp,
		storage.StatusDone,
	}, h.journal.statuses)
	assert.Equal(t, sandbox.OutcomeSucceeded, h.journal.last.Outcome)
	assert.Empty(t, run.Error)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Runs.WithLabelValues("Succeeded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ActiveRuns))
}

func TestRunGeneratesFreshSandboxNames(t *testing.T) {
	h := newHarness(t)
	first, second := newRun(), newRun()
	second.ID = "run-2"

	_, err := h.workflow.Run(context.Background(), first)
	require.NoError(t, err)
	_, err = h.workflow.Run(context.Background(), second)
	require.NoError(t, err)

	assert.NotEqual(t, first.Sandbox, second.Sandbox)
}

func TestRunTimesOut(t *testing.T) {
	h := newHarness(t, running(1)...)
	h.backend.logs = "partial"
	run := newRun()

	result, err := h.workflow.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, sandbox.OutcomeTimedOut, result.Outcome)
	assert.Equal(t, "partial", result.Logs)
	assert.Equal(t, DefaultMaxAttempts, h.backend.count("state"))
	h.assertCleanedUpOnce(t, run)
}

func TestRunSandboxFails(t *testing.T) {
	h := newHarness(t, stateReply{state: sandbox.StateFailed})
	run := newRun()

	result, err := h.workflow.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, sandbox.OutcomeFailed, result.Outcome)
	assert.Equal(t, 1, h.backend.count("state"))
	assert.Equal(t, 1, h.backend.count("logs"))
	h.assertCleanedUpOnce(t, run)
}

func TestRunCreateRejected(t *testing.T) {
	h := newHarness(t)
	h.backend.createErr = sandbox.ErrUnexpectedStatus
	run := newRun()

	result, err := h.workflow.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, sandbox.OutcomeFailed, result.Outcome)
	assert.Empty(t, result.Logs)
	assert.Contains(t, run.Error, "starting sandbox")

	assert.Equal(t, 1, h.backend.count("create "))
	assert.Equal(t, 0, h.backend.count("state"))
	assert.Equal(t, 0, h.backend.count("logs"))
	h.assertCleanedUpOnce(t, run)
}

func TestRunLogFailureKeepsOutcome(t *testing.T) {
	h := newHarness(t, stateReply{state: sandbox.StateSucceeded})
	h.backend.logsErr = errors.New("logs unavailable")
	run := newRun()

	result, err := h.workflow.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, sandbox.OutcomeSucceeded, result.Outcome)
	assert.Empty(t, result.Logs)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LogFetchFailures))
	h.assertCleanedUpOnce(t, run)
}

func TestRunSandboxDeleteFailureDiscardsResult(t *testing.T) {
	h := newHarness(t)
	h.backend.deleteErr = errors.New("delete refused")
	run := newRun()

	result, err := h.workflow.Run(context.Background(), run)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "delete refused")
	assert.Contains(t, run.Error, "delete refused")

	h.assertCleanedUpOnce(t, run)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CleanupFailures.WithLabelValues("sandbox")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Runs.WithLabelValues("error")))
}

func TestRunBothDeletesFail(t *testing.T) {
	h := newHarness(t)
	h.backend.deleteErr = errors.New("sandbox stuck")
	h.artifacts.err = errors.New("blob locked")
	run := newRun()

	_, err := h.workflow.Run(context.Background(), run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox stuck")
	assert.Contains(t, err.Error(), "blob locked")
	h.assertCleanedUpOnce(t, run)
}

func TestRunCleanupFailureKeepsStepError(t *testing.T) {
	h := newHarness(t)
	h.backend.createErr = errors.New("quota exceeded")
	h.artifacts.err = errors.New("blob locked")
	run := newRun()

	_, err := h.workflow.Run(context.Background(), run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob locked")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestRunWithoutArtifactURLCleansUp(t *testing.T) {
	h := newHarness(t)
	run := newRun()
	run.Status = storage.StatusCreated
	run.ArtifactURL = ""

	result, err := h.workflow.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, sandbox.OutcomeFailed, result.Outcome)
	assert.Equal(t, 0, h.backend.count("create "))
	h.assertCleanedUpOnce(t, run)
}

func TestRunWithoutArtifactURLKeepsRecordedCause(t *testing.T) {
	h := newHarness(t)
	run := newRun()
	run.Status = storage.StatusUploading
	run.ArtifactURL = ""
	run.Error = "uploading artifact: storage unavailable"

	_, err := h.workflow.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, "uploading artifact: storage unavailable; artifact upload did not complete", run.Error)
}

func TestRunCancelledStillCleansUp(t *testing.T) {
	h := newHarness(t, running(1)...)
	ctx, cancel := context.WithCancel(context.Background())
	h.workflow.poller.wait = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	run := newRun()

	result, err := h.workflow.Run(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, sandbox.OutcomeFailed, result.Outcome)
	assert.Contains(t, run.Error, context.Canceled.Error())
	assert.Equal(t, 1, h.backend.count("logs"))
	h.assertCleanedUpOnce(t, run)

	require.NotNil(t, h.backend.deleteCtx)
	assert.NoError(t, h.backend.deleteCtx.Err(), "cleanup must not run on the cancelled context")
	assert.Equal(t, storage.StatusDone, h.journal.last.Status)
}

func TestRunResumesAtPolling(t *testing.T) {
	h := newHarness(t, stateReply{state: sandbox.StateSucceeded})
	run := newRun()
	run.Status = storage.StatusPolling
	run.Sandbox = "test-existing"

	result, err := h.workflow.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, sandbox.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, 0, h.backend.count("create "))
	assert.Equal(t, 1, h.backend.count("state"))
	assert.Equal(t, "delete test-existing", h.backend.calls[len(h.backend.calls)-1])
}

func TestRunResumesAtLaunchingCreatesMissingSandbox(t *testing.T) {
	h := newHarness(t)
	h.backend.missing = true
	run := newRun()
	run.Status = storage.StatusLaunching
	run.Sandbox = "test-existing"

	result, err := h.workflow.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, sandbox.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, 1, h.backend.count("create test-existing "))
}

func TestRunResumesAtLaunchingKeepsExistingSandbox(t *testing.T) {
	h := newHarness(t)
	// A second create of an existing sandbox is refused.
	h.backend.createErr = errors.New("container name already in use")
	run := newRun()
	run.Status = storage.StatusLaunching
	run.Sandbox = "test-existing"

	result, err := h.workflow.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, sandbox.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, "hello\n", result.Logs)
	assert.Empty(t, run.Error)
	assert.Equal(t, 0, h.backend.count("create "))
	h.assertCleanedUpOnce(t, run)
}

func TestRunResumesAtLaunchingAgainstManagementAPI(t *testing.T) {
	var puts atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			// The group already exists, so a repeated PUT answers 200.
			puts.Add(1)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/logs"):
			w.Write([]byte(`{"content":"done\n"}`))
		case r.Method == http.MethodGet:
			w.Write([]byte(`{"properties":{"instanceView":{"state":"Succeeded"}}}`))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(api.Close)

	spec := sandbox.DefaultSpec()
	spec.Image = "runner:latest"
	backend := sandbox.NewContainerInstanceClient(sandbox.ContainerInstanceConfig{
		Endpoint:       api.URL,
		SubscriptionID: "sub-1",
		ResourceGroup:  "rg-sandbox",
		Spec:           spec,
	}, staticToken("tok"))
	wf := New(backend, &fakeArtifacts{}, &memJournal{}, metrics.New(prometheus.NewRegistry()), zaptest.NewLogger(t), Config{
		Poll: PollConfig{Wait: (&recordingWait{}).wait},
	})

	run := newRun()
	run.Status = storage.StatusLaunching
	run.Sandbox = "sandbox-existing"

	result, err := wf.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, sandbox.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, "done\n", result.Logs)
	assert.Equal(t, int32(0), puts.Load())
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func TestRunResumesAtFetchingLogs(t *testing.T) {
	h := newHarness(t)
	run := newRun()
	run.Status = storage.StatusFetchingLogs
	run.Sandbox = "test-existing"
	run.Outcome = sandbox.OutcomeTimedOut

	result, err := h.workflow.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, sandbox.OutcomeTimedOut, result.Outcome)
	assert.Equal(t, "hello\n", result.Logs)
	assert.Equal(t, 0, h.backend.count("state"))
}

func TestRunResumesAtCleaningUp(t *testing.T) {
	h := newHarness(t)
	run := newRun()
	run.Status = storage.StatusCleaningUp
	run.Sandbox = "test-existing"
	run.Outcome = sandbox.OutcomeSucceeded
	run.Logs = "earlier output"

	result, err := h.workflow.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, &sandbox.Result{Outcome: sandbox.OutcomeSucceeded, Logs: "earlier output"}, result)
	assert.Equal(t, 0, h.backend.count("logs"))
	h.assertCleanedUpOnce(t, run)
}

func TestRunJournalFailureDoesNotStopRun(t *testing.T) {
	h := newHarness(t)
	h.journal.err = errors.New("disk full")
	run := newRun()

	result, err := h.workflow.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, sandbox.OutcomeSucceeded, result.Outcome)
	h.assertCleanedUpOnce(t, run)
}

func TestRunReportsTransitions(t *testing.T) {
	h := newHarness(t)
	var seen []storage.RunStatus
	h.workflow.OnTransition = func(r storage.Run) { seen = append(seen, r.Status) }

	_, err := h.workflow.Run(context.Background(), newRun())
	require.NoError(t, err)
	assert.Equal(t, h.journal.statuses, seen)
}
