package client

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelbrown/codebox/internal/artifact"
	"github.com/michaelbrown/codebox/internal/metrics"
	"github.com/michaelbrown/codebox/internal/sandbox"
	"github.com/michaelbrown/codebox/internal/server"
	"github.com/michaelbrown/codebox/internal/storage"
	"github.com/michaelbrown/codebox/internal/storage/sqlite"
	"github.com/michaelbrown/codebox/internal/workflow"
)

// stubBackend reports a fixed state for every sandbox.
type stubBackend struct {
	state sandbox.State
}

func (b stubBackend) Create(context.Context, sandbox.Handle, string) error { return nil }

func (b stubBackend) State(context.Context, sandbox.Handle) (sandbox.State, error) {
	return b.state, nil
}

func (b stubBackend) Logs(context.Context, sandbox.Handle) (string, error) { return "42\n", nil }

func (b stubBackend) Delete(context.Context, sandbox.Handle) error { return nil }

type stubArtifacts struct{}

func (stubArtifacts) Upload(ctx context.Context, loc artifact.Location, r io.Reader) (string, error) {
	_, err := io.Copy(io.Discard, r)
	return "https://blob.example/" + loc.String(), err
}

func (stubArtifacts) Delete(context.Context, artifact.Location) error { return nil }

// newTestServer runs a real API over stub backends. With state Running the
// run stays in polling until cancelled.
func newTestServer(t *testing.T, state sandbox.State) (*Client, *server.RunManager) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := prometheus.NewRegistry()
	wf := workflow.New(stubBackend{state: state}, stubArtifacts{}, store, metrics.New(registry), logger, workflow.Config{
		Poll: workflow.PollConfig{Wait: func(ctx context.Context, d time.Duration) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	})
	runs := server.NewRunManager(wf, store, logger)
	wf.OnTransition = runs.Publish

	srv := server.New(server.Options{Container: "submissions"}, store, stubArtifacts{}, runs, registry, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		runs.CloseAll()
	})
	return New(ts.URL), runs
}

func TestSubmitAndGet(t *testing.T) {
	c, runs := newTestServer(t, sandbox.StateSucceeded)
	ctx := context.Background()

	created, err := c.Submit(ctx, strings.NewReader("Console.WriteLine(42);"), "")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(created.Run.Artifact.Blob, ".cs"))
	runs.Wait()

	run, err := c.Get(ctx, created.Run.ID)
	require.NoError(t, err)
	assert.True(t, run.Done())
	assert.Equal(t, sandbox.OutcomeSucceeded, run.Outcome)
	assert.Equal(t, "42\n", run.Logs)

	list, err := c.List(ctx, storage.RunListOptions{Status: storage.StatusDone, Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.Run.ID, list[0].ID)
}

func TestWaitPollsUntilDone(t *testing.T) {
	c, _ := newTestServer(t, sandbox.StateFailed)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created, err := c.Submit(ctx, strings.NewReader("exit 1"), "sh")
	require.NoError(t, err)

	run, err := c.Wait(ctx, created.Run.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, sandbox.OutcomeFailed, run.Outcome)
}

func TestWatchStreamsUntilDone(t *testing.T) {
	c, _ := newTestServer(t, sandbox.StateRunning)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created, err := c.Submit(ctx, strings.NewReader("loop forever"), "")
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []storage.RunStatus
	)
	first := make(chan struct{})
	var once sync.Once
	done := make(chan *storage.Run, 1)
	go func() {
		final, err := c.Watch(ctx, created.Run.ID, func(r storage.Run) {
			mu.Lock()
			seen = append(seen, r.Status)
			mu.Unlock()
			once.Do(func() { close(first) })
		})
		assert.NoError(t, err)
		done <- final
	}()

	<-first
	require.NoError(t, c.Cancel(ctx, created.Run.ID))

	final := <-done
	require.NotNil(t, final)
	assert.Equal(t, storage.StatusDone, final.Status)
	assert.Equal(t, sandbox.OutcomeFailed, final.Outcome)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, storage.StatusDone, seen[len(seen)-1])
}

func TestErrorsMapToSentinels(t *testing.T) {
	c, runs := newTestServer(t, sandbox.StateSucceeded)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

	_, err = c.Watch(ctx, "missing", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	created, err := c.Submit(ctx, strings.NewReader("ok"), "")
	require.NoError(t, err)
	runs.Wait()

	err = c.Cancel(ctx, created.Run.ID)
	assert.ErrorIs(t, err, ErrConflict)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "run already finished", apiErr.Message)

	require.NoError(t, c.Delete(ctx, created.Run.ID))
	_, err = c.Get(ctx, created.Run.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubmitRejected(t *testing.T) {
	c, _ := newTestServer(t, sandbox.StateSucceeded)

	_, err := c.Submit(context.Background(), strings.NewReader(""), "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, "submission is empty", apiErr.Message)
}

func TestWatchURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{base: "http://localhost:8080", want: "ws://localhost:8080/api/runs/abc/ws"},
		{base: "https://codebox.example/", want: "wss://codebox.example/api/runs/abc/ws"},
	}
	for _, tt := range tests {
		got, err := New(tt.base).watchURL("abc")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
