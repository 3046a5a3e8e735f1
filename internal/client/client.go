// Package client talks to a codebox server over its HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/codebox/internal/server"
	"github.com/michaelbrown/codebox/internal/storage"
)

// ErrConflict is returned when the server refuses an action for the run's
// current state.
var ErrConflict = errors.New("conflict")

// APIError is a non-success answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps well-known status codes to sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return storage.ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	}
	return nil
}

// Client is a codebox API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// New creates a client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
	}
}

// Submit uploads source and starts a run. ext names the artifact's file
// extension and may be empty.
func (c *Client) Submit(ctx context.Context, source io.Reader, ext string) (*server.CreateRunResponse, error) {
	target := c.baseURL + "/api/runs"
	if ext != "" {
		target += "?ext=" + url.QueryEscape(ext)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, source)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	var resp server.CreateRunResponse
	if err := c.do(req, http.StatusAccepted, &resp); err != nil {
		return nil, fmt.Errorf("submitting run: %w", err)
	}
	return &resp, nil
}

// Get returns a run by ID or unique prefix.
func (c *Client) Get(ctx context.Context, id string) (*storage.Run, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.runURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	var run storage.Run
	if err := c.do(req, http.StatusOK, &run); err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return &run, nil
}

// List returns runs, newest first.
func (c *Client) List(ctx context.Context, opts storage.RunListOptions) ([]storage.Run, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Unfinished {
		q.Set("unfinished", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	target := c.baseURL + "/api/runs"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	var runs []storage.Run
	if err := c.do(req, http.StatusOK, &runs); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// Cancel stops an in-flight run. Cleanup still happens on the server.
func (c *Client) Cancel(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.runURL(id)+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if err := c.do(req, http.StatusAccepted, nil); err != nil {
		return fmt.Errorf("cancelling run %s: %w", id, err)
	}
	return nil
}

// Delete removes a finished run from the journal.
func (c *Client) Delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.runURL(id), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if err := c.do(req, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("deleting run %s: %w", id, err)
	}
	return nil
}

// Wait polls until the run is done and returns its final state.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*storage.Run, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Done() {
			return run, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Watch streams run snapshots to fn until the run is done and returns the
// final snapshot.
func (c *Client) Watch(ctx context.Context, id string, fn func(storage.Run)) (*storage.Run, error) {
	wsURL, err := c.watchURL(id)
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("watching run %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("watching run %s: %w", id, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg server.WatchMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("watching run %s: %w", id, err)
		}
		switch msg.Type {
		case "run":
			if msg.Run == nil {
				continue
			}
			if fn != nil {
				fn(*msg.Run)
			}
			if msg.Run.Done() {
				return msg.Run, nil
			}
		case "error":
			return nil, fmt.Errorf("watching run %s: %s", id, msg.Content)
		}
	}
}

func (c *Client) runURL(id string) string {
	return c.baseURL + "/api/runs/" + url.PathEscape(id)
}

func (c *Client) watchURL(id string) (string, error) {
	u, err := url.Parse(c.runURL(id) + "/ws")
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (c *Client) do(req *http.Request, want int, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
