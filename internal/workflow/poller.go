package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/codebox/internal/metrics"
	"github.com/michaelbrown/codebox/internal/sandbox"
)

const (
	// DefaultMaxAttempts and DefaultInterval bound a run to roughly 95
	// seconds of waiting.
	DefaultMaxAttempts = 20
	DefaultInterval    = 5 * time.Second
)

// StateReader reports the lifecycle state of a sandbox.
type StateReader interface {
	State(ctx context.Context, h sandbox.Handle) (sandbox.State, error)
}

// PollConfig bounds status polling.
type PollConfig struct {
	MaxAttempts int
	Interval    time.Duration

	// Wait pauses between attempts. Defaults to a timer that returns early
	// with the context's error.
	Wait func(ctx context.Context, d time.Duration) error
}

// Poller queries sandbox state until it is terminal or the attempt budget
// runs out.
type Poller struct {
	states      StateReader
	maxAttempts int
	interval    time.Duration
	wait        func(ctx context.Context, d time.Duration) error
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewPoller creates a poller, filling zero config values with defaults.
func NewPoller(states StateReader, cfg PollConfig, m *metrics.Metrics, logger *zap.Logger) *Poller {
	p := &Poller{
		states:      states,
		maxAttempts: cfg.MaxAttempts,
		interval:    cfg.Interval,
		wait:        cfg.Wait,
		metrics:     m,
		logger:      logger,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.wait == nil {
		p.wait = sleep
	}
	return p
}

// PollUntilDone returns Succeeded or Failed as soon as the backend reports
// that state, and TimedOut once every attempt has seen a non-terminal state.
// A failed query is logged and counted as still running. The error is
// non-nil only when ctx ends first; the outcome is then Failed.
func (p *Poller) PollUntilDone(ctx context.Context, h sandbox.Handle) (sandbox.Outcome, error) {
	attempts := 0
	defer func() { p.metrics.PollAttempts.Observe(float64(attempts)) }()

	for attempts < p.maxAttempts {
		attempts++
		state, err := p.states.State(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				return sandbox.OutcomeFailed, fmt.Errorf("polling %s: %w", h.Name, ctx.Err())
			}
			p.metrics.PollErrors.Inc()
			p.logger.Warn("sandbox state query failed",
				zap.String("sandbox", h.Name), zap.Int("attempt", attempts), zap.Error(err))
			state = sandbox.StateRunning
		} else {
			p.logger.Debug("sandbox state",
				zap.String("sandbox", h.Name), zap.Int("attempt", attempts), zap.String("state", string(state)))
		}

		if state.Terminal() {
			return sandbox.OutcomeFromState(state), nil
		}
		if attempts == p.maxAttempts {
			break
		}
		if err := p.wait(ctx, p.interval); err != nil {
			return sandbox.OutcomeFailed, fmt.Errorf("polling %s: %w", h.Name, err)
		}
	}

	p.logger.Error("sandbox timed out", zap.String("sandbox", h.Name), zap.Int("attempts", attempts))
	return sandbox.OutcomeTimedOut, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
