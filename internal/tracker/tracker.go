// Package tracker converts an asynchronous job handle into a terminal result
// by repeated status polling. The loop is an explicit state machine driven by
// timer ticks so cancellation and the wall-clock bound are first-class
// outcomes rather than side effects of a blocking wait.
package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-advisors/dealdesk/internal/model"
)

// State is the tracker's position in its lifecycle.
type State string

const (
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Config controls poll pacing. Remote operations take minutes, so the
// interval is fixed rather than exponential.
type Config struct {
	// Interval between polls. Default: 10s.
	Interval time.Duration

	// MaxWait bounds total wall-clock time before the tracker forces a
	// Timeout terminal failure regardless of remote status. Default: 30m.
	MaxWait time.Duration
}

// DefaultConfig returns the standard polling configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Second,
		MaxWait:  30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Minute
	}
	return c
}

// PollFunc checks remote status once. done=false means keep polling. A
// returned error is terminal: the tracker does not retry failed polls beyond
// whatever retry policy the underlying client already applied.
type PollFunc[T any] func(ctx context.Context) (result T, done bool, err error)

// Outcome is the tracker's terminal report.
type Outcome[T any] struct {
	State  State
	Result T
	Polls  int
}

// Track polls until the operation reaches a terminal state, the wall-clock
// bound elapses, or the context is cancelled.
func Track[T any](ctx context.Context, name string, cfg Config, poll PollFunc[T]) (Outcome[T], error) {
	cfg = cfg.withDefaults()

	log := zap.L().With(zap.String("operation", name))
	out := Outcome[T]{State: StateSubmitted}
	deadline := time.Now().Add(cfg.MaxWait)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	// First poll happens immediately; submission may already be done.
	for {
		out.State = StatePolling
		out.Polls++

		result, done, err := poll(ctx)
		if err != nil {
			out.State = StateFailed
			return out, err
		}
		if done {
			out.State = StateSucceeded
			out.Result = result
			log.Debug("operation complete", zap.Int("polls", out.Polls))
			return out, nil
		}

		if time.Now().After(deadline) {
			out.State = StateTimedOut
			return out, model.NewFaultf(model.FaultTimeout,
				"%s: operation still running after %s", name, cfg.MaxWait)
		}

		select {
		case <-ctx.Done():
			out.State = StateCancelled
			return out, model.WrapFault(model.FaultCancelled, name+": polling cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
}
