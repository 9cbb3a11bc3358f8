// Package testutil provides polling helpers for tests of the agent loop and
// its asynchronous collaborators.
package testutil

import (
	"context"
	"processagent/internal/action"
	"testing"
	"time"
)

// WaitOptions configures the wait helpers.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for the wait helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func buildOptions(opts []WaitOption) WaitOptions {
	o := WaitOptions{
		Timeout:  10 * time.Second,
		Interval: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls condition until it returns true or the timeout is reached.
// The condition is checked once more at the deadline.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := buildOptions(opts)

	if condition() {
		return true
	}
	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()
	deadline := time.NewTimer(o.Timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if condition() {
				return true
			}
		case <-deadline.C:
			return condition()
		}
	}
}

// MustWaitFor is WaitFor failing the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// Counter is satisfied by *atomic.Int64 and anything else exposing a count.
type Counter interface {
	Load() int64
}

// WaitForCount polls until counter reaches at least target.
func WaitForCount(tb testing.TB, counter Counter, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool {
		return counter.Load() >= target
	}, opts...)
}

// MustWaitForCount is WaitForCount failing the test on timeout.
func MustWaitForCount(tb testing.TB, counter Counter, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}

// MustResolve waits for act to be completed or failed and returns its result.
// The test fails if act is still pending after the timeout.
func MustResolve(tb testing.TB, act *action.Action, opts ...WaitOption) (any, error) {
	tb.Helper()
	o := buildOptions(opts)
	ctx, cancel := context.WithTimeout(context.Background(), o.Timeout)
	defer cancel()

	select {
	case <-act.Done():
		return act.Result()
	case <-ctx.Done():
		tb.Fatalf("action %s never resolved", act.Type())
		return nil, ctx.Err()
	}
}

// MustReceive waits for the first error sent on ch, typically the result of
// a Run loop started in a goroutine.
func MustReceive(tb testing.TB, ch <-chan error, opts ...WaitOption) error {
	tb.Helper()
	o := buildOptions(opts)
	select {
	case err := <-ch:
		return err
	case <-time.After(o.Timeout):
		tb.Fatal("timed out waiting for loop to exit")
		return nil
	}
}
