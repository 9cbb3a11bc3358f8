package testutil

import (
	"errors"
	"processagent/internal/action"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		readyAt   int // calls before the condition holds, -1 for never
		timeout   time.Duration
		want      bool
		minCalled int
	}{
		{name: "immediate", readyAt: 1, timeout: time.Second, want: true, minCalled: 1},
		{name: "eventual", readyAt: 3, timeout: time.Second, want: true, minCalled: 3},
		{name: "timeout", readyAt: -1, timeout: 30 * time.Millisecond, want: false, minCalled: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			got := WaitFor(t, func() bool {
				calls++
				return tt.readyAt > 0 && calls >= tt.readyAt
			}, WithTimeout(tt.timeout), WithInterval(5*time.Millisecond))

			if got != tt.want {
				t.Errorf("WaitFor() = %v, want %v", got, tt.want)
			}
			if calls < tt.minCalled {
				t.Errorf("condition called %d times, want at least %d", calls, tt.minCalled)
			}
		})
	}
}

func TestWaitForCount(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64

	go func() {
		for range 5 {
			time.Sleep(5 * time.Millisecond)
			counter.Add(1)
		}
	}()

	if !WaitForCount(t, &counter, 5, WithTimeout(time.Second), WithInterval(time.Millisecond)) {
		t.Errorf("counter stuck at %d", counter.Load())
	}
	if WaitForCount(t, &counter, 10, WithTimeout(20*time.Millisecond)) {
		t.Error("WaitForCount() should time out below target")
	}
}

func TestMustResolve(t *testing.T) {
	t.Parallel()

	done := action.New(1, action.TypeCreate, nil)
	go done.Complete("jobs")
	value, err := MustResolve(t, done, WithTimeout(time.Second))
	if err != nil || value != "jobs" {
		t.Errorf("MustResolve() = %v, %v; want jobs, nil", value, err)
	}

	boom := errors.New("boom")
	failed := action.New(1, action.TypeUpdate, nil)
	failed.Fail(boom)
	if _, err := MustResolve(t, failed); !errors.Is(err, boom) {
		t.Errorf("MustResolve() error = %v, want %v", err, boom)
	}
}

func TestMustReceive(t *testing.T) {
	t.Parallel()
	ch := make(chan error, 1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		ch <- nil
	}()
	if err := MustReceive(t, ch, WithTimeout(time.Second)); err != nil {
		t.Errorf("MustReceive() = %v", err)
	}
}

func TestBuildOptions(t *testing.T) {
	t.Parallel()

	o := buildOptions(nil)
	if o.Timeout != 10*time.Second || o.Interval != 10*time.Millisecond {
		t.Errorf("defaults = %+v", o)
	}

	o = buildOptions([]WaitOption{WithTimeout(time.Minute), WithInterval(time.Second)})
	if o.Timeout != time.Minute || o.Interval != time.Second {
		t.Errorf("options = %+v", o)
	}
}
