package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_DelayDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second}, // capped at max
		{30, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := Exponential(tt.attempt); got != tt.want {
			t.Errorf("Exponential(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_DelayCustom(t *testing.T) {
	t.Parallel()
	p := Policy{Initial: time.Second, Max: 10 * time.Second}

	if got := p.Delay(3); got != 4*time.Second {
		t.Errorf("Delay(3) = %v, want 4s", got)
	}
	if got := p.Delay(5); got != 10*time.Second {
		t.Errorf("Delay(5) = %v, want 10s", got)
	}
}

func TestPolicy_Jitter(t *testing.T) {
	t.Parallel()
	p := Policy{Initial: time.Second, Max: time.Minute, Jitter: 0.5}

	for range 100 {
		d := p.Delay(2)
		if d < time.Second || d > 2*time.Second {
			t.Fatalf("Delay(2) with jitter = %v, want within [1s, 2s]", d)
		}
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), Policy{Initial: time.Millisecond}, 5, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	t.Parallel()
	bad := errors.New("bad request")
	calls := 0
	err := Retry(context.Background(), Policy{Initial: time.Millisecond}, 5, func(context.Context) error {
		calls++
		return Permanent(bad)
	})
	if !errors.Is(err, bad) {
		t.Fatalf("Retry() error = %v, want %v", err, bad)
	}
	if IsPermanent(err) {
		t.Error("returned error should be unwrapped from Permanent")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), Policy{Initial: time.Millisecond}, 3, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	err := Retry(ctx, Policy{Initial: time.Hour}, 3, func(context.Context) error {
		cancel()
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry() error = %v, want context.Canceled", err)
	}
}

func TestPermanent_Nil(t *testing.T) {
	t.Parallel()
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
