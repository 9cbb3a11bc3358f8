// Package backoff computes retry delays and runs retry loops.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultInitial = 100 * time.Millisecond
	defaultMax     = 5 * time.Second
)

// Policy describes an exponential backoff. Zero values use defaults.
type Policy struct {
	Initial time.Duration // first delay (default: 100ms)
	Max     time.Duration // delay cap (default: 5s)
	Jitter  float64       // fraction of the delay randomized, 0..1 (default: none)
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = defaultInitial
	}
	if p.Max <= 0 {
		p.Max = defaultMax
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	return p
}

// Delay returns the wait before retry number attempt (1-based). Attempt 1
// waits Initial, attempt 2 twice that, and so on up to Max.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := math.Min(float64(p.Initial)*math.Pow(2, float64(attempt-1)), float64(p.Max))
	if p.Jitter > 0 {
		d -= d * p.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Exponential returns Policy{}.Delay(attempt).
func Exponential(attempt int) time.Duration {
	return Policy{}.Delay(attempt)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Retry calls fn until it succeeds, returns a Permanent error, maxAttempts
// calls were made or ctx is done. It returns the last error, unwrapped from
// Permanent.
func Retry(ctx context.Context, p Policy, maxAttempts int, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := range maxAttempts {
		if attempt > 0 {
			t := time.NewTimer(p.Delay(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Join(ctx.Err(), err)
			case <-t.C:
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
	}
	return err
}
