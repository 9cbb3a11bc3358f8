// Package circuitbreaker stops calling a failing remote after too many
// consecutive failures and probes it again after a cooldown.
//
// States:
//   - Closed: calls go through
//   - Open: calls are rejected with ErrOpen
//   - HalfOpen: one probe call goes through; its outcome closes or reopens
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State is the state of a Breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker. Zero values use defaults.
type Config struct {
	Threshold int           // consecutive failures before opening (default: 5)
	Cooldown  time.Duration // time open before probing (default: 30s)

	// OnStateChange, if set, is called after every transition. It must not
	// call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Breaker guards calls to one remote.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}
}

// Name returns the name the breaker was created with.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may be attempted now. In half-open state only
// the first caller is allowed until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.setState(HalfOpen)
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.setState(Closed)
}

// RecordFailure counts a failure, opening the breaker at the threshold or
// when a half-open probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.openedAt = b.now()
		b.setState(Open)
	}
}

// Do runs fn if the breaker allows it and records its outcome.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and clears its failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.setState(Closed)
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
