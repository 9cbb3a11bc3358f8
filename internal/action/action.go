// Package action implements the prioritized units of work consumed by the
// agent loop, each carrying a single-assignment result.
package action

import (
	"context"
	"fmt"
	"sync"
)

// Type identifies what the agent loop does with an Action.
type Type string

const (
	TypeCreate   Type = "create"
	TypeUpdate   Type = "update"
	TypeShutdown Type = "shutdown"
)

func (t Type) String() string {
	return string(t)
}

// Action is one prioritized unit of orchestration work. Lower priorities are
// dequeued first. The result is resolved exactly once by Complete or Fail.
type Action struct {
	priority int64
	typ      Type
	payload  any
	seq      uint64 // enqueue order, set by Queue.Push

	mu        sync.Mutex
	done      chan struct{}
	resolved  bool
	value     any
	err       error
	callbacks []func(*Action)
}

// New creates an unresolved Action.
func New(priority int64, typ Type, payload any) *Action {
	return &Action{
		priority: priority,
		typ:      typ,
		payload:  payload,
		done:     make(chan struct{}),
	}
}

// Priority returns the dequeue priority.
func (a *Action) Priority() int64 { return a.priority }

// Type returns the action type.
func (a *Action) Type() Type { return a.typ }

// Payload returns the optional payload given at creation.
func (a *Action) Payload() any { return a.payload }

// Complete resolves the Action successfully with value.
// Resolving an already resolved Action panics.
func (a *Action) Complete(value any) {
	a.resolve(value, nil)
}

// Fail resolves the Action with err.
// Resolving an already resolved Action panics.
func (a *Action) Fail(err error) {
	if err == nil {
		panic("action: Fail called with nil error")
	}
	a.resolve(nil, err)
}

func (a *Action) resolve(value any, err error) {
	a.mu.Lock()
	if a.resolved {
		a.mu.Unlock()
		panic(fmt.Sprintf("action: %s action (priority %d) resolved twice", a.typ, a.priority))
	}
	a.resolved = true
	a.value = value
	a.err = err
	callbacks := a.callbacks
	a.callbacks = nil
	close(a.done)
	a.mu.Unlock()

	for _, cb := range callbacks {
		cb(a)
	}
}

// OnDone registers fn to run once the Action is resolved. Callbacks run
// synchronously in the resolving goroutine, in registration order. If the
// Action is already resolved, fn runs immediately.
func (a *Action) OnDone(fn func(*Action)) {
	a.mu.Lock()
	if !a.resolved {
		a.callbacks = append(a.callbacks, fn)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	fn(a)
}

// Done returns a channel closed on resolution.
func (a *Action) Done() <-chan struct{} {
	return a.done
}

// IsDone reports whether the Action has been resolved.
func (a *Action) IsDone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolved
}

// IsFailed reports whether the Action has been resolved with an error.
func (a *Action) IsFailed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolved && a.err != nil
}

// Result returns the resolved value and error. Both are nil while unresolved.
func (a *Action) Result() (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value, a.err
}

// Wait blocks until the Action is resolved or ctx is done.
func (a *Action) Wait(ctx context.Context) (any, error) {
	select {
	case <-a.done:
		return a.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Less orders Actions by priority, then by enqueue order.
func (a *Action) Less(b *Action) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}
