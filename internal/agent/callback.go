package agent

import (
	"context"
	"errors"
	"fmt"
	"processagent/internal/apperrors"
	"processagent/internal/job"
	"processagent/internal/store"
)

// ErrNoMoreJobs is returned by a create callback once it will never produce
// another job. Returning a nil slice with a nil error means the same thing.
var ErrNoMoreJobs = errors.New("no more jobs")

// Callback names accepted by RegisterCallback.
const (
	CallbackCreate = "create"
	CallbackUpdate = "update"
	CallbackDone   = "done"
)

// CreateFunc returns the next jobs to create. A nil slice (or ErrNoMoreJobs)
// marks usercode as exhausted; an empty non-nil slice means "nothing right now".
type CreateFunc func(ctx context.Context, s *store.Store) ([]job.Spec, error)

// UpdateFunc receives the jobs changed by one scheduler update.
type UpdateFunc func(ctx context.Context, s *store.Store, events []store.ChangeEvent) error

// DoneFunc runs once when the agent loop exits.
type DoneFunc func(ctx context.Context, s *store.Store) error

// UsercodeError wraps an error returned (or a panic raised) by a usercode
// callback. It is fatal to the agent loop.
type UsercodeError struct {
	Callback string
	Err      error
}

func (e *UsercodeError) Error() string {
	return fmt.Sprintf("usercode %s callback: %v", e.Callback, e.Err)
}

func (e *UsercodeError) Unwrap() error {
	return e.Err
}

// RegisterCallback registers a usercode callback by name. Besides the
// CreateFunc, UpdateFunc and DoneFunc signatures, context-free variants are
// accepted and adapted:
//
//	create: func(*store.Store) ([]job.Spec, error)
//	update: func(*store.Store, []store.ChangeEvent) error
//	done:   func(*store.Store) error, func(*store.Store)
func (a *Agent) RegisterCallback(kind string, fn any) error {
	switch kind {
	case CallbackCreate:
		f, err := asCreateFunc(fn)
		if err != nil {
			return err
		}
		a.OnCreate(f)
	case CallbackUpdate:
		f, err := asUpdateFunc(fn)
		if err != nil {
			return err
		}
		a.OnUpdate(f)
	case CallbackDone:
		f, err := asDoneFunc(fn)
		if err != nil {
			return err
		}
		a.OnDone(f)
	default:
		return apperrors.Validationf("callback", "invalid callback type %q", kind)
	}
	return nil
}

// OnCreate sets the create callback.
func (a *Agent) OnCreate(fn CreateFunc) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.createFn = fn
}

// OnUpdate sets the update callback.
func (a *Agent) OnUpdate(fn UpdateFunc) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.updateFn = fn
}

// OnDone sets the done callback.
func (a *Agent) OnDone(fn DoneFunc) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.doneFn = fn
}

func (a *Agent) callbacks() (CreateFunc, UpdateFunc, DoneFunc) {
	a.cbMu.RLock()
	defer a.cbMu.RUnlock()
	return a.createFn, a.updateFn, a.doneFn
}

func asCreateFunc(fn any) (CreateFunc, error) {
	switch f := fn.(type) {
	case CreateFunc:
		return f, nil
	case func(context.Context, *store.Store) ([]job.Spec, error):
		return f, nil
	case func(*store.Store) ([]job.Spec, error):
		return func(_ context.Context, s *store.Store) ([]job.Spec, error) { return f(s) }, nil
	case func(*store.Store) []job.Spec:
		return func(_ context.Context, s *store.Store) ([]job.Spec, error) { return f(s), nil }, nil
	}
	return nil, unsupported(CallbackCreate, fn)
}

func asUpdateFunc(fn any) (UpdateFunc, error) {
	switch f := fn.(type) {
	case UpdateFunc:
		return f, nil
	case func(context.Context, *store.Store, []store.ChangeEvent) error:
		return f, nil
	case func(*store.Store, []store.ChangeEvent) error:
		return func(_ context.Context, s *store.Store, ev []store.ChangeEvent) error { return f(s, ev) }, nil
	case func(*store.Store, []store.ChangeEvent):
		return func(_ context.Context, s *store.Store, ev []store.ChangeEvent) error {
			f(s, ev)
			return nil
		}, nil
	}
	return nil, unsupported(CallbackUpdate, fn)
}

func asDoneFunc(fn any) (DoneFunc, error) {
	switch f := fn.(type) {
	case DoneFunc:
		return f, nil
	case func(context.Context, *store.Store) error:
		return f, nil
	case func(*store.Store) error:
		return func(_ context.Context, s *store.Store) error { return f(s) }, nil
	case func(*store.Store):
		return func(_ context.Context, s *store.Store) error {
			f(s)
			return nil
		}, nil
	}
	return nil, unsupported(CallbackDone, fn)
}

func unsupported(kind string, fn any) error {
	return apperrors.Validationf("callback", "unsupported %s callback signature %T", kind, fn)
}

// safeCall runs a usercode callback, turning a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
