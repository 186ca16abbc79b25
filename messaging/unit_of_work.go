package messaging

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrAlreadyCommitted is returned when a finalized unit of work is committed again
	ErrAlreadyCommitted = errors.New("unit of work already committed")

	// ErrAlreadyAborted is returned when committing an aborted unit of work
	ErrAlreadyAborted = errors.New("unit of work already aborted")
)

type uowState int

const (
	uowActive uowState = iota
	uowCommitted
	uowAborted
)

// UnitOfWork is the transaction context of one message handling or one
// batch of sends. Transports register hooks on it and keep typed state in it.
//
// Hook order:
//   - Commit runs committed hooks, then completed hooks
//   - a failing committed hook aborts the unit of work instead
//   - Abort runs aborted hooks
//   - Dispose aborts an unfinalized unit of work, then runs disposed hooks
type UnitOfWork struct {
	mu        sync.Mutex
	state     uowState
	disposed  bool
	committed []func(ctx context.Context) error
	completed []func(ctx context.Context) error
	aborted   []func(ctx context.Context)
	disposers []func()

	itemsMu sync.Mutex
	items   map[any]any
}

// NewUnitOfWork creates an active unit of work
func NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{items: make(map[any]any)}
}

// OnCommitted registers a hook run when the unit of work commits.
// Outgoing messages are flushed from here.
func (u *UnitOfWork) OnCommitted(fn func(ctx context.Context) error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.committed = append(u.committed, fn)
}

// OnCompleted registers a hook run after all committed hooks succeeded
func (u *UnitOfWork) OnCompleted(fn func(ctx context.Context) error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.completed = append(u.completed, fn)
}

// OnAborted registers a hook run when the unit of work aborts
func (u *UnitOfWork) OnAborted(fn func(ctx context.Context)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.aborted = append(u.aborted, fn)
}

// OnDisposed registers a hook run once when the unit of work is disposed
func (u *UnitOfWork) OnDisposed(fn func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.disposers = append(u.disposers, fn)
}

// Commit runs the committed hooks and, when they all succeed, the completed hooks
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	switch u.state {
	case uowCommitted:
		u.mu.Unlock()
		return ErrAlreadyCommitted
	case uowAborted:
		u.mu.Unlock()
		return ErrAlreadyAborted
	}
	committed := append([]func(context.Context) error(nil), u.committed...)
	u.mu.Unlock()

	for _, fn := range committed {
		if err := fn(ctx); err != nil {
			u.Abort(ctx)
			return fmt.Errorf("failed to commit unit of work: %w", err)
		}
	}

	u.mu.Lock()
	if u.state != uowActive {
		u.mu.Unlock()
		return ErrAlreadyAborted
	}
	u.state = uowCommitted
	completed := append([]func(context.Context) error(nil), u.completed...)
	u.mu.Unlock()

	var errs []error
	for _, fn := range completed {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Abort runs the aborted hooks. Aborting a finalized unit of work is a no-op.
func (u *UnitOfWork) Abort(ctx context.Context) {
	u.mu.Lock()
	if u.state != uowActive {
		u.mu.Unlock()
		return
	}
	u.state = uowAborted
	aborted := slices.Clone(u.aborted)
	u.mu.Unlock()

	for _, fn := range aborted {
		fn(ctx)
	}
}

// Dispose aborts the unit of work if it was neither committed nor aborted
// and runs the disposed hooks once
func (u *UnitOfWork) Dispose() {
	u.Abort(context.Background())

	u.mu.Lock()
	if u.disposed {
		u.mu.Unlock()
		return
	}
	u.disposed = true
	disposers := u.disposers
	u.mu.Unlock()

	for _, fn := range disposers {
		fn()
	}
}

// Committed reports whether the unit of work committed successfully
func (u *UnitOfWork) Committed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == uowCommitted
}

// Key identifies a typed state slot in a UnitOfWork.
// Keys with the same name but different types do not collide.
type Key[T any] struct {
	name string
}

// NewKey creates a state key
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// String returns the key name
func (k Key[T]) String() string {
	return k.name
}

// GetOrAdd returns the value stored under key, creating it with create on
// first use. create runs at most once per unit of work and may register hooks.
func GetOrAdd[T any](u *UnitOfWork, key Key[T], create func() T) T {
	u.itemsMu.Lock()
	defer u.itemsMu.Unlock()

	if v, ok := u.items[key]; ok {
		return v.(T)
	}
	v := create()
	u.items[key] = v
	return v
}

// Lookup returns the value stored under key
func Lookup[T any](u *UnitOfWork, key Key[T]) (T, bool) {
	u.itemsMu.Lock()
	defer u.itemsMu.Unlock()

	v, ok := u.items[key]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}
