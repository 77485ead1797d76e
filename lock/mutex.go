// Package lock provides a process-local mutex with one global and any number
// of named lineages.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotHeld is returned when releasing a lock nobody acquired.
var ErrNotHeld = errors.New("lock is not held")

// Global is the name of the global lineage.
const Global = ""

// Delegate is an out-of-process lock taken after, and released before, the local one.
type Delegate interface {
	Acquire(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
}

// Mutex serialises holders per name.
//
// Acquisitions of one name are granted in call order, each waiter chaining onto
// the release signal of the previous one. A global acquisition waits for every
// name and blocks every name until released. Acquire and release pairing is a
// calling convention: no ownership token is handed out.
type Mutex struct {
	mu       sync.Mutex
	tails    map[string]chan struct{}
	queues   map[string][]chan struct{}
	delegate Delegate
}

// Option configures a Mutex.
type Option func(*Mutex)

// WithDelegate adds an out-of-process lock.
func WithDelegate(d Delegate) Option {
	return func(m *Mutex) { m.delegate = d }
}

// New creates a Mutex.
func New(opts ...Option) *Mutex {
	m := &Mutex{
		tails:  make(map[string]chan struct{}),
		queues: make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes the global lock.
func (m *Mutex) Acquire(ctx context.Context) error {
	return m.AcquireNamed(ctx, Global)
}

// Release releases the global lock.
func (m *Mutex) Release() error {
	return m.ReleaseNamed(Global)
}

// AcquireNamed waits until no holder of name and no global holder is active.
//
// When ctx ends first the acquisition is abandoned and ctx.Err() returned. The
// abandoned place in line is released as soon as it is reached, so later
// waiters are not stranded.
func (m *Mutex) AcquireNamed(ctx context.Context, name string) error {
	deps := m.enqueue(name)

	for _, dep := range deps {
		select {
		case <-dep:
		case <-ctx.Done():
			go func() {
				for _, d := range deps {
					<-d
				}
				m.releaseLocal(name)
			}()
			return ctx.Err()
		}
	}

	if m.delegate != nil {
		if err := m.delegate.Acquire(ctx, name); err != nil {
			m.releaseLocal(name)
			return fmt.Errorf("acquire %q: %w", name, err)
		}
	}
	return nil
}

// ReleaseNamed releases name and unblocks its next waiter.
func (m *Mutex) ReleaseNamed(name string) error {
	var err error
	if m.delegate != nil {
		err = m.delegate.Release(context.Background(), name)
	}
	if !m.releaseLocal(name) {
		return fmt.Errorf("release %q: %w", name, ErrNotHeld)
	}
	if err != nil {
		return fmt.Errorf("release %q: %w", name, err)
	}
	return nil
}

// RunExclusively holds name while fn runs and releases it even when fn fails or panics.
func (m *Mutex) RunExclusively(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	if err := m.AcquireNamed(ctx, name); err != nil {
		return err
	}
	defer func() {
		if rerr := m.ReleaseNamed(name); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}

// Held reports whether name has a holder or waiters.
func (m *Mutex) Held(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[name]) > 0
}

// enqueue registers a new place in line for name and returns the signals it must wait for.
func (m *Mutex) enqueue(name string) []chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deps []chan struct{}
	if name == Global {
		for _, tail := range m.tails {
			deps = append(deps, tail)
		}
	} else {
		if tail, ok := m.tails[name]; ok {
			deps = append(deps, tail)
		}
		if tail, ok := m.tails[Global]; ok {
			deps = append(deps, tail)
		}
	}

	signal := make(chan struct{})
	m.tails[name] = signal
	m.queues[name] = append(m.queues[name], signal)
	return deps
}

func (m *Mutex) releaseLocal(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.queues[name]
	if len(queue) == 0 {
		return false
	}
	signal := queue[0]
	if len(queue) == 1 {
		delete(m.queues, name)
	} else {
		m.queues[name] = queue[1:]
	}
	if m.tails[name] == signal {
		delete(m.tails, name)
	}
	close(signal)
	return true
}
