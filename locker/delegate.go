package locker

import (
	"context"
	"fmt"
	"sync"

	"github.com/terraskye/cqrs/lock"
)

var _ lock.Delegate = (*MutexDelegate)(nil)

// MutexDelegate extends a lock.Mutex across processes: each lock name is a
// lease keyed under Options.ProjectionName. Only equal names exclude each
// other remotely; the global lock stays process-local.
type MutexDelegate struct {
	backend Backend
	opts    Options

	mu      sync.Mutex
	lockers map[string]*ViewLocker
}

// NewMutexDelegate creates a MutexDelegate. ProjectionName serves as the
// namespace of the lock names.
func NewMutexDelegate(backend Backend, opts Options) (*MutexDelegate, error) {
	if _, err := NewViewLocker(backend, opts); err != nil {
		return nil, err
	}
	return &MutexDelegate{backend: backend, opts: opts, lockers: make(map[string]*ViewLocker)}, nil
}

func (d *MutexDelegate) Acquire(ctx context.Context, name string) error {
	l, err := d.locker(name)
	if err != nil {
		return err
	}
	return l.Lock(ctx)
}

func (d *MutexDelegate) Release(ctx context.Context, name string) error {
	d.mu.Lock()
	l, ok := d.lockers[name]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("release %q: %w", name, lock.ErrNotHeld)
	}
	return l.Unlock(ctx)
}

func (d *MutexDelegate) locker(name string) (*ViewLocker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.lockers[name]; ok {
		return l, nil
	}
	opts := d.opts
	opts.ProjectionName = d.opts.ProjectionName + "/" + name
	l, err := NewViewLocker(d.backend, opts)
	if err != nil {
		return nil, err
	}
	d.lockers[name] = l
	return l, nil
}
