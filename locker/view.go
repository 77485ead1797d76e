package locker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	cqrs "github.com/terraskye/cqrs"
)

var _ cqrs.ViewLocker = (*ViewLocker)(nil)

// ViewLocker holds the lease of one view on behalf of this process.
//
// The view starts not ready. Lock marks it not ready and Unlock marks it
// ready, so live events wait for a restore in progress.
type ViewLocker struct {
	backend Backend
	opts    Options
	key     ViewKey
	owner   string
	logger  cqrs.Logger

	mu          sync.Mutex
	readyCh     chan struct{}
	ready       bool
	stopRenewal context.CancelFunc
	renewalDone chan struct{}
}

// NewViewLocker creates a ViewLocker with a random owner id.
func NewViewLocker(backend Backend, opts Options) (*ViewLocker, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required: %w", cqrs.ErrInvalidArgument)
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return &ViewLocker{
		backend: backend,
		opts:    opts,
		key:     opts.key(),
		owner:   uuid.NewString(),
		logger:  cqrs.ScopeLogger(opts.Logger, "ViewLocker"),
		readyCh: make(chan struct{}),
	}, nil
}

// Owner returns the id this locker takes the lease under.
func (v *ViewLocker) Owner() string {
	return v.owner
}

// Lock retries every half lease until the lease is acquired or ctx ends, then
// renews it every half lease until Unlock.
func (v *ViewLocker) Lock(ctx context.Context) error {
	v.markNotReady()

	attempt := func() error {
		ok, err := v.backend.AcquireLease(ctx, v.key, v.owner, v.opts.now(), v.opts.ViewLockTTL)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			v.logger.Log(cqrs.LevelDebug, "view lease held elsewhere, waiting", map[string]any{"view": v.key.String()})
			return errLeaseHeld
		}
		return nil
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(v.opts.ViewLockTTL/2), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("lock view %s: %w", v.key, ctxErr)
		}
		return fmt.Errorf("lock view %s: %w", v.key, err)
	}

	v.startRenewal()
	v.logger.Log(cqrs.LevelInfo, "view lease acquired", map[string]any{"view": v.key.String(), "owner": v.owner})
	return nil
}

// Unlock stops renewal, releases the lease and marks the view ready.
func (v *ViewLocker) Unlock(ctx context.Context) error {
	v.stopRenewing()
	err := v.backend.ReleaseLease(ctx, v.key, v.owner)
	v.markReady()
	if err != nil {
		return fmt.Errorf("unlock view %s: %w", v.key, err)
	}
	return nil
}

func (v *ViewLocker) Ready() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ready
}

// WaitReady blocks until the view is ready or ctx ends.
func (v *ViewLocker) WaitReady(ctx context.Context) error {
	v.mu.Lock()
	ch := v.readyCh
	v.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *ViewLocker) LastEventID(ctx context.Context) (string, error) {
	id, err := v.backend.LastEventID(ctx, v.key)
	if err != nil {
		return "", fmt.Errorf("last event of view %s: %w", v.key, err)
	}
	return id, nil
}

func (v *ViewLocker) markNotReady() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ready {
		v.ready = false
		v.readyCh = make(chan struct{})
	}
}

func (v *ViewLocker) markReady() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.ready {
		v.ready = true
		close(v.readyCh)
	}
}

func (v *ViewLocker) startRenewal() {
	v.stopRenewing()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	v.mu.Lock()
	v.stopRenewal = cancel
	v.renewalDone = done
	v.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(v.opts.ViewLockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			ok, err := v.backend.ExtendLease(ctx, v.key, v.owner, v.opts.now(), v.opts.ViewLockTTL)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				v.logger.Log(cqrs.LevelWarn, "view lease renewal failed", map[string]any{
					"view":  v.key.String(),
					"error": err.Error(),
				})
			case !ok:
				v.logger.Log(cqrs.LevelWarn, "view lease lost", map[string]any{"view": v.key.String(), "owner": v.owner})
				return
			}
		}
	}()
}

func (v *ViewLocker) stopRenewing() {
	v.mu.Lock()
	cancel, done := v.stopRenewal, v.renewalDone
	v.stopRenewal, v.renewalDone = nil, nil
	v.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
