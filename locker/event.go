package locker

import (
	"context"
	"fmt"

	cqrs "github.com/terraskye/cqrs"
)

var _ cqrs.EventLocker = (*EventLocker)(nil)

// EventLocker claims events of one view before they are applied.
type EventLocker struct {
	backend Backend
	opts    Options
	key     ViewKey
}

// NewEventLocker creates an EventLocker.
func NewEventLocker(backend Backend, opts Options) (*EventLocker, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required: %w", cqrs.ErrInvalidArgument)
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return &EventLocker{backend: backend, opts: opts, key: opts.key()}, nil
}

// TryMarkAsProjecting claims event. It reports false when the event is done or
// claimed by a process within the last EventLockTTL.
func (l *EventLocker) TryMarkAsProjecting(ctx context.Context, event cqrs.Event) (bool, error) {
	if event.ID == "" {
		return false, fmt.Errorf("event %q has no id: %w", event.Type, cqrs.ErrInvalidArgument)
	}
	ok, err := l.backend.ClaimEvent(ctx, l.key, event.ID, l.opts.now(), l.opts.EventLockTTL)
	if err != nil {
		return false, fmt.Errorf("claim event %q for %s: %w", event.ID, l.key, err)
	}
	return ok, nil
}

// MarkAsProjected finalizes the claim and advances the view's last event.
func (l *EventLocker) MarkAsProjected(ctx context.Context, event cqrs.Event) error {
	if event.ID == "" {
		return fmt.Errorf("event %q has no id: %w", event.Type, cqrs.ErrInvalidArgument)
	}
	if err := l.backend.FinalizeEvent(ctx, l.key, event.ID); err != nil {
		return fmt.Errorf("finalize event %q for %s: %w", event.ID, l.key, err)
	}
	return nil
}
