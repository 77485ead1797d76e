package cqrs

import (
	"context"
	"errors"
	"fmt"
)

// ErrLockIntegrity is returned when finalizing an event claim that does not
// exist or was already finalized. It is never retried.
var ErrLockIntegrity = errors.New("event lock integrity violation")

// ViewLocker is a lease over a view shared by several processes. The holder
// restores the view while the other processes wait.
type ViewLocker interface {
	// Lock blocks until the lease is acquired and marks the view not ready.
	Lock(ctx context.Context) error

	// Unlock releases the lease and marks the view ready.
	Unlock(ctx context.Context) error

	// Ready reports whether the view was restored and is not locked.
	Ready() bool

	// WaitReady blocks until the view is ready.
	WaitReady(ctx context.Context) error

	// LastEventID returns the id of the last event fully applied to the view,
	// "" when none was.
	LastEventID(ctx context.Context) (string, error)
}

// EventLocker guarantees each event is applied to a view once.
type EventLocker interface {
	// TryMarkAsProjecting claims event. It returns false when the event was
	// already projected or another process holds an unexpired claim.
	TryMarkAsProjecting(ctx context.Context, event Event) (bool, error)

	// MarkAsProjected finalizes the claim and records event as the view's last
	// applied event. It fails with ErrLockIntegrity if there is no open claim.
	MarkAsProjected(ctx context.Context, event Event) error
}

// ProjectionHandlerFunc applies an event to a view.
type ProjectionHandlerFunc func(ctx context.Context, event Event) error

// ProjectionOptions configures NewProjection.
type ProjectionOptions struct {
	// Handlers maps event types to handlers, with the same key rules as aggregate handlers.
	Handlers map[string]ProjectionHandlerFunc

	// ViewLocker and EventLocker are optional. Without them the projection
	// assumes it is the only one maintaining its view.
	ViewLocker  ViewLocker
	EventLocker EventLocker

	Logger Logger
}

// Projection maintains a view from the events of the types it handles.
type Projection struct {
	handlers    *handlerTable[ProjectionHandlerFunc]
	viewLocker  ViewLocker
	eventLocker EventLocker
	logger      Logger
}

// NewProjection creates a Projection.
func NewProjection(opts ProjectionOptions) (*Projection, error) {
	if len(opts.Handlers) == 0 {
		return nil, fmt.Errorf("projection must handle at least one event type: %w", ErrInvalidArgument)
	}
	return &Projection{
		handlers:    newHandlerTable(opts.Handlers),
		viewLocker:  opts.ViewLocker,
		eventLocker: opts.EventLocker,
		logger:      ScopeLogger(opts.Logger, "Projection"),
	}, nil
}

// Handles returns the event types the projection handles.
func (p *Projection) Handles() []string {
	return p.handlers.types()
}

// Subscribe subscribes to the handled event types and restores the view.
func (p *Projection) Subscribe(ctx context.Context, store *EventStore) (func(), error) {
	var offs []func()
	off := func() {
		for _, fn := range offs {
			fn()
		}
	}
	for _, t := range p.Handles() {
		fn, err := store.On(t, p.Project)
		if err != nil {
			off()
			return nil, fmt.Errorf("subscribe to %q: %w", t, err)
		}
		offs = append(offs, fn)
	}
	if err := p.Restore(ctx, store); err != nil {
		off()
		return nil, err
	}
	return off, nil
}

// Restore takes the view lease, applies the events committed after the view's
// last applied event and releases the lease.
func (p *Projection) Restore(ctx context.Context, store *EventStore) (err error) {
	var filter EventFilter
	if p.viewLocker != nil {
		if err := p.viewLocker.Lock(ctx); err != nil {
			return fmt.Errorf("restore: lock view: %w", err)
		}
		defer func() {
			if uerr := p.viewLocker.Unlock(context.WithoutCancel(ctx)); uerr != nil && err == nil {
				err = fmt.Errorf("restore: unlock view: %w", uerr)
			}
		}()

		last, err := p.viewLocker.LastEventID(ctx)
		if err != nil {
			return fmt.Errorf("restore: read last event: %w", err)
		}
		if last != "" {
			filter.AfterEvent = &Event{ID: last}
		}
	}

	it, err := store.GetEvents(ctx, p.Handles(), filter)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	defer it.Close()

	count := 0
	for it.Next(ctx) {
		if err := p.project(ctx, it.Value()); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		count++
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	p.logger.Log(LevelInfo, "view restored", map[string]any{"events": count})
	return nil
}

// Project applies a live event once the view is ready.
func (p *Projection) Project(ctx context.Context, event Event) error {
	if p.viewLocker != nil && !p.viewLocker.Ready() {
		p.logger.Log(LevelDebug, "view not ready, waiting", map[string]any{"eventType": event.Type})
		if err := p.viewLocker.WaitReady(ctx); err != nil {
			return err
		}
	}
	return p.project(ctx, event)
}

func (p *Projection) project(ctx context.Context, event Event) error {
	handler, ok := p.handlers.lookup(event.Type)
	if !ok {
		return MissingHandlerError{MessageType: event.Type}
	}

	if p.eventLocker != nil {
		claimed, err := p.eventLocker.TryMarkAsProjecting(ctx, event)
		if err != nil {
			return fmt.Errorf("claim event %q: %w", event.ID, err)
		}
		if !claimed {
			p.logger.Log(LevelDebug, "event already projected, skipping", map[string]any{
				"eventId":   event.ID,
				"eventType": event.Type,
			})
			return nil
		}
	}

	if err := handler(WithEvent(ctx, event), event); err != nil {
		return fmt.Errorf("project %q: %w", event.Type, err)
	}

	if p.eventLocker != nil {
		if err := p.eventLocker.MarkAsProjected(ctx, event); err != nil {
			return fmt.Errorf("finalize event %q: %w", event.ID, err)
		}
	}
	return nil
}
