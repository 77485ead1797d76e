package cqrs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/terraskye/cqrs/lock"
)

// DefaultMaxRetries bounds how often a command is re-applied after a concurrency conflict.
const DefaultMaxRetries = 5

// AggregateFactory builds an aggregate with the given id from its history.
// history is nil for aggregates that do not exist yet.
type AggregateFactory func(ctx context.Context, id string, history *Iterator[Event]) (Aggregate, error)

// CommandHandlerOption defines a function type that modifies handlerOptions.
// These options are applied when constructing a NewAggregateCommandHandler to customize behavior.
type CommandHandlerOption func(configuration *handlerOptions)

// handlerOptions defines configuration for an AggregateCommandHandler.
type handlerOptions struct {
	// RetryStrategy defines how the handler retries a command after a
	// concurrency conflict. Other errors are never retried.
	RetryStrategy func() backoff.BackOff

	// Mutex serialises commands per aggregate within the process.
	Mutex *lock.Mutex

	Logger Logger
}

// WithRetryStrategy sets the retry strategy applied on concurrency conflicts.
//
// The factory is called once per command, so stateful strategies are not
// shared between executions.
//
// Usage:
//
//	NewAggregateCommandHandler(store, factory, handles, WithRetryStrategy(func() backoff.BackOff {
//	    return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 10)
//	}))
func WithRetryStrategy(strategy func() backoff.BackOff) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.RetryStrategy = strategy }
}

// WithMaxRetries keeps the default exponential backoff with a different bound.
func WithMaxRetries(n uint64) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.RetryStrategy = defaultRetryStrategy(n) }
}

// WithMutex shares a lock between handlers, or adds an out-of-process delegate to it.
func WithMutex(m *lock.Mutex) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.Mutex = m }
}

// WithCommandHandlerLogger sets the logger.
func WithCommandHandlerLogger(l Logger) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.Logger = ScopeLogger(l, "AggregateCommandHandler") }
}

func defaultRetryStrategy(maxRetries uint64) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 5 * time.Millisecond
		b.MaxInterval = 250 * time.Millisecond
		return backoff.WithMaxRetries(b, maxRetries)
	}
}

// AggregateCommandHandler executes commands on aggregates of one type.
type AggregateCommandHandler struct {
	store   *EventStore
	factory AggregateFactory
	handles []string
	cfg     handlerOptions
}

// NewAggregateCommandHandler returns a handler for the given command types.
//
// For every command it performs the following steps:
//  1. Rehydrate the aggregate from its history, or create a new one with an
//     id from the store when the command has no aggregate id.
//  2. Handle the command.
//  3. Commit the resulting events, snapshot included, through the store.
//
// A concurrency conflict restarts from step 1 until the retry strategy gives up.
func NewAggregateCommandHandler(store *EventStore, factory AggregateFactory, handles []string, opts ...CommandHandlerOption) (*AggregateCommandHandler, error) {
	if store == nil {
		return nil, fmt.Errorf("event store is required: %w", ErrInvalidArgument)
	}
	if factory == nil {
		return nil, fmt.Errorf("aggregate factory is required: %w", ErrInvalidArgument)
	}
	if len(handles) == 0 {
		return nil, fmt.Errorf("aggregate must handle at least one command type: %w", ErrInvalidArgument)
	}

	cfg := handlerOptions{
		RetryStrategy: defaultRetryStrategy(DefaultMaxRetries),
		Logger:        nopLogger{},
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Mutex == nil {
		cfg.Mutex = lock.New()
	}

	return &AggregateCommandHandler{
		store:   store,
		factory: factory,
		handles: append([]string(nil), handles...),
		cfg:     cfg,
	}, nil
}

// Handles returns the command types the handler subscribes to.
func (h *AggregateCommandHandler) Handles() []string {
	return append([]string(nil), h.handles...)
}

// Subscribe registers the handler on bus for every command type it handles.
// The returned function removes all registrations.
func (h *AggregateCommandHandler) Subscribe(bus CommandBus) (func(), error) {
	var offs []func()
	off := func() {
		for _, fn := range offs {
			fn()
		}
	}
	for _, t := range h.handles {
		fn, err := bus.OnCommand(t, h.Handle)
		if err != nil {
			off()
			return nil, fmt.Errorf("subscribe to %q: %w", t, err)
		}
		offs = append(offs, fn)
	}
	return off, nil
}

// Handle implements CommandHandlerFunc.
func (h *AggregateCommandHandler) Handle(ctx context.Context, cmd Command) error {
	_, err := h.Execute(ctx, cmd)
	return err
}

// Execute runs cmd and returns the committed events.
func (h *AggregateCommandHandler) Execute(ctx context.Context, cmd Command) (EventSet, error) {
	if err := ValidateCommand(cmd); err != nil {
		return nil, err
	}

	id := cmd.AggregateID
	isNew := id == ""
	if isNew {
		var err error
		if id, err = h.store.GetNewID(ctx); err != nil {
			return nil, fmt.Errorf("handle command %q: %w", cmd.Type, err)
		}
	}

	var committed EventSet
	err := h.cfg.Mutex.RunExclusively(ctx, id, func(ctx context.Context) error {
		attempt := 0
		var err error
		committed, err = backoff.RetryWithData(func() (EventSet, error) {
			fresh := isNew && attempt == 0
			attempt++
			return h.attempt(ctx, id, fresh, cmd)
		}, backoff.WithContext(h.cfg.RetryStrategy(), ctx))
		return err
	})
	return committed, err
}

func (h *AggregateCommandHandler) attempt(ctx context.Context, id string, fresh bool, cmd Command) (EventSet, error) {
	var history *Iterator[Event]
	if !fresh {
		var err error
		history, err = h.store.GetAggregateEvents(ctx, id)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("handle command %q for aggregate %q: load failed: %w", cmd.Type, id, err))
		}
		defer history.Close()
	}

	aggregate, err := h.factory(ctx, id, history)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("handle command %q for aggregate %q: restore failed: %w", cmd.Type, id, err))
	}

	events, err := aggregate.Handle(ctx, cmd)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	committed, err := h.store.Commit(ctx, events)
	if err != nil {
		if errors.Is(err, ErrConcurrency) {
			h.cfg.Logger.Log(LevelDebug, "concurrency conflict, retrying", map[string]any{
				"aggregateId": id,
				"command":     cmd.Type,
				"version":     aggregate.Version(),
			})
			return nil, err
		}
		return committed, backoff.Permanent(fmt.Errorf("handle command %q for aggregate %q: %w", cmd.Type, id, err))
	}
	return committed, nil
}
