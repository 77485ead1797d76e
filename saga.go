package cqrs

import (
	"context"
	"fmt"
)

// SagaHandlerFunc reacts to an event, typically by enqueueing commands.
type SagaHandlerFunc func(ctx context.Context, event Event) error

// SagaErrorContext identifies the message whose downstream handling failed.
type SagaErrorContext struct {
	Event   Event
	Command Command
}

// SagaErrorFunc lets a saga compensate for a failed command by enqueueing
// further commands. Returning an error propagates it to the caller.
type SagaErrorFunc func(ctx context.Context, err error, ec SagaErrorContext) error

// Saga is the contract the SagaEventHandler drives.
type Saga interface {
	ID() string
	Version() uint64
	Apply(ctx context.Context, event Event) error
	UncommittedMessages() []Command
	ResetUncommittedMessages()
	OnError(ctx context.Context, err error, ec SagaErrorContext) error
}

// SagaOptions configures NewSagaBase.
type SagaOptions struct {
	// ID is required.
	ID string

	// Events and then History are replayed during construction. Commands they
	// enqueue are dropped, the saga already reacted to them.
	Events  []Event
	History *Iterator[Event]

	// Handlers maps event types to handlers. A key starting with "_" is only used
	// when no handler without the prefix matches.
	Handlers map[string]SagaHandlerFunc

	OnError SagaErrorFunc
}

// SagaBase implements the bookkeeping of an event-sourced process manager.
// It is not safe for concurrent use.
type SagaBase struct {
	id       string
	version  uint64
	messages []Command
	handlers *handlerTable[SagaHandlerFunc]
	onError  SagaErrorFunc
}

// NewSagaBase builds a saga and replays its history.
func NewSagaBase(ctx context.Context, opts SagaOptions) (*SagaBase, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("saga id is required: %w", ErrInvalidArgument)
	}

	s := &SagaBase{
		id:       opts.ID,
		handlers: newHandlerTable(opts.Handlers),
		onError:  opts.OnError,
	}

	for _, e := range opts.Events {
		if err := s.Apply(ctx, e); err != nil {
			return nil, err
		}
	}

	if opts.History != nil {
		defer opts.History.Close()
		for opts.History.Next(ctx) {
			if err := s.Apply(ctx, opts.History.Value()); err != nil {
				return nil, err
			}
		}
		if err := opts.History.Err(); err != nil {
			return nil, fmt.Errorf("restore saga %q: %w", s.id, err)
		}
	}

	s.ResetUncommittedMessages()
	return s, nil
}

func (s *SagaBase) ID() string {
	return s.id
}

func (s *SagaBase) Version() uint64 {
	return s.version
}

// Handles returns the event types the saga has handlers for.
func (s *SagaBase) Handles() []string {
	return s.handlers.types()
}

// Apply runs the handler registered for event.Type and then advances the version by one.
func (s *SagaBase) Apply(ctx context.Context, event Event) error {
	if event.Type == "" {
		return fmt.Errorf("event.type: %w", ErrInvalidArgument)
	}
	handler, ok := s.handlers.lookup(event.Type)
	if !ok {
		return MissingHandlerError{MessageType: event.Type}
	}
	if err := handler(WithEvent(ctx, event), event); err != nil {
		return err
	}
	s.version++
	return nil
}

// Enqueue appends a command for aggregateID to the outgoing queue.
func (s *SagaBase) Enqueue(commandType, aggregateID string, payload any) {
	s.EnqueueRaw(Command{Type: commandType, AggregateID: aggregateID, Payload: payload})
}

// EnqueueRaw appends a pre-built command, stamped with the saga identity and version.
func (s *SagaBase) EnqueueRaw(cmd Command) {
	cmd.SagaID = s.id
	cmd.SagaVersion = Version(s.version)
	s.messages = append(s.messages, cmd)
}

// UncommittedMessages returns the queued commands in order.
func (s *SagaBase) UncommittedMessages() []Command {
	out := make([]Command, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *SagaBase) ResetUncommittedMessages() {
	s.messages = nil
}

// OnError hands err to the compensation callback, or returns it when there is none.
func (s *SagaBase) OnError(ctx context.Context, err error, ec SagaErrorContext) error {
	if s.onError == nil {
		return err
	}
	return s.onError(ctx, err, ec)
}
