package cqrs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks a contract violation at the call site. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMissingHandler is matched by every MissingHandlerError.
	ErrMissingHandler = errors.New("handler not found")

	// ErrConcurrency is matched by every ConcurrencyError.
	ErrConcurrency = errors.New("concurrency conflict")

	ErrMultipleSnapshots     = errors.New("cannot commit more than one snapshot event")
	ErrSnapshotsNotSupported = errors.New("snapshot storage is not configured")
	ErrSagaAlreadyStarted    = errors.New("event already belongs to a saga")
	ErrPipelineStarted       = errors.New("pipeline already started")
	ErrDispatcherClosed      = errors.New("dispatcher is closed")
	ErrNoStateToSnapshot     = errors.New("aggregate has no state to snapshot")
	ErrQueuesNotSupported    = errors.New("event bus does not support named queues")
)

// MissingHandlerError is returned when no handler is registered for a message type.
type MissingHandlerError struct {
	MessageType string
}

func (e MissingHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %q", e.MessageType)
}

func (e MissingHandlerError) Is(target error) bool {
	return target == ErrMissingHandler
}

// ConcurrencyError is returned by storage when an aggregate version is already taken.
type ConcurrencyError struct {
	AggregateID string
	Version     uint64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %q: version %d already committed", e.AggregateID, e.Version)
}

func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrency
}

// EventStoreError wraps failures of the underlying storage.
type EventStoreError struct {
	Op  string
	Err error
}

func (e *EventStoreError) Error() string {
	return fmt.Sprintf("eventstore %s: %v", e.Op, e.Err)
}

func (e *EventStoreError) Unwrap() error {
	return e.Err
}

// WrapEventStoreError wraps err for operation op, keeping nil as nil.
func WrapEventStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EventStoreError{Op: op, Err: err}
}
