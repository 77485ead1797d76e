package cqrs

import "context"

// AggregateEventsOptions narrows GetAggregateEvents.
type AggregateEventsOptions struct {
	// Snapshot, when set, restricts the result to events committed after the
	// aggregate version the snapshot was captured at.
	Snapshot *Event
}

// SagaEventsOptions narrows GetSagaEvents.
type SagaEventsOptions struct {
	// BeforeEvent is required. Only events of the saga committed before it are returned.
	BeforeEvent *Event
}

// EventFilter narrows GetEvents. Both bounds are exclusive and compare commit order.
type EventFilter struct {
	AfterEvent  *Event
	BeforeEvent *Event
}

// EventStorage is the durable, append-only event log.
//
// Implementations must reject a commit containing an aggregate version that is
// already taken with a *ConcurrencyError. Every returned Iterator is lazy and
// finite; each call starts a fresh sequence.
type EventStorage interface {
	GetNewID(ctx context.Context) (string, error)
	CommitEvents(ctx context.Context, events EventSet) (EventSet, error)
	GetAggregateEvents(ctx context.Context, aggregateID string, opts AggregateEventsOptions) (*Iterator[Event], error)
	GetSagaEvents(ctx context.Context, sagaID string, opts SagaEventsOptions) (*Iterator[Event], error)
	GetEvents(ctx context.Context, eventTypes []string, filter EventFilter) (*Iterator[Event], error)
}

// SnapshotStorage keeps the latest snapshot of each aggregate.
type SnapshotStorage interface {
	// GetAggregateSnapshot returns nil without error when no snapshot exists.
	GetAggregateSnapshot(ctx context.Context, aggregateID string) (*Event, error)
	SaveAggregateSnapshot(ctx context.Context, snapshot Event) error
}
