package fixtures

import (
	"fmt"

	cqrs "github.com/terraskye/cqrs"
)

// TestEventBuilder provides a fluent API for constructing test events.
type TestEventBuilder struct {
	event cqrs.Event
}

// NewTestEvent creates a new TestEventBuilder with sensible defaults.
func NewTestEvent() *TestEventBuilder {
	return &TestEventBuilder{event: cqrs.Event{
		Type:        "testEvent",
		AggregateID: "aggregate-1",
	}}
}

// WithID sets the event ID.
func (b *TestEventBuilder) WithID(id string) *TestEventBuilder {
	b.event.ID = id
	return b
}

// WithType sets the event type.
func (b *TestEventBuilder) WithType(typ string) *TestEventBuilder {
	b.event.Type = typ
	return b
}

// ForAggregate sets the aggregate identity.
func (b *TestEventBuilder) ForAggregate(id string, version uint64) *TestEventBuilder {
	b.event.AggregateID = id
	b.event.AggregateVersion = cqrs.Version(version)
	return b
}

// InSaga sets the saga identity.
func (b *TestEventBuilder) InSaga(id string, version uint64) *TestEventBuilder {
	b.event.SagaID = id
	b.event.SagaVersion = cqrs.Version(version)
	return b
}

// WithPayload sets the payload.
func (b *TestEventBuilder) WithPayload(payload any) *TestEventBuilder {
	b.event.Payload = payload
	return b
}

// WithContext adds a single metadata entry.
func (b *TestEventBuilder) WithContext(key string, value any) *TestEventBuilder {
	if b.event.Context == nil {
		b.event.Context = cqrs.Metadata{}
	}
	b.event.Context[key] = value
	return b
}

// Build constructs the event.
func (b *TestEventBuilder) Build() cqrs.Event {
	e := b.event
	if b.event.Context != nil {
		e.Context = make(cqrs.Metadata, len(b.event.Context))
		for k, v := range b.event.Context {
			e.Context[k] = v
		}
	}
	return e
}

// BuildN creates n events with consecutive aggregate versions, starting at the
// builder's version, and sequential ids when the builder has one.
func (b *TestEventBuilder) BuildN(n int) cqrs.EventSet {
	var start uint64
	if b.event.AggregateVersion != nil {
		start = *b.event.AggregateVersion
	}
	events := make(cqrs.EventSet, n)
	for i := 0; i < n; i++ {
		e := b.Build()
		e.AggregateVersion = cqrs.Version(start + uint64(i))
		if b.event.ID != "" {
			e.ID = fmt.Sprintf("%s-%d", b.event.ID, i+1)
		}
		events[i] = e
	}
	return events
}

// Incremented builds a counter event at version.
func Incremented(aggregateID string, version uint64, by int) cqrs.Event {
	return NewTestEvent().
		WithType(CounterIncremented).
		ForAggregate(aggregateID, version).
		WithPayload(IncrementedPayload{By: by}).
		Build()
}

// Snapshot builds a counter snapshot at version.
func Snapshot(aggregateID string, version uint64, state CounterState) cqrs.Event {
	return NewTestEvent().
		WithType(cqrs.SnapshotEventType).
		ForAggregate(aggregateID, version).
		WithPayload(state).
		Build()
}
