package cqrs

import (
	"context"
	"fmt"
	"sync"
)

// EventStoreOption configures an EventStore.
type EventStoreOption func(*EventStore)

// WithSnapshotStorage sets where aggregate snapshots are kept. Without it the
// event storage is used when it implements SnapshotStorage.
func WithSnapshotStorage(s SnapshotStorage) EventStoreOption {
	return func(es *EventStore) { es.snapshots = s }
}

// WithSagaStarters declares the event types starting a new saga on commit.
func WithSagaStarters(eventTypes ...string) EventStoreOption {
	return func(es *EventStore) {
		for _, t := range eventTypes {
			es.sagaStarters[t] = struct{}{}
		}
	}
}

// WithPublishAsync makes Commit return once events are persisted, publishing
// them in the background. Publish failures are then only logged.
func WithPublishAsync(async bool) EventStoreOption {
	return func(es *EventStore) { es.publishAsync = async }
}

// WithEventDispatcher sets the dispatcher committed events are published through.
func WithEventDispatcher(d *EventDispatcher) EventStoreOption {
	return func(es *EventStore) { es.dispatcher = d }
}

// WithEventStoreLogger sets the logger.
func WithEventStoreLogger(l Logger) EventStoreOption {
	return func(es *EventStore) { es.logger = ScopeLogger(l, "EventStore") }
}

// EventStore combines durable event storage with publishing.
type EventStore struct {
	storage      EventStorage
	snapshots    SnapshotStorage
	bus          EventBus
	dispatcher   *EventDispatcher
	sagaStarters map[string]struct{}
	publishAsync bool
	logger       Logger
}

// NewEventStore creates an EventStore persisting to storage and publishing to bus.
func NewEventStore(storage EventStorage, bus EventBus, opts ...EventStoreOption) (*EventStore, error) {
	if storage == nil {
		return nil, fmt.Errorf("event storage is required: %w", ErrInvalidArgument)
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required: %w", ErrInvalidArgument)
	}

	es := &EventStore{
		storage:      storage,
		bus:          bus,
		sagaStarters: make(map[string]struct{}),
		logger:       nopLogger{},
	}
	for _, opt := range opts {
		opt(es)
	}
	if es.snapshots == nil {
		if s, ok := storage.(SnapshotStorage); ok {
			es.snapshots = s
		}
	}
	if es.dispatcher == nil {
		es.dispatcher = NewEventDispatcher(bus, WithDispatcherLogger(es.logger))
	}
	return es, nil
}

// SnapshotsSupported reports whether a snapshot storage is configured.
func (es *EventStore) SnapshotsSupported() bool {
	return es.snapshots != nil
}

// Dispatcher returns the dispatcher committed events are published through.
func (es *EventStore) Dispatcher() *EventDispatcher {
	return es.dispatcher
}

// GetNewID returns a new identifier from the storage.
func (es *EventStore) GetNewID(ctx context.Context) (string, error) {
	id, err := es.storage.GetNewID(ctx)
	return id, WrapEventStoreError("get new id", err)
}

// Commit validates and persists events and publishes them.
//
// Events of a saga-starter type are assigned a new saga id at version 0. A
// single snapshot event may be part of the set; it goes to the snapshot
// storage and is neither returned nor published.
//
// The events are persisted first and the snapshot only afterwards, so a
// snapshot is kept only once the events passed the version check. This costs
// one extra round trip to storage. A failed snapshot save after the events
// were stored is logged, not returned.
func (es *EventStore) Commit(ctx context.Context, events EventSet) (EventSet, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("commit: events must not be empty: %w", ErrInvalidArgument)
	}

	augmented, err := es.startSagas(ctx, events)
	if err != nil {
		return nil, err
	}

	var snapshot *Event
	regular := make(EventSet, 0, len(augmented))
	for i := range augmented {
		if !augmented[i].IsSnapshot() {
			regular = append(regular, augmented[i])
			continue
		}
		if snapshot != nil {
			return nil, ErrMultipleSnapshots
		}
		snapshot = &augmented[i]
	}
	if snapshot != nil && es.snapshots == nil {
		return nil, ErrSnapshotsNotSupported
	}
	for _, e := range regular {
		if err := ValidateEvent(e); err != nil {
			return nil, err
		}
	}

	// The snapshot describes the state after the events, so it is only kept
	// once they won the version race.
	var persisted EventSet
	if len(regular) > 0 {
		persisted, err = es.storage.CommitEvents(ctx, regular)
		if err != nil {
			return nil, WrapEventStoreError("commit events", err)
		}
	}
	if snapshot != nil {
		if err := es.snapshots.SaveAggregateSnapshot(ctx, *snapshot); err != nil {
			if len(persisted) == 0 {
				return nil, WrapEventStoreError("save snapshot", err)
			}
			es.logger.Log(LevelWarn, "snapshot not saved", map[string]any{
				"aggregateId": snapshot.AggregateID,
				"error":       err.Error(),
			})
		}
	}

	if len(persisted) == 0 {
		return persisted, nil
	}

	if es.publishAsync {
		bg := context.WithoutCancel(ctx)
		go func() {
			if _, err := es.dispatcher.Dispatch(bg, persisted, nil); err != nil {
				es.logger.Log(LevelError, "publish failed", map[string]any{
					"error":  err.Error(),
					"events": persisted.Types(),
				})
			}
		}()
		return persisted, nil
	}

	if _, err := es.dispatcher.Dispatch(ctx, persisted, nil); err != nil {
		return persisted, fmt.Errorf("publish committed events: %w", err)
	}
	return persisted, nil
}

func (es *EventStore) startSagas(ctx context.Context, events EventSet) (EventSet, error) {
	out := make(EventSet, len(events))
	copy(out, events)
	if len(es.sagaStarters) == 0 {
		return out, nil
	}
	for i := range out {
		if _, ok := es.sagaStarters[out[i].Type]; !ok {
			continue
		}
		if out[i].SagaID != "" {
			return nil, fmt.Errorf("event %q: %w", out[i].Type, ErrSagaAlreadyStarted)
		}
		id, err := es.GetNewID(ctx)
		if err != nil {
			return nil, err
		}
		out[i].SagaID = id
		out[i].SagaVersion = Version(0)
	}
	return out, nil
}

// GetAggregateEvents streams the history of an aggregate, starting with its
// latest snapshot when one exists.
func (es *EventStore) GetAggregateEvents(ctx context.Context, aggregateID string) (*Iterator[Event], error) {
	if aggregateID == "" {
		return nil, fmt.Errorf("aggregateId is required: %w", ErrInvalidArgument)
	}

	var snapshot *Event
	if es.snapshots != nil {
		var err error
		snapshot, err = es.snapshots.GetAggregateSnapshot(ctx, aggregateID)
		if err != nil {
			return nil, WrapEventStoreError("get aggregate snapshot", err)
		}
	}

	it, err := es.storage.GetAggregateEvents(ctx, aggregateID, AggregateEventsOptions{Snapshot: snapshot})
	if err != nil {
		return nil, WrapEventStoreError("get aggregate events", err)
	}
	if snapshot != nil {
		return Prepend(*snapshot, it), nil
	}
	return it, nil
}

// GetSagaEvents streams the events of a saga committed before beforeEvent.
func (es *EventStore) GetSagaEvents(ctx context.Context, sagaID string, beforeEvent Event) (*Iterator[Event], error) {
	if sagaID == "" {
		return nil, fmt.Errorf("sagaId is required: %w", ErrInvalidArgument)
	}
	if beforeEvent.ID == "" {
		return nil, fmt.Errorf("beforeEvent.id is required: %w", ErrInvalidArgument)
	}
	it, err := es.storage.GetSagaEvents(ctx, sagaID, SagaEventsOptions{BeforeEvent: &beforeEvent})
	return it, WrapEventStoreError("get saga events", err)
}

// GetEvents streams all events of the given types within filter.
func (es *EventStore) GetEvents(ctx context.Context, eventTypes []string, filter EventFilter) (*Iterator[Event], error) {
	it, err := es.storage.GetEvents(ctx, eventTypes, filter)
	return it, WrapEventStoreError("get events", err)
}

// On subscribes handler to events of eventType.
func (es *EventStore) On(eventType string, handler EventHandlerFunc) (func(), error) {
	return es.bus.Subscribe(eventType, handler)
}

// Queue returns the named competing-consumer queue of the bus.
func (es *EventStore) Queue(name string) (EventBus, error) {
	qp, ok := es.bus.(QueueProvider)
	if !ok {
		return nil, ErrQueuesNotSupported
	}
	return qp.Queue(name), nil
}

// Once subscribes to eventTypes until the first event accepted by filter, which
// is passed to handler and sent on the returned channel. A nil filter accepts
// every event and handler may be nil. The subscription also ends with ctx, in
// which case the channel is closed without a value.
func (es *EventStore) Once(ctx context.Context, eventTypes []string, handler EventHandlerFunc, filter func(Event) bool) (<-chan Event, error) {
	if len(eventTypes) == 0 {
		return nil, fmt.Errorf("once: event types are required: %w", ErrInvalidArgument)
	}

	result := make(chan Event, 1)
	var (
		mu     sync.Mutex
		done   bool
		unsubs []func()
		stop   = make(chan struct{})
	)
	finish := func() {
		for _, off := range unsubs {
			off()
		}
	}

	wrapped := func(ctx context.Context, event Event) error {
		if filter != nil && !filter(event) {
			return nil
		}
		mu.Lock()
		if done {
			mu.Unlock()
			return nil
		}
		done = true
		close(stop)
		mu.Unlock()

		go finish()
		var err error
		if handler != nil {
			err = handler(ctx, event)
		}
		result <- event
		close(result)
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	for _, t := range eventTypes {
		off, err := es.bus.Subscribe(t, wrapped)
		if err != nil {
			finish()
			return nil, err
		}
		unsubs = append(unsubs, off)
	}

	go func() {
		select {
		case <-stop:
			return
		case <-ctx.Done():
		}
		mu.Lock()
		if done {
			mu.Unlock()
			return
		}
		done = true
		mu.Unlock()
		finish()
		close(result)
	}()

	return result, nil
}
