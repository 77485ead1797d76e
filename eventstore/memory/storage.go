// Package memory implements event and snapshot storage in process memory.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	cqrs "github.com/terraskye/cqrs"
)

var (
	_ cqrs.EventStorage    = (*Storage)(nil)
	_ cqrs.SnapshotStorage = (*Storage)(nil)
)

// Storage keeps the event log in commit order. Event ids are ULIDs assigned
// on commit; aggregate and saga ids are random UUIDs.
type Storage struct {
	mu         sync.RWMutex
	log        []cqrs.Event
	positions  map[string]int
	versions   map[string]map[uint64]struct{}
	aggregates map[string][]int
	sagas      map[string][]int
	snapshots  map[string]cqrs.Event
}

// NewStorage creates an empty Storage.
func NewStorage() *Storage {
	return &Storage{
		positions:  make(map[string]int),
		versions:   make(map[string]map[uint64]struct{}),
		aggregates: make(map[string][]int),
		sagas:      make(map[string][]int),
		snapshots:  make(map[string]cqrs.Event),
	}
}

func (s *Storage) GetNewID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

// CommitEvents appends events atomically. The whole batch is rejected with a
// *cqrs.ConcurrencyError when one of its aggregate versions is already taken.
func (s *Storage) CommitEvents(ctx context.Context, events cqrs.EventSet) (cqrs.EventSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[string]map[uint64]struct{})
	for _, e := range events {
		if e.ID != "" {
			if _, exists := s.positions[e.ID]; exists {
				return nil, fmt.Errorf("event id %q already committed: %w", e.ID, cqrs.ErrInvalidArgument)
			}
		}
		if e.AggregateID == "" || e.AggregateVersion == nil {
			continue
		}
		v := *e.AggregateVersion
		_, taken := s.versions[e.AggregateID][v]
		_, inBatch := batch[e.AggregateID][v]
		if taken || inBatch {
			return nil, &cqrs.ConcurrencyError{AggregateID: e.AggregateID, Version: v}
		}
		if batch[e.AggregateID] == nil {
			batch[e.AggregateID] = make(map[uint64]struct{})
		}
		batch[e.AggregateID][v] = struct{}{}
	}

	persisted := make(cqrs.EventSet, len(events))
	for i, e := range events {
		if e.ID == "" {
			e.ID = ulid.Make().String()
		}
		pos := len(s.log)
		s.log = append(s.log, e)
		s.positions[e.ID] = pos
		if e.AggregateID != "" {
			s.aggregates[e.AggregateID] = append(s.aggregates[e.AggregateID], pos)
			if e.AggregateVersion != nil {
				if s.versions[e.AggregateID] == nil {
					s.versions[e.AggregateID] = make(map[uint64]struct{})
				}
				s.versions[e.AggregateID][*e.AggregateVersion] = struct{}{}
			}
		}
		if e.SagaID != "" {
			s.sagas[e.SagaID] = append(s.sagas[e.SagaID], pos)
		}
		persisted[i] = e
	}
	return persisted, nil
}

// GetAggregateEvents returns the events of the aggregate in commit order,
// skipping those covered by opts.Snapshot.
func (s *Storage) GetAggregateEvents(ctx context.Context, aggregateID string, opts cqrs.AggregateEventsOptions) (*cqrs.Iterator[cqrs.Event], error) {
	var after *uint64
	if opts.Snapshot != nil {
		after = opts.Snapshot.AggregateVersion
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []cqrs.Event
	for _, pos := range s.aggregates[aggregateID] {
		e := s.log[pos]
		if after != nil && e.AggregateVersion != nil && *e.AggregateVersion <= *after {
			continue
		}
		out = append(out, e)
	}
	return cqrs.NewSliceIterator(out), nil
}

// GetSagaEvents returns the events of the saga committed before opts.BeforeEvent.
func (s *Storage) GetSagaEvents(ctx context.Context, sagaID string, opts cqrs.SagaEventsOptions) (*cqrs.Iterator[cqrs.Event], error) {
	if opts.BeforeEvent == nil {
		return nil, fmt.Errorf("beforeEvent is required: %w", cqrs.ErrInvalidArgument)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	before, err := s.position(opts.BeforeEvent)
	if err != nil {
		return nil, err
	}

	var out []cqrs.Event
	for _, pos := range s.sagas[sagaID] {
		if pos >= before {
			break
		}
		out = append(out, s.log[pos])
	}
	return cqrs.NewSliceIterator(out), nil
}

// GetEvents returns the events of the given types, all types when none are
// given, strictly between the filter bounds.
func (s *Storage) GetEvents(ctx context.Context, eventTypes []string, filter cqrs.EventFilter) (*cqrs.Iterator[cqrs.Event], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, to := 0, len(s.log)
	if filter.AfterEvent != nil {
		pos, err := s.position(filter.AfterEvent)
		if err != nil {
			return nil, err
		}
		from = pos + 1
	}
	if filter.BeforeEvent != nil {
		pos, err := s.position(filter.BeforeEvent)
		if err != nil {
			return nil, err
		}
		to = pos
	}

	types := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}

	var out []cqrs.Event
	for pos := from; pos < to; pos++ {
		e := s.log[pos]
		if len(types) > 0 {
			if _, ok := types[e.Type]; !ok {
				continue
			}
		}
		out = append(out, e)
	}
	return cqrs.NewSliceIterator(out), nil
}

// GetAggregateSnapshot returns the latest snapshot of the aggregate, or nil.
func (s *Storage) GetAggregateSnapshot(ctx context.Context, aggregateID string) (*cqrs.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// SaveAggregateSnapshot replaces the aggregate's snapshot unless a newer one is stored.
func (s *Storage) SaveAggregateSnapshot(ctx context.Context, snapshot cqrs.Event) error {
	if snapshot.AggregateID == "" {
		return fmt.Errorf("snapshot aggregateId is required: %w", cqrs.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.snapshots[snapshot.AggregateID]; ok && newer(prev, snapshot) {
		return nil
	}
	s.snapshots[snapshot.AggregateID] = snapshot
	return nil
}

// Len returns the number of committed events.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

func (s *Storage) position(e *cqrs.Event) (int, error) {
	pos, ok := s.positions[e.ID]
	if !ok {
		return 0, fmt.Errorf("event %q is not in the log: %w", e.ID, cqrs.ErrInvalidArgument)
	}
	return pos, nil
}

func newer(a, b cqrs.Event) bool {
	return a.AggregateVersion != nil && b.AggregateVersion != nil && *a.AggregateVersion > *b.AggregateVersion
}
