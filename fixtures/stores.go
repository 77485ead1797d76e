package fixtures

import (
	"context"
	"sync"

	cqrs "github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/eventstore/memory"
)

var (
	_ cqrs.EventStorage    = (*StorageSpy)(nil)
	_ cqrs.SnapshotStorage = (*StorageSpy)(nil)
)

// StorageSpy wraps an in-memory storage, counting calls and injecting failures.
type StorageSpy struct {
	*memory.Storage

	mu sync.Mutex

	// Function override, called before the wrapped storage
	BeforeCommit func(ctx context.Context, events cqrs.EventSet)

	// Call tracking
	CommitCalls        int
	SaveSnapshotCalls  int
	AggregateReadCalls int

	// Error injection
	conflicts   int
	commitErr   error
	snapshotErr error
}

// NewStorageSpy creates a new StorageSpy over an empty storage.
func NewStorageSpy() *StorageSpy {
	return &StorageSpy{Storage: memory.NewStorage()}
}

// ConflictTimes makes the next n commits fail with a *cqrs.ConcurrencyError.
func (s *StorageSpy) ConflictTimes(n int) *StorageSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
	return s
}

// FailOnCommit configures the storage to return err from CommitEvents.
func (s *StorageSpy) FailOnCommit(err error) *StorageSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
	return s
}

// FailOnSnapshot configures the storage to return err from SaveAggregateSnapshot.
func (s *StorageSpy) FailOnSnapshot(err error) *StorageSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotErr = err
	return s
}

func (s *StorageSpy) CommitEvents(ctx context.Context, events cqrs.EventSet) (cqrs.EventSet, error) {
	s.mu.Lock()
	s.CommitCalls++
	conflict := s.conflicts > 0
	if conflict {
		s.conflicts--
	}
	err := s.commitErr
	s.mu.Unlock()

	if s.BeforeCommit != nil {
		s.BeforeCommit(ctx, events)
	}
	if conflict {
		e := events[0]
		var version uint64
		if e.AggregateVersion != nil {
			version = *e.AggregateVersion
		}
		return nil, &cqrs.ConcurrencyError{AggregateID: e.AggregateID, Version: version}
	}
	if err != nil {
		return nil, err
	}
	return s.Storage.CommitEvents(ctx, events)
}

func (s *StorageSpy) GetAggregateEvents(ctx context.Context, aggregateID string, opts cqrs.AggregateEventsOptions) (*cqrs.Iterator[cqrs.Event], error) {
	s.mu.Lock()
	s.AggregateReadCalls++
	s.mu.Unlock()
	return s.Storage.GetAggregateEvents(ctx, aggregateID, opts)
}

func (s *StorageSpy) SaveAggregateSnapshot(ctx context.Context, snapshot cqrs.Event) error {
	s.mu.Lock()
	s.SaveSnapshotCalls++
	err := s.snapshotErr
	s.mu.Unlock()

	if err != nil {
		return err
	}
	return s.Storage.SaveAggregateSnapshot(ctx, snapshot)
}
