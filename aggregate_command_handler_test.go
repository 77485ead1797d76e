package cqrs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cqrs "github.com/terraskye/cqrs"
	membus "github.com/terraskye/cqrs/eventbus/memory"
	memstore "github.com/terraskye/cqrs/eventstore/memory"
	"github.com/terraskye/cqrs/fixtures"
)

func quickRetries(n uint64) cqrs.CommandHandlerOption {
	return cqrs.WithRetryStrategy(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), n)
	})
}

type counterSetup struct {
	storage *fixtures.StorageSpy
	bus     *fixtures.EventBusSpy
	store   *cqrs.EventStore
	factory *fixtures.CounterFactory
	handler *cqrs.AggregateCommandHandler
}

func newCounterSetup(t *testing.T, opts ...cqrs.CommandHandlerOption) *counterSetup {
	t.Helper()
	s := &counterSetup{
		storage: fixtures.NewStorageSpy(),
		bus:     fixtures.NewEventBusSpy(),
		factory: &fixtures.CounterFactory{},
	}
	s.store = newStore(t, s.storage, s.bus)

	var err error
	s.handler, err = cqrs.NewAggregateCommandHandler(s.store, s.factory.New, fixtures.CounterCommands(), opts...)
	require.NoError(t, err)
	return s
}

func (s *counterSetup) counter(t *testing.T, id string) *fixtures.Counter {
	t.Helper()
	history, err := s.store.GetAggregateEvents(t.Context(), id)
	require.NoError(t, err)
	c, err := fixtures.NewCounter(t.Context(), id, history, nil)
	require.NoError(t, err)
	return c
}

func TestNewAggregateCommandHandler_Validates(t *testing.T) {
	store := newStore(t, memstore.NewStorage(), fixtures.NewEventBusSpy())
	factory := &fixtures.CounterFactory{}

	_, err := cqrs.NewAggregateCommandHandler(nil, factory.New, fixtures.CounterCommands())
	assert.ErrorIs(t, err, cqrs.ErrInvalidArgument)
	_, err = cqrs.NewAggregateCommandHandler(store, nil, fixtures.CounterCommands())
	assert.ErrorIs(t, err, cqrs.ErrInvalidArgument)
	_, err = cqrs.NewAggregateCommandHandler(store, factory.New, nil)
	assert.ErrorIs(t, err, cqrs.ErrInvalidArgument)
}

func TestAggregateCommandHandler_CreatesAggregate(t *testing.T) {
	s := newCounterSetup(t)

	committed, err := s.handler.Execute(t.Context(), fixtures.Increment("", 2))
	require.NoError(t, err)
	require.Len(t, committed, 1)

	e := committed[0]
	assert.NotEmpty(t, e.AggregateID, "a new aggregate gets an id from the store")
	assert.Equal(t, uint64(0), *e.AggregateVersion)
	assert.Equal(t, fixtures.CounterIncremented, e.Type)
	assert.Zero(t, s.storage.AggregateReadCalls, "a new aggregate has no history to load")
	assert.Equal(t, []string{fixtures.CounterIncremented}, s.bus.PublishedTypes())

	assert.Equal(t, 2, s.counter(t, e.AggregateID).State().Value)
}

func TestAggregateCommandHandler_LoadsHistory(t *testing.T) {
	s := newCounterSetup(t)
	_, err := s.store.Commit(t.Context(), cqrs.EventSet{
		fixtures.Incremented("counter-1", 0, 3),
		fixtures.Incremented("counter-1", 1, 4),
	})
	require.NoError(t, err)

	committed, err := s.handler.Execute(t.Context(), fixtures.Increment("counter-1", 1))
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, uint64(2), *committed[0].AggregateVersion)
	assert.Equal(t, 8, s.counter(t, "counter-1").State().Value)

	_, err = s.handler.Execute(t.Context(), fixtures.Increment("counter-1", 5))
	assert.ErrorIs(t, err, fixtures.ErrCounterLimit)
}

func TestAggregateCommandHandler_DomainErrorsAreNotRetried(t *testing.T) {
	s := newCounterSetup(t, quickRetries(5))

	_, err := s.handler.Execute(t.Context(), fixtures.Increment("counter-1", fixtures.CounterLimit+1))
	assert.ErrorIs(t, err, fixtures.ErrCounterLimit)
	assert.Equal(t, 1, s.factory.Built)
	assert.Zero(t, s.storage.CommitCalls)
}

func TestAggregateCommandHandler_RetriesConflicts(t *testing.T) {
	logger := &fixtures.LoggerSpy{}
	s := newCounterSetup(t, quickRetries(5), cqrs.WithCommandHandlerLogger(logger))
	s.storage.ConflictTimes(2)

	committed, err := s.handler.Execute(t.Context(), fixtures.Increment("counter-1", 1))
	require.NoError(t, err)
	require.Len(t, committed, 1)

	assert.Equal(t, 3, s.storage.CommitCalls)
	assert.Equal(t, 3, s.storage.AggregateReadCalls, "every attempt reloads the aggregate")
	assert.Equal(t, 3, s.factory.Built)

	entry, ok := logger.Find("concurrency conflict, retrying")
	require.True(t, ok)
	assert.Equal(t, "counter-1", entry.Meta["aggregateId"])
}

func TestAggregateCommandHandler_NewAggregateReloadsAfterConflict(t *testing.T) {
	s := newCounterSetup(t, quickRetries(5))
	s.storage.ConflictTimes(1)

	_, err := s.handler.Execute(t.Context(), fixtures.Increment("", 1))
	require.NoError(t, err)
	assert.Equal(t, 2, s.storage.CommitCalls)
	assert.Equal(t, 1, s.storage.AggregateReadCalls, "only the retry loads history")
}

func TestAggregateCommandHandler_GivesUp(t *testing.T) {
	s := newCounterSetup(t, quickRetries(2))
	s.storage.ConflictTimes(10)

	_, err := s.handler.Execute(t.Context(), fixtures.Increment("counter-1", 1))
	assert.ErrorIs(t, err, cqrs.ErrConcurrency)
	assert.Equal(t, 3, s.storage.CommitCalls)

	var conflict *cqrs.ConcurrencyError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "counter-1", conflict.AggregateID)
}

func TestAggregateCommandHandler_StorageFailure(t *testing.T) {
	boom := errors.New("connection reset")
	s := newCounterSetup(t, quickRetries(5))
	s.storage.FailOnCommit(boom)

	_, err := s.handler.Execute(t.Context(), fixtures.Increment("counter-1", 1))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, s.storage.CommitCalls)
}

func TestAggregateCommandHandler_MissingHandler(t *testing.T) {
	s := newCounterSetup(t)

	_, err := s.handler.Execute(t.Context(), fixtures.NewTestCommand().WithType("decrement").WithAggregateID("counter-1").Build())
	assert.ErrorIs(t, err, cqrs.ErrMissingHandler)

	_, err = s.handler.Execute(t.Context(), cqrs.Command{})
	assert.ErrorIs(t, err, cqrs.ErrInvalidArgument)
}

func TestAggregateCommandHandler_NoEventsNoCommit(t *testing.T) {
	s := newCounterSetup(t)

	committed, err := s.handler.Execute(t.Context(), fixtures.NewTestCommand().WithType(fixtures.CounterTouch).WithAggregateID("counter-1").Build())
	require.NoError(t, err)
	assert.Empty(t, committed)
	assert.Zero(t, s.storage.CommitCalls)
	assert.Zero(t, s.bus.EventCount())
}

func TestAggregateCommandHandler_SerialisesPerAggregate(t *testing.T) {
	s := newCounterSetup(t, quickRetries(0))

	var wg sync.WaitGroup
	errs := make(chan error, fixtures.CounterLimit)
	for i := 0; i < fixtures.CounterLimit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.handler.Execute(context.Background(), fixtures.Increment("counter-1", 1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	c := s.counter(t, "counter-1")
	assert.Equal(t, fixtures.CounterLimit, c.State().Value)
	assert.Equal(t, uint64(fixtures.CounterLimit), c.Version())
}

func TestAggregateCommandHandler_SnapshotPolicy(t *testing.T) {
	s := newCounterSetup(t)
	s.factory.Policy = cqrs.SnapshotEvery(2)

	for i := 0; i < 2; i++ {
		committed, err := s.handler.Execute(t.Context(), fixtures.Increment("counter-1", 2))
		require.NoError(t, err)
		assert.Len(t, committed, 1, "the snapshot is not part of the committed events")
	}
	assert.Equal(t, 1, s.storage.SaveSnapshotCalls)

	snap, err := s.storage.GetAggregateSnapshot(t.Context(), "counter-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(2), *snap.AggregateVersion)

	_, err = s.handler.Execute(t.Context(), fixtures.Increment("counter-1", 1))
	require.NoError(t, err)
	c := s.counter(t, "counter-1")
	assert.Equal(t, 5, c.State().Value)
	require.NotNil(t, c.SnapshotVersion())
	assert.Equal(t, uint64(2), *c.SnapshotVersion())
}

func TestAggregateCommandHandler_Subscribe(t *testing.T) {
	s := newCounterSetup(t)
	bus := membus.NewBus()

	off, err := s.handler.Subscribe(bus)
	require.NoError(t, err)

	require.NoError(t, bus.Send(t.Context(), fixtures.Increment("counter-1", 4)))
	assert.Equal(t, 4, s.counter(t, "counter-1").State().Value)

	err = bus.Send(t.Context(), fixtures.Increment("counter-1", 20))
	assert.ErrorIs(t, err, fixtures.ErrCounterLimit)

	off()
	err = bus.Send(t.Context(), fixtures.Increment("counter-1", 1))
	assert.ErrorIs(t, err, cqrs.ErrMissingHandler)
}
