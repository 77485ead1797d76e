package cqrs_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cqrs "github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/eventbus/memory"
	"github.com/terraskye/cqrs/fixtures"
)

type recordingStage struct {
	mu       sync.Mutex
	name     string
	err      error
	reverted []cqrs.DispatchBatch
}

func (s *recordingStage) Process(_ context.Context, batch cqrs.DispatchBatch) (cqrs.DispatchBatch, error) {
	if s.err != nil {
		return batch, s.err
	}
	return batch, nil
}

func (s *recordingStage) Revert(_ context.Context, batch cqrs.DispatchBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverted = append(s.reverted, batch)
	return nil
}

func (s *recordingStage) revertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reverted)
}

func batchEvent(typ string, id string) cqrs.Event {
	return fixtures.NewTestEvent().WithID(id).WithType(typ).Build()
}

func TestDispatcher_PublishesInSubmissionOrder(t *testing.T) {
	bus := memory.NewBus()
	spy := fixtures.NewEventHandlerSpy()
	_, err := bus.Subscribe("tick", spy.Handle)
	require.NoError(t, err)

	// earlier batches take longer, so they would overtake without reordering
	slow := cqrs.PipelineProcessorFunc(func(_ context.Context, batch cqrs.DispatchBatch) (cqrs.DispatchBatch, error) {
		var n int
		fmt.Sscanf(batch.Events[0].ID, "tick-%d", &n)
		time.Sleep(time.Duration(10-n) * 3 * time.Millisecond)
		return batch, nil
	})
	d := cqrs.NewEventDispatcher(bus, cqrs.WithDispatchConcurrency(4), cqrs.WithPipelineProcessors(slow))
	t.Cleanup(func() { _ = d.Close() })

	var results []<-chan cqrs.DispatchResult
	for i := 0; i < 8; i++ {
		results = append(results, d.DispatchAsync(t.Context(), cqrs.EventSet{batchEvent("tick", fmt.Sprintf("tick-%d", i))}, nil))
	}
	for _, r := range results {
		require.NoError(t, (<-r).Err)
	}

	received := spy.Events()
	require.Len(t, received, 8)
	for i, e := range received {
		assert.Equal(t, fmt.Sprintf("tick-%d", i), e.ID)
	}
}

func TestDispatcher_ProcessorsTransformBatches(t *testing.T) {
	bus := fixtures.NewEventBusSpy()
	stamp := cqrs.PipelineProcessorFunc(func(_ context.Context, batch cqrs.DispatchBatch) (cqrs.DispatchBatch, error) {
		out := make(cqrs.EventSet, len(batch.Events))
		for i, e := range batch.Events {
			e.Context = cqrs.Metadata{"stage": batch.Meta["stage"]}
			out[i] = e
		}
		return cqrs.DispatchBatch{Events: out, Meta: batch.Meta}, nil
	})
	d := cqrs.NewEventDispatcher(bus)
	require.NoError(t, d.AddPipelineProcessor(stamp))
	t.Cleanup(func() { _ = d.Close() })

	published, err := d.Dispatch(t.Context(), cqrs.EventSet{batchEvent("a", "1"), batchEvent("b", "2")}, cqrs.Metadata{"stage": "outbox"})
	require.NoError(t, err)
	require.Len(t, published, 2)
	assert.Equal(t, "outbox", published[0].Context["stage"])
	assert.Equal(t, []string{"a", "b"}, bus.PublishedTypes())
	assert.Equal(t, "outbox", bus.Published[1].Context["stage"])
}

func TestDispatcher_FailureRevertsEveryStage(t *testing.T) {
	bus := fixtures.NewEventBusSpy()
	first := &recordingStage{name: "first"}
	boom := errors.New("outbox unavailable")
	second := &recordingStage{name: "second", err: boom}
	logger := &fixtures.LoggerSpy{}

	d := cqrs.NewEventDispatcher(bus, cqrs.WithPipelineProcessors(first, second), cqrs.WithDispatcherLogger(logger))
	t.Cleanup(func() { _ = d.Close() })

	_, err := d.Dispatch(t.Context(), cqrs.EventSet{batchEvent("a", "1")}, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, first.revertCount())
	assert.Equal(t, 1, second.revertCount())
	assert.Zero(t, bus.EventCount())

	// the pipeline keeps working after a failed batch
	second.err = nil
	_, err = d.Dispatch(t.Context(), cqrs.EventSet{batchEvent("a", "2")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.EventCount())
}

func TestDispatcher_RecoversProcessorPanics(t *testing.T) {
	panicking := cqrs.PipelineProcessorFunc(func(context.Context, cqrs.DispatchBatch) (cqrs.DispatchBatch, error) {
		panic("boom")
	})
	d := cqrs.NewEventDispatcher(memory.NewBus(), cqrs.WithPipelineProcessors(panicking))
	t.Cleanup(func() { _ = d.Close() })

	_, err := d.Dispatch(t.Context(), cqrs.EventSet{batchEvent("a", "1")}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in pipeline processor")
}

func TestDispatcher_PublishError(t *testing.T) {
	boom := errors.New("broker down")
	bus := fixtures.NewEventBusSpy().FailOnPublish(boom)
	d := cqrs.NewEventDispatcher(bus)
	t.Cleanup(func() { _ = d.Close() })

	_, err := d.Dispatch(t.Context(), cqrs.EventSet{batchEvent("a", "1")}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestDispatcher_RejectsEmptyBatches(t *testing.T) {
	d := cqrs.NewEventDispatcher(memory.NewBus())
	t.Cleanup(func() { _ = d.Close() })

	_, err := d.Dispatch(t.Context(), nil, nil)
	assert.ErrorIs(t, err, cqrs.ErrInvalidArgument)
}

func TestDispatcher_AddProcessorAfterStart(t *testing.T) {
	d := cqrs.NewEventDispatcher(memory.NewBus())
	t.Cleanup(func() { _ = d.Close() })

	assert.ErrorIs(t, d.AddPipelineProcessor(nil), cqrs.ErrInvalidArgument)

	_, err := d.Dispatch(t.Context(), cqrs.EventSet{batchEvent("a", "1")}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, d.AddPipelineProcessor(&recordingStage{}), cqrs.ErrPipelineStarted)
}

func TestDispatcher_Close(t *testing.T) {
	d := cqrs.NewEventDispatcher(memory.NewBus())

	_, err := d.Dispatch(t.Context(), cqrs.EventSet{batchEvent("a", "1")}, nil)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err = d.Dispatch(t.Context(), cqrs.EventSet{batchEvent("a", "2")}, nil)
	assert.ErrorIs(t, err, cqrs.ErrDispatcherClosed)
}

func TestDispatcher_DispatchFromHandlerDoesNotDeadlock(t *testing.T) {
	bus := memory.NewBus()
	d := cqrs.NewEventDispatcher(bus, cqrs.WithDispatchConcurrency(1))
	t.Cleanup(func() { _ = d.Close() })

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(_ context.Context, e cqrs.Event) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, e.ID)
		return nil
	}
	_, err := bus.Subscribe("second", record)
	require.NoError(t, err)
	_, err = bus.Subscribe("first", func(ctx context.Context, e cqrs.Event) error {
		if err := record(ctx, e); err != nil {
			return err
		}
		_, err := d.Dispatch(ctx, cqrs.EventSet{batchEvent("second", "caused-by-"+e.ID)}, nil)
		return err
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	_, err = d.Dispatch(ctx, cqrs.EventSet{batchEvent("first", "1"), batchEvent("first", "2")}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "caused-by-1", "2", "caused-by-2"}, order)
}
