package cqrs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cqrs "github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/fixtures"
)

func orderPlaced(sagaID string) cqrs.Event {
	return fixtures.NewTestEvent().
		WithID("event-1").
		WithType(fixtures.OrderPlaced).
		ForAggregate("order-1", 0).
		InSaga(sagaID, 0).
		WithPayload(fixtures.OrderPlacedPayload{SKU: "sku-1"}).
		Build()
}

func stockReserved(sagaID string) cqrs.Event {
	return fixtures.NewTestEvent().
		WithID("event-2").
		WithType(fixtures.StockReserved).
		ForAggregate("order-1", 1).
		InSaga(sagaID, 1).
		Build()
}

func TestNewSagaBase_RequiresID(t *testing.T) {
	_, err := cqrs.NewSagaBase(t.Context(), cqrs.SagaOptions{})
	assert.ErrorIs(t, err, cqrs.ErrInvalidArgument)
}

func TestSaga_ApplyEnqueuesStampedCommands(t *testing.T) {
	s, err := fixtures.NewOrderSaga(t.Context(), "saga-1", nil)
	require.NoError(t, err)

	require.NoError(t, s.Apply(t.Context(), orderPlaced("saga-1")))
	assert.Equal(t, uint64(1), s.Version())

	msgs := s.UncommittedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, fixtures.ReserveStock, msgs[0].Type)
	assert.Equal(t, "sku-1", msgs[0].AggregateID)
	assert.Equal(t, "saga-1", msgs[0].SagaID)
	assert.Equal(t, uint64(0), *msgs[0].SagaVersion)

	require.NoError(t, s.Apply(t.Context(), stockReserved("saga-1")))
	msgs = s.UncommittedMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(1), *msgs[1].SagaVersion)

	s.ResetUncommittedMessages()
	assert.Empty(t, s.UncommittedMessages())
}

func TestSaga_ApplyUnknownEvent(t *testing.T) {
	s, err := fixtures.NewOrderSaga(t.Context(), "saga-1", nil)
	require.NoError(t, err)

	err = s.Apply(t.Context(), cqrs.Event{Type: "somethingElse", SagaID: "saga-1"})
	assert.ErrorIs(t, err, cqrs.ErrMissingHandler)
	assert.Equal(t, uint64(0), s.Version())

	err = s.Apply(t.Context(), cqrs.Event{SagaID: "saga-1"})
	assert.ErrorIs(t, err, cqrs.ErrInvalidArgument)
}

func TestSaga_ReplayDropsCommands(t *testing.T) {
	history := cqrs.NewSliceIterator([]cqrs.Event{orderPlaced("saga-1")})
	s, err := fixtures.NewOrderSaga(t.Context(), "saga-1", history)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s.Version())
	assert.Empty(t, s.UncommittedMessages())
	assert.Equal(t, []string{fixtures.OrderPlaced}, s.Applied)
}

func TestSagaBase_ReplayOptions(t *testing.T) {
	var seen []string
	handler := func(_ context.Context, e cqrs.Event) error {
		seen = append(seen, e.ID)
		return nil
	}
	s, err := cqrs.NewSagaBase(t.Context(), cqrs.SagaOptions{
		ID:       "saga-1",
		Events:   []cqrs.Event{{ID: "a", Type: "step"}},
		History:  cqrs.NewSliceIterator([]cqrs.Event{{ID: "b", Type: "step"}, {ID: "c", Type: "step"}}),
		Handlers: map[string]cqrs.SagaHandlerFunc{"step": handler},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, uint64(3), s.Version())
	assert.Equal(t, []string{"step"}, s.Handles())
}

func TestSagaBase_HandlesKeepsRegisteredNames(t *testing.T) {
	var seen []string
	handler := func(_ context.Context, e cqrs.Event) error {
		seen = append(seen, e.Type)
		return nil
	}
	s, err := cqrs.NewSagaBase(t.Context(), cqrs.SagaOptions{
		ID: "saga-1",
		Handlers: map[string]cqrs.SagaHandlerFunc{
			"stock.reserved": handler,
			"_order_placed":  handler,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"order_placed", "stock.reserved"}, s.Handles())

	require.NoError(t, s.Apply(t.Context(), cqrs.Event{ID: "e-1", Type: "stock.reserved"}))
	assert.Equal(t, []string{"stock.reserved"}, seen)
}

func TestSaga_HandlerContextCarriesEvent(t *testing.T) {
	var causation string
	s, err := cqrs.NewSagaBase(t.Context(), cqrs.SagaOptions{
		ID: "saga-1",
		Handlers: map[string]cqrs.SagaHandlerFunc{
			"step": func(ctx context.Context, _ cqrs.Event) error {
				causation = cqrs.CausationFromContext(ctx)
				return nil
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Apply(t.Context(), cqrs.Event{ID: "event-9", Type: "step"}))
	assert.Equal(t, "event-9", causation)
}

func TestSaga_OnError(t *testing.T) {
	boom := errors.New("out of stock")

	plain, err := cqrs.NewSagaBase(t.Context(), cqrs.SagaOptions{ID: "saga-1"})
	require.NoError(t, err)
	assert.ErrorIs(t, plain.OnError(t.Context(), boom, cqrs.SagaErrorContext{}), boom)

	s, err := fixtures.NewOrderSaga(t.Context(), "saga-1", nil)
	require.NoError(t, err)
	ec := cqrs.SagaErrorContext{Event: orderPlaced("saga-1"), Command: cqrs.Command{Type: fixtures.ReserveStock}}
	require.NoError(t, s.OnError(t.Context(), boom, ec))

	msgs := s.UncommittedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, fixtures.CancelOrder, msgs[0].Type)
	assert.Equal(t, "order-1", msgs[0].AggregateID)
	assert.Equal(t, fixtures.CancelOrderPayload{Reason: "out of stock"}, msgs[0].Payload)
}
