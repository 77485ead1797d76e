package fixtures

import (
	"context"

	cqrs "github.com/terraskye/cqrs"
)

// Order saga message types.
const (
	OrderPlaced   = "orderPlaced"
	StockReserved = "stockReserved"
	OrderShipped  = "orderShipped"
	ReserveStock  = "reserveStock"
	ShipOrder     = "shipOrder"
	CancelOrder   = "cancelOrder"
)

type OrderPlacedPayload struct {
	SKU string `json:"sku"`
}

type CancelOrderPayload struct {
	Reason string `json:"reason"`
}

// OrderSaga reserves stock for a placed order and ships it once reserved. A
// failed command is compensated by cancelling the order.
type OrderSaga struct {
	*cqrs.SagaBase
	// Applied records the event types in the order they were applied, replay included.
	Applied []string
}

// NewOrderSaga restores an OrderSaga from history, which may be nil.
func NewOrderSaga(ctx context.Context, id string, history *cqrs.Iterator[cqrs.Event]) (*OrderSaga, error) {
	s := &OrderSaga{}
	// Handlers enqueue through s, so history is replayed once s.SagaBase is set.
	base, err := cqrs.NewSagaBase(ctx, cqrs.SagaOptions{
		ID: id,
		Handlers: map[string]cqrs.SagaHandlerFunc{
			OrderPlaced: cqrs.React(func(_ context.Context, p OrderPlacedPayload, e cqrs.Event) error {
				s.Applied = append(s.Applied, e.Type)
				s.Enqueue(ReserveStock, p.SKU, nil)
				return nil
			}),
			StockReserved: func(_ context.Context, e cqrs.Event) error {
				s.Applied = append(s.Applied, e.Type)
				s.Enqueue(ShipOrder, "", nil)
				return nil
			},
		},
		OnError: func(_ context.Context, err error, ec cqrs.SagaErrorContext) error {
			s.Enqueue(CancelOrder, ec.Event.AggregateID, CancelOrderPayload{Reason: err.Error()})
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	s.SagaBase = base

	if history != nil {
		defer history.Close()
		for history.Next(ctx) {
			if err := s.Apply(ctx, history.Value()); err != nil {
				return nil, err
			}
		}
		if err := history.Err(); err != nil {
			return nil, err
		}
		s.ResetUncommittedMessages()
	}
	return s, nil
}

// OrderSagaFactory builds OrderSagas and keeps the last one for inspection.
type OrderSagaFactory struct {
	Last *OrderSaga
}

func (f *OrderSagaFactory) New(ctx context.Context, id string, history *cqrs.Iterator[cqrs.Event]) (cqrs.Saga, error) {
	s, err := NewOrderSaga(ctx, id, history)
	if err != nil {
		return nil, err
	}
	f.Last = s
	return s, nil
}
