package fixtures

import (
	"context"
	"errors"

	cqrs "github.com/terraskye/cqrs"
)

// Counter message types.
const (
	CounterIncrement   = "increment"
	CounterReset       = "reset"
	CounterTouch       = "touch"
	CounterIncremented = "incremented"
	CounterWasReset    = "wasReset"
)

// CounterLimit is the highest value a Counter accepts.
const CounterLimit = 10

// ErrCounterLimit is returned by a Counter asked to pass CounterLimit.
var ErrCounterLimit = errors.New("counter limit reached")

type CounterState struct {
	Value int `json:"value"`
}

type IncrementPayload struct {
	By int `json:"by"`
}

type IncrementedPayload struct {
	By int `json:"by"`
}

// Counter is a minimal aggregate: "increment" emits "incremented", "reset"
// emits "wasReset" and "touch" emits nothing.
type Counter struct {
	*cqrs.AggregateBase[CounterState]
}

// NewCounter restores a Counter from history, which may be nil.
func NewCounter(ctx context.Context, id string, history *cqrs.Iterator[cqrs.Event], policy cqrs.SnapshotPolicy) (*Counter, error) {
	c := &Counter{}
	base, err := cqrs.NewAggregateBase(ctx, cqrs.AggregateOptions[CounterState]{
		ID:      id,
		State:   &CounterState{},
		History: history,
		Handlers: map[string]cqrs.AggregateHandlerFunc{
			CounterIncrement: cqrs.Decide(c.increment),
			CounterReset:     c.reset,
			CounterTouch:     func(context.Context, any, cqrs.Metadata) error { return nil },
		},
		Mutators: map[string]cqrs.MutatorFunc[CounterState]{
			CounterIncremented: cqrs.Evolve(func(s *CounterState, p IncrementedPayload) { s.Value += p.By }),
			CounterWasReset:    func(s *CounterState, _ cqrs.Event) error { s.Value = 0; return nil },
		},
		SnapshotPolicy: policy,
	})
	if err != nil {
		return nil, err
	}
	c.AggregateBase = base
	return c, nil
}

func (c *Counter) increment(_ context.Context, p IncrementPayload, _ cqrs.Metadata) error {
	if c.State().Value+p.By > CounterLimit {
		return ErrCounterLimit
	}
	return c.Emit(CounterIncremented, IncrementedPayload{By: p.By})
}

func (c *Counter) reset(context.Context, any, cqrs.Metadata) error {
	return c.Emit(CounterWasReset, nil)
}

// CounterFactory builds Counters for an AggregateCommandHandler and counts the
// aggregates it built.
type CounterFactory struct {
	Policy cqrs.SnapshotPolicy
	Built  int
}

func (f *CounterFactory) New(ctx context.Context, id string, history *cqrs.Iterator[cqrs.Event]) (cqrs.Aggregate, error) {
	f.Built++
	return NewCounter(ctx, id, history, f.Policy)
}

// CounterCommands lists the command types a Counter handles.
func CounterCommands() []string {
	return []string{CounterIncrement, CounterReset, CounterTouch}
}
