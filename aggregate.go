package cqrs

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

// Aggregate is the contract the AggregateCommandHandler drives.
type Aggregate interface {
	// ID returns the unique identifier of the aggregate.
	ID() string

	// Version returns the number of events applied so far, snapshots included.
	Version() uint64

	// Handle executes cmd and returns the events it produced. The aggregate
	// forgets them afterwards, so every call starts with no pending changes.
	Handle(ctx context.Context, cmd Command) (EventSet, error)
}

// AggregateHandlerFunc executes a command on an aggregate. It records outcomes
// with AggregateBase.Emit.
type AggregateHandlerFunc func(ctx context.Context, payload any, md Metadata) error

// MutatorFunc applies an event of a single type to the aggregate state.
type MutatorFunc[S any] func(state *S, event Event) error

// StateMutator is implemented by states applying every event type themselves.
// It takes priority over per-type mutators.
type StateMutator interface {
	Mutate(event Event) error
}

// SnapshotPolicy decides after each command whether a snapshot is appended.
// lastSnapshot is nil when the aggregate has never been snapshotted.
type SnapshotPolicy func(version uint64, lastSnapshot *uint64) bool

// SnapshotEvery returns a policy taking a snapshot once n events were applied
// since the previous one. n == 0 disables snapshots.
func SnapshotEvery(n uint64) SnapshotPolicy {
	return func(version uint64, lastSnapshot *uint64) bool {
		if n == 0 {
			return false
		}
		var since uint64
		if lastSnapshot == nil {
			since = version
		} else {
			since = version - *lastSnapshot - 1
		}
		return since >= n
	}
}

// AggregateOptions configures NewAggregateBase.
type AggregateOptions[S any] struct {
	// ID is required.
	ID string

	// State is the initial state. Without it, events other than snapshots only
	// advance the version.
	State *S

	// Events and then History are replayed in order during construction.
	Events  []Event
	History *Iterator[Event]

	// Handlers maps command types to handlers. A key starting with "_" is only
	// used when no handler without the prefix matches.
	Handlers map[string]AggregateHandlerFunc

	// Mutators maps event types to state mutators, with the same key rules as Handlers.
	Mutators map[string]MutatorFunc[S]

	SnapshotPolicy SnapshotPolicy
}

// AggregateBase implements the event-sourced bookkeeping of an aggregate with
// state S. Embed it in domain aggregates and register their methods as handlers.
//
// An AggregateBase is not safe for concurrent use. It is meant to live for a
// single command.
type AggregateBase[S any] struct {
	id              string
	version         uint64
	snapshotVersion *uint64
	state           *S
	changes         EventSet
	command         *Command
	handlers        *handlerTable[AggregateHandlerFunc]
	mutators        *handlerTable[MutatorFunc[S]]
	snapshotPolicy  SnapshotPolicy
}

// NewAggregateBase builds an aggregate and replays its history.
func NewAggregateBase[S any](ctx context.Context, opts AggregateOptions[S]) (*AggregateBase[S], error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("aggregate id is required: %w", ErrInvalidArgument)
	}

	a := &AggregateBase[S]{
		id:             opts.ID,
		state:          opts.State,
		handlers:       newHandlerTable(opts.Handlers),
		mutators:       newHandlerTable(opts.Mutators),
		snapshotPolicy: opts.SnapshotPolicy,
	}

	for _, e := range opts.Events {
		if err := a.Mutate(e); err != nil {
			return nil, err
		}
	}

	if opts.History != nil {
		defer opts.History.Close()
		for opts.History.Next(ctx) {
			if err := a.Mutate(opts.History.Value()); err != nil {
				return nil, err
			}
		}
		if err := opts.History.Err(); err != nil {
			return nil, fmt.Errorf("restore aggregate %q: %w", a.id, err)
		}
	}

	return a, nil
}

// ID returns the unique identifier of the aggregate.
func (a *AggregateBase[S]) ID() string {
	return a.id
}

// Version returns the number of events applied so far, snapshots included.
func (a *AggregateBase[S]) Version() uint64 {
	return a.version
}

// SnapshotVersion returns the version of the last restored or taken snapshot.
func (a *AggregateBase[S]) SnapshotVersion() *uint64 {
	return a.snapshotVersion
}

// State returns the current state, nil if the aggregate is stateless.
func (a *AggregateBase[S]) State() *S {
	return a.state
}

// Changes returns the events emitted by the command in progress.
func (a *AggregateBase[S]) Changes() EventSet {
	out := make(EventSet, len(a.changes))
	copy(out, a.changes)
	return out
}

// Handles returns the command types the aggregate has handlers for.
func (a *AggregateBase[S]) Handles() []string {
	return a.handlers.types()
}

// Handle executes cmd through its registered handler and pops the emitted events.
// A snapshot is appended when the snapshot policy asks for one.
func (a *AggregateBase[S]) Handle(ctx context.Context, cmd Command) (EventSet, error) {
	if err := ValidateCommand(cmd); err != nil {
		return nil, err
	}

	handler, ok := a.handlers.lookup(cmd.Type)
	if !ok {
		return nil, MissingHandlerError{MessageType: cmd.Type}
	}

	a.command = &cmd
	defer func() { a.command = nil }()

	if err := handler(WithCommand(ctx, cmd), cmd.Payload, cmd.Context); err != nil {
		a.popChanges()
		return nil, err
	}

	if len(a.changes) > 0 && a.snapshotPolicy != nil && a.state != nil && a.snapshotPolicy(a.version, a.snapshotVersion) {
		if err := a.takeSnapshot(); err != nil {
			a.popChanges()
			return nil, err
		}
	}

	return a.popChanges(), nil
}

func (a *AggregateBase[S]) popChanges() EventSet {
	changes := a.changes
	a.changes = nil
	return changes
}

// Emit records a new event of eventType stamped with the aggregate identity and
// current version, applies it and adds it to the pending changes. While a
// command is being handled the event inherits its context and saga correlation.
func (a *AggregateBase[S]) Emit(eventType string, payload any) error {
	return a.EmitRaw(Event{Type: eventType, Payload: payload})
}

// EmitRaw is Emit for a pre-built event. Identity and version are overwritten.
func (a *AggregateBase[S]) EmitRaw(event Event) error {
	event.AggregateID = a.id
	event.AggregateVersion = Version(a.version)
	if a.command != nil {
		if event.Context == nil {
			event.Context = cloneMetadata(a.command.Context)
		}
		if a.command.SagaID != "" {
			event.SagaID = a.command.SagaID
			event.SagaVersion = a.command.SagaVersion
		}
	}
	if err := a.Mutate(event); err != nil {
		return err
	}
	a.changes = append(a.changes, event)
	return nil
}

// Mutate applies event to the aggregate. The version always grows by one,
// whether or not a mutator matched the event type.
func (a *AggregateBase[S]) Mutate(event Event) error {
	if event.AggregateVersion != nil {
		a.version = *event.AggregateVersion
	}

	if event.IsSnapshot() {
		if err := a.RestoreSnapshot(event); err != nil {
			return err
		}
		a.snapshotVersion = Version(a.version)
	} else if a.state != nil {
		if err := a.applyToState(event); err != nil {
			return fmt.Errorf("aggregate %q: apply %q: %w", a.id, event.Type, err)
		}
	}

	a.version++
	return nil
}

func (a *AggregateBase[S]) applyToState(event Event) error {
	if m, ok := any(a.state).(StateMutator); ok {
		return m.Mutate(event)
	}
	if mutator, ok := a.mutators.lookup(event.Type); ok {
		return mutator(a.state, event)
	}
	return nil
}

// MakeSnapshot returns a deep copy of the current state.
func (a *AggregateBase[S]) MakeSnapshot() (S, error) {
	var zero S
	if a.state == nil {
		return zero, fmt.Errorf("aggregate %q: %w", a.id, ErrNoStateToSnapshot)
	}
	return deepCopy[S](*a.state)
}

// RestoreSnapshot replaces the state with a deep copy of the snapshot payload.
func (a *AggregateBase[S]) RestoreSnapshot(event Event) error {
	if !event.IsSnapshot() {
		return fmt.Errorf("aggregate %q: restore from %q event: %w", a.id, event.Type, ErrInvalidArgument)
	}
	if event.Payload == nil {
		return fmt.Errorf("aggregate %q: snapshot without payload: %w", a.id, ErrInvalidArgument)
	}
	state, err := deepCopy[S](event.Payload)
	if err != nil {
		return fmt.Errorf("aggregate %q: restore snapshot: %w", a.id, err)
	}
	a.state = &state
	return nil
}

func (a *AggregateBase[S]) takeSnapshot() error {
	state, err := a.MakeSnapshot()
	if err != nil {
		return err
	}
	return a.EmitRaw(Event{Type: SnapshotEventType, Payload: state})
}

func deepCopy[S any](v any) (S, error) {
	var out S
	raw, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}
