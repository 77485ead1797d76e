package cqrs

import (
	"context"
	"fmt"
	"sort"
)

// SagaFactory builds the saga with the given id from its history. history is
// nil for sagas being started.
type SagaFactory func(ctx context.Context, id string, history *Iterator[Event]) (Saga, error)

// SagaEventHandlerOptions configures NewSagaEventHandler.
type SagaEventHandlerOptions struct {
	Factory SagaFactory

	// StartsWith lists the event types creating a new saga instance. They must
	// also be registered as saga starters on the event store.
	StartsWith []string

	// Handles lists the event types the saga reacts to, starters included or
	// not. Other events of the saga are skipped when restoring it.
	Handles []string

	// Queue, when set, subscribes through the named competing-consumer queue.
	Queue string

	Logger Logger
}

// SagaEventHandler restores sagas for incoming events and sends the commands they enqueue.
type SagaEventHandler struct {
	store      *EventStore
	bus        CommandBus
	factory    SagaFactory
	startsWith map[string]struct{}
	handles    []string
	queue      string
	logger     Logger
}

// NewSagaEventHandler creates a SagaEventHandler.
func NewSagaEventHandler(store *EventStore, bus CommandBus, opts SagaEventHandlerOptions) (*SagaEventHandler, error) {
	if store == nil {
		return nil, fmt.Errorf("event store is required: %w", ErrInvalidArgument)
	}
	if bus == nil {
		return nil, fmt.Errorf("command bus is required: %w", ErrInvalidArgument)
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("saga factory is required: %w", ErrInvalidArgument)
	}
	if len(opts.StartsWith) == 0 {
		return nil, fmt.Errorf("saga must start with at least one event type: %w", ErrInvalidArgument)
	}

	h := &SagaEventHandler{
		store:      store,
		bus:        bus,
		factory:    opts.Factory,
		startsWith: make(map[string]struct{}, len(opts.StartsWith)),
		queue:      opts.Queue,
		logger:     ScopeLogger(opts.Logger, "SagaEventHandler"),
	}

	types := make(map[string]struct{})
	for _, t := range opts.StartsWith {
		h.startsWith[t] = struct{}{}
		types[t] = struct{}{}
	}
	for _, t := range opts.Handles {
		types[t] = struct{}{}
	}
	for t := range types {
		h.handles = append(h.handles, t)
	}
	sort.Strings(h.handles)

	return h, nil
}

// Handles returns the event types the handler subscribes to.
func (h *SagaEventHandler) Handles() []string {
	return append([]string(nil), h.handles...)
}

func (h *SagaEventHandler) handlesType(eventType string) bool {
	i := sort.SearchStrings(h.handles, eventType)
	return i < len(h.handles) && h.handles[i] == eventType
}

// Subscribe registers the handler on the store's bus, or on its named queue.
func (h *SagaEventHandler) Subscribe() (func(), error) {
	subscribe := h.store.On
	if h.queue != "" {
		q, err := h.store.Queue(h.queue)
		if err != nil {
			return nil, err
		}
		subscribe = q.Subscribe
	}

	var offs []func()
	off := func() {
		for _, fn := range offs {
			fn()
		}
	}
	for _, t := range h.handles {
		fn, err := subscribe(t, h.Handle)
		if err != nil {
			off()
			return nil, fmt.Errorf("subscribe to %q: %w", t, err)
		}
		offs = append(offs, fn)
	}
	return off, nil
}

// Handle creates or restores the saga the event belongs to, applies the event
// and sends the enqueued commands.
func (h *SagaEventHandler) Handle(ctx context.Context, event Event) error {
	if event.SagaID == "" {
		return fmt.Errorf("event %q has no sagaId: %w", event.Type, ErrInvalidArgument)
	}

	saga, err := h.load(ctx, event)
	if err != nil {
		return err
	}

	if err := saga.Apply(ctx, event); err != nil {
		return fmt.Errorf("saga %q: apply %q: %w", saga.ID(), event.Type, err)
	}

	return h.sendCommands(ctx, saga, event)
}

func (h *SagaEventHandler) load(ctx context.Context, event Event) (Saga, error) {
	if _, ok := h.startsWith[event.Type]; ok {
		saga, err := h.factory(ctx, event.SagaID, nil)
		if err != nil {
			return nil, fmt.Errorf("start saga %q: %w", event.SagaID, err)
		}
		return saga, nil
	}

	history, err := h.store.GetSagaEvents(ctx, event.SagaID, event)
	if err != nil {
		return nil, fmt.Errorf("restore saga %q: %w", event.SagaID, err)
	}
	history = Filter(history, func(e Event) bool { return h.handlesType(e.Type) })
	defer history.Close()

	saga, err := h.factory(ctx, event.SagaID, history)
	if err != nil {
		return nil, fmt.Errorf("restore saga %q: %w", event.SagaID, err)
	}
	return saga, nil
}

// sendCommands sends the queued commands in order. A failed send is handed to
// the saga's OnError, and commands enqueued there are sent in one further pass
// whose failures propagate.
func (h *SagaEventHandler) sendCommands(ctx context.Context, saga Saga, event Event) error {
	commands := saga.UncommittedMessages()
	saga.ResetUncommittedMessages()

	ctx = WithEvent(ctx, event)
	compensated := false
	for _, cmd := range commands {
		if err := h.send(ctx, cmd, event); err != nil {
			h.logger.Log(LevelWarn, "saga command failed", map[string]any{
				"sagaId":  saga.ID(),
				"command": cmd.Type,
				"error":   err.Error(),
			})
			if err := saga.OnError(ctx, err, SagaErrorContext{Event: event, Command: cmd}); err != nil {
				return fmt.Errorf("saga %q: send %q: %w", saga.ID(), cmd.Type, err)
			}
			compensated = true
		}
	}

	if !compensated {
		return nil
	}

	compensations := saga.UncommittedMessages()
	saga.ResetUncommittedMessages()
	for _, cmd := range compensations {
		if err := h.send(ctx, cmd, event); err != nil {
			return fmt.Errorf("saga %q: send compensation %q: %w", saga.ID(), cmd.Type, err)
		}
	}
	return nil
}

func (h *SagaEventHandler) send(ctx context.Context, cmd Command, event Event) error {
	if cmd.Context == nil {
		cmd.Context = cloneMetadata(event.Context)
	}
	return h.bus.Send(ctx, cmd)
}
