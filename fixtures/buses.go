package fixtures

import (
	"context"
	"sync"

	cqrs "github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/eventbus/memory"
)

var (
	_ cqrs.CommandBus    = (*CommandBusSpy)(nil)
	_ cqrs.EventBus      = (*EventBusSpy)(nil)
	_ cqrs.QueueProvider = (*EventBusSpy)(nil)
)

// CommandBusSpy is a configurable mock CommandBus for testing.
// It records sent commands and calls registered handlers when there are any.
type CommandBusSpy struct {
	mu sync.Mutex

	// Function override
	SendFn func(ctx context.Context, cmd cqrs.Command) error

	// Captured commands
	Sent []cqrs.Command

	handlers map[string]cqrs.CommandHandlerFunc
	failures map[string]error
}

// NewCommandBusSpy creates a new CommandBusSpy.
func NewCommandBusSpy() *CommandBusSpy {
	return &CommandBusSpy{
		handlers: make(map[string]cqrs.CommandHandlerFunc),
		failures: make(map[string]error),
	}
}

// FailOnSend configures the bus to return err for commands of commandType.
func (b *CommandBusSpy) FailOnSend(commandType string, err error) *CommandBusSpy {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[commandType] = err
	return b
}

// Send implements CommandBus.Send.
func (b *CommandBusSpy) Send(ctx context.Context, cmd cqrs.Command) error {
	b.mu.Lock()
	b.Sent = append(b.Sent, cmd)
	handler := b.handlers[cmd.Type]
	failure := b.failures[cmd.Type]
	b.mu.Unlock()

	if b.SendFn != nil {
		return b.SendFn(ctx, cmd)
	}
	if failure != nil {
		return failure
	}
	if handler != nil {
		return handler(ctx, cmd)
	}
	return nil
}

// OnCommand implements CommandBus.OnCommand. A later registration replaces an earlier one.
func (b *CommandBusSpy) OnCommand(commandType string, handler cqrs.CommandHandlerFunc) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[commandType] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, commandType)
	}, nil
}

// SentTypes returns the types of the sent commands in order.
func (b *CommandBusSpy) SentTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]string, len(b.Sent))
	for i, cmd := range b.Sent {
		types[i] = cmd.Type
	}
	return types
}

// EventBusSpy wraps an in-memory bus and records published events.
type EventBusSpy struct {
	*memory.Bus

	mu sync.Mutex

	// Captured events
	Published []cqrs.Event

	// Error injection
	publishErr error
}

// NewEventBusSpy creates a new EventBusSpy.
func NewEventBusSpy() *EventBusSpy {
	return &EventBusSpy{Bus: memory.NewBus()}
}

// FailOnPublish configures the bus to return err instead of delivering events.
func (b *EventBusSpy) FailOnPublish(err error) *EventBusSpy {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
	return b
}

// Publish implements EventBus.Publish.
func (b *EventBusSpy) Publish(ctx context.Context, event cqrs.Event) error {
	b.mu.Lock()
	b.Published = append(b.Published, event)
	err := b.publishErr
	b.mu.Unlock()

	if err != nil {
		return err
	}
	return b.Bus.Publish(ctx, event)
}

// PublishedTypes returns the types of the published events in order.
func (b *EventBusSpy) PublishedTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cqrs.EventSet(b.Published).Types()
}

// EventCount returns the number of published events.
func (b *EventBusSpy) EventCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Published)
}

// EventHandlerSpy is a configurable mock event handler for testing.
type EventHandlerSpy struct {
	mu sync.Mutex

	// Function override
	HandleFn func(ctx context.Context, event cqrs.Event) error

	// Captured events
	ReceivedEvents []cqrs.Event

	// Error injection
	handleErr error
}

// NewEventHandlerSpy creates a new EventHandlerSpy.
func NewEventHandlerSpy() *EventHandlerSpy {
	return &EventHandlerSpy{}
}

// FailOnHandle configures the handler to return an error.
func (h *EventHandlerSpy) FailOnHandle(err error) *EventHandlerSpy {
	h.handleErr = err
	return h
}

// Handle has the signature of cqrs.EventHandlerFunc.
func (h *EventHandlerSpy) Handle(ctx context.Context, event cqrs.Event) error {
	h.mu.Lock()
	h.ReceivedEvents = append(h.ReceivedEvents, event)
	h.mu.Unlock()

	if h.HandleFn != nil {
		return h.HandleFn(ctx, event)
	}
	return h.handleErr
}

// Events returns a copy of the received events.
func (h *EventHandlerSpy) Events() []cqrs.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]cqrs.Event, len(h.ReceivedEvents))
	copy(out, h.ReceivedEvents)
	return out
}

// EventCount returns the number of events received.
func (h *EventHandlerSpy) EventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ReceivedEvents)
}
