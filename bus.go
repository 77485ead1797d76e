package cqrs

import "context"

// CommandBus delivers each command to exactly one handler.
type CommandBus interface {
	// Send fails with a MissingHandlerError when no handler is registered for
	// the command type and with ErrInvalidArgument when more than one is.
	Send(ctx context.Context, cmd Command) error

	// OnCommand registers handler for commandType and returns a function removing it.
	OnCommand(commandType string, handler CommandHandlerFunc) (func(), error)
}

// EventBus fans events out to every handler subscribed to their type.
type EventBus interface {
	// Publish delivers event to all current handlers of its type. Publishing an
	// event nobody subscribed to is a no-op.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers handler for eventType and returns a function removing it.
	Subscribe(eventType string, handler EventHandlerFunc) (func(), error)
}

// QueueProvider is implemented by event buses supporting named competing-consumer
// queues. A queue accepts at most one handler per event type, so among all
// processes subscribing to the same queue only one receives each event.
type QueueProvider interface {
	Queue(name string) EventBus
}

// Transport is a bus carrying both commands and events.
type Transport interface {
	CommandBus
	EventBus
}
