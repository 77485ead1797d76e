// Package memory provides an in-process transport for commands and events.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	cqrs "github.com/terraskye/cqrs"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrBusClosed is returned by Send and Publish after Close.
	ErrBusClosed = errors.New("bus is closed")

	// ErrQueueHandlerExists is returned when a second handler subscribes to the
	// same event type on one queue.
	ErrQueueHandlerExists = errors.New("queue already has a handler for this event type")
)

var (
	_ cqrs.Transport     = (*Bus)(nil)
	_ cqrs.QueueProvider = (*Bus)(nil)
)

type registration[F any] struct {
	id      uint64
	handler F
}

// Bus is an in-memory command and event bus.
//
// Send calls the single handler of a command type synchronously. Publish calls
// every handler of an event type concurrently, named queues included, and
// returns the first error once all of them returned.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	commands map[string][]registration[cqrs.CommandHandlerFunc]
	events   map[string][]registration[cqrs.EventHandlerFunc]
	queues   map[string]*queue
	closed   bool
	inFlight sync.WaitGroup
	logger   cqrs.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger reporting recovered handler panics.
func WithLogger(l cqrs.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates an empty Bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		commands: make(map[string][]registration[cqrs.CommandHandlerFunc]),
		events:   make(map[string][]registration[cqrs.EventHandlerFunc]),
		queues:   make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnCommand registers a command handler.
func (b *Bus) OnCommand(commandType string, handler cqrs.CommandHandlerFunc) (func(), error) {
	if commandType == "" || handler == nil {
		return nil, fmt.Errorf("command type and handler are required: %w", cqrs.ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	b.commands[commandType] = append(b.commands[commandType], registration[cqrs.CommandHandlerFunc]{id: id, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.commands[commandType] = without(b.commands[commandType], id)
		if len(b.commands[commandType]) == 0 {
			delete(b.commands, commandType)
		}
	}, nil
}

// Subscribe registers an event handler.
func (b *Bus) Subscribe(eventType string, handler cqrs.EventHandlerFunc) (func(), error) {
	if eventType == "" || handler == nil {
		return nil, fmt.Errorf("event type and handler are required: %w", cqrs.ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	b.events[eventType] = append(b.events[eventType], registration[cqrs.EventHandlerFunc]{id: id, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.events[eventType] = without(b.events[eventType], id)
		if len(b.events[eventType]) == 0 {
			delete(b.events, eventType)
		}
	}, nil
}

// Send delivers cmd to its only handler and returns the handler's error.
func (b *Bus) Send(ctx context.Context, cmd cqrs.Command) error {
	if err := cqrs.ValidateCommand(cmd); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := b.commands[cmd.Type]
	if len(handlers) == 0 {
		b.mu.RUnlock()
		return cqrs.MissingHandlerError{MessageType: cmd.Type}
	}
	if len(handlers) > 1 {
		b.mu.RUnlock()
		return fmt.Errorf("%d handlers registered for command %q: %w", len(handlers), cmd.Type, cqrs.ErrInvalidArgument)
	}
	handler := handlers[0].handler
	b.inFlight.Add(1)
	b.mu.RUnlock()
	defer b.inFlight.Done()

	return b.call(fmt.Sprintf("command %q", cmd.Type), func() error { return handler(ctx, cmd) })
}

// Publish delivers event to all handlers of its type, on the bus and on every queue.
func (b *Bus) Publish(ctx context.Context, event cqrs.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := handlersOf(b.events[event.Type])
	for _, name := range b.queueNames() {
		if h, ok := b.queues[name].handlers[event.Type]; ok {
			handlers = append(handlers, h.handler)
		}
	}
	b.inFlight.Add(1)
	b.mu.RUnlock()
	defer b.inFlight.Done()

	return b.fanOut(ctx, event, handlers)
}

// Queue returns the named competing-consumer queue, creating it on first use.
func (b *Bus) Queue(name string) cqrs.EventBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queue{bus: b, name: name, handlers: make(map[string]registration[cqrs.EventHandlerFunc])}
		b.queues[name] = q
	}
	return q
}

// Close rejects further messages and waits for those in flight.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.inFlight.Wait()
	return nil
}

func (b *Bus) fanOut(ctx context.Context, event cqrs.Event, handlers []cqrs.EventHandlerFunc) error {
	if len(handlers) == 0 {
		return nil
	}
	if len(handlers) == 1 {
		return b.call(fmt.Sprintf("event %q", event.Type), func() error { return handlers[0](ctx, event) })
	}

	var g errgroup.Group
	for _, h := range handlers {
		g.Go(func() error {
			return b.call(fmt.Sprintf("event %q", event.Type), func() error { return h(ctx, event) })
		})
	}
	return g.Wait()
}

// call runs fn, turning a panic into an error.
func (b *Bus) call(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler for %s: %v", what, r)
			if b.logger != nil {
				b.logger.Log(cqrs.LevelError, "handler panicked", map[string]any{"message": what, "panic": fmt.Sprint(r)})
			}
		}
	}()
	return fn()
}

func (b *Bus) queueNames() []string {
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func handlersOf[F any](regs []registration[F]) []F {
	out := make([]F, len(regs))
	for i, r := range regs {
		out[i] = r.handler
	}
	return out
}

func without[F any](regs []registration[F], id uint64) []registration[F] {
	out := regs[:0:0]
	for _, r := range regs {
		if r.id != id {
			out = append(out, r)
		}
	}
	return out
}

// queue is a named sub-bus with at most one handler per event type.
type queue struct {
	bus      *Bus
	name     string
	handlers map[string]registration[cqrs.EventHandlerFunc]
}

func (q *queue) Subscribe(eventType string, handler cqrs.EventHandlerFunc) (func(), error) {
	if eventType == "" || handler == nil {
		return nil, fmt.Errorf("event type and handler are required: %w", cqrs.ErrInvalidArgument)
	}
	b := q.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := q.handlers[eventType]; exists {
		return nil, fmt.Errorf("queue %q, event %q: %w", q.name, eventType, ErrQueueHandlerExists)
	}
	b.nextID++
	id := b.nextID
	q.handlers[eventType] = registration[cqrs.EventHandlerFunc]{id: id, handler: handler}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if r, ok := q.handlers[eventType]; ok && r.id == id {
			delete(q.handlers, eventType)
		}
	}, nil
}

// Publish delivers event to the queue's handler only.
func (q *queue) Publish(ctx context.Context, event cqrs.Event) error {
	b := q.bus
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	r, ok := q.handlers[event.Type]
	b.inFlight.Add(1)
	b.mu.RUnlock()
	defer b.inFlight.Done()

	if !ok {
		return nil
	}
	return b.fanOut(ctx, event, []cqrs.EventHandlerFunc{r.handler})
}
