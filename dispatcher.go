package cqrs

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultDispatchConcurrency is the number of batches a pipeline stage
// processes at the same time unless configured otherwise.
const DefaultDispatchConcurrency = 4

// DispatchBatch is the unit travelling through the dispatch pipeline.
type DispatchBatch struct {
	Events EventSet
	Meta   Metadata
}

// DispatchResult settles a dispatched batch. On success Events holds what was published.
type DispatchResult struct {
	Events EventSet
	Err    error
}

// PipelineProcessor is one stage of the dispatch pipeline. Process may return a
// modified batch, which is what later stages and the bus receive.
type PipelineProcessor interface {
	Process(ctx context.Context, batch DispatchBatch) (DispatchBatch, error)
}

// PipelineReverter is implemented by processors able to undo their side
// effects when a batch fails in any stage.
type PipelineReverter interface {
	Revert(ctx context.Context, batch DispatchBatch) error
}

// PipelineProcessorFunc adapts a function to a PipelineProcessor.
type PipelineProcessorFunc func(ctx context.Context, batch DispatchBatch) (DispatchBatch, error)

func (f PipelineProcessorFunc) Process(ctx context.Context, batch DispatchBatch) (DispatchBatch, error) {
	return f(ctx, batch)
}

// DispatcherOption configures an EventDispatcher.
type DispatcherOption func(*EventDispatcher)

// WithDispatchConcurrency sets how many batches each stage processes at the same time.
func WithDispatchConcurrency(n int) DispatcherOption {
	return func(d *EventDispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithDispatcherLogger sets the logger reporting failed reverts.
func WithDispatcherLogger(l Logger) DispatcherOption {
	return func(d *EventDispatcher) { d.logger = ScopeLogger(l, "EventDispatcher") }
}

// WithPipelineProcessors appends stages to the pipeline.
func WithPipelineProcessors(processors ...PipelineProcessor) DispatcherOption {
	return func(d *EventDispatcher) { d.processors = append(d.processors, processors...) }
}

// publishingKey marks contexts handed to event handlers by the publisher.
type publishingKey struct{}

type dispatchJob struct {
	ctx    context.Context
	batch  DispatchBatch
	err    error
	result chan DispatchResult
}

// EventDispatcher runs event batches through a pipeline of processors and
// publishes them to the event bus.
//
// Stages overlap: each one processes up to the configured number of batches
// at the same time, but batches leave every stage, and reach the bus, in the
// order they were dispatched. A batch failing in any stage is reverted by
// every stage implementing PipelineReverter and is never published.
//
// A batch dispatched by an event handler while the dispatcher is publishing
// cannot queue behind the batch that triggered it. It runs through the stages
// inline and is published before the rest of the triggering batch.
//
// The pipeline starts with the first dispatch.
type EventDispatcher struct {
	bus         EventBus
	logger      Logger
	concurrency int
	processors  []PipelineProcessor

	mu      sync.RWMutex
	started bool
	closed  bool
	input   chan *dispatchJob
	wg      sync.WaitGroup
}

// NewEventDispatcher creates a dispatcher publishing to bus.
func NewEventDispatcher(bus EventBus, opts ...DispatcherOption) *EventDispatcher {
	d := &EventDispatcher{
		bus:         bus,
		logger:      nopLogger{},
		concurrency: DefaultDispatchConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddPipelineProcessor appends a stage. It fails once the pipeline has started.
func (d *EventDispatcher) AddPipelineProcessor(p PipelineProcessor) error {
	if p == nil {
		return fmt.Errorf("pipeline processor: %w", ErrInvalidArgument)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrPipelineStarted
	}
	d.processors = append(d.processors, p)
	return nil
}

// Dispatch sends events through the pipeline and waits until they are published.
func (d *EventDispatcher) Dispatch(ctx context.Context, events EventSet, meta Metadata) (EventSet, error) {
	select {
	case res := <-d.DispatchAsync(ctx, events, meta):
		return res.Events, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DispatchAsync enqueues events and returns a channel receiving the outcome
// once the batch cleared the whole pipeline.
func (d *EventDispatcher) DispatchAsync(ctx context.Context, events EventSet, meta Metadata) <-chan DispatchResult {
	result := make(chan DispatchResult, 1)

	if len(events) == 0 {
		result <- DispatchResult{Err: fmt.Errorf("dispatch: events must not be empty: %w", ErrInvalidArgument)}
		return result
	}
	if ctx.Value(publishingKey{}) == d {
		result <- d.dispatchInline(ctx, DispatchBatch{Events: append(EventSet(nil), events...), Meta: meta})
		return result
	}
	if err := d.ensureStarted(); err != nil {
		result <- DispatchResult{Err: err}
		return result
	}

	job := &dispatchJob{
		ctx:    ctx,
		batch:  DispatchBatch{Events: append(EventSet(nil), events...), Meta: meta},
		result: result,
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		result <- DispatchResult{Err: ErrDispatcherClosed}
		return result
	}
	select {
	case d.input <- job:
	case <-ctx.Done():
		result <- DispatchResult{Err: ctx.Err()}
	}
	return result
}

// Close stops accepting batches and waits for those in flight to settle.
func (d *EventDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.started {
		close(d.input)
	}
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

func (d *EventDispatcher) ensureStarted() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if d.started {
		return nil
	}
	d.started = true
	d.input = make(chan *dispatchJob, d.concurrency)

	in := d.input
	for _, p := range d.processors {
		out := make(chan *dispatchJob, d.concurrency)
		d.wg.Add(1)
		go d.runStage(p, in, out)
		in = out
	}
	d.wg.Add(1)
	go d.runPublisher(in)
	return nil
}

// runStage processes jobs from in concurrently and forwards them to out in
// arrival order. pending is the reorder buffer: it holds one future per job,
// queued in arrival order, and the forwarder waits on them one by one.
func (d *EventDispatcher) runStage(p PipelineProcessor, in <-chan *dispatchJob, out chan<- *dispatchJob) {
	defer d.wg.Done()
	defer close(out)

	sem := semaphore.NewWeighted(int64(d.concurrency))
	pending := make(chan chan *dispatchJob, d.concurrency)
	forwarded := make(chan struct{})

	go func() {
		defer close(forwarded)
		for future := range pending {
			out <- <-future
		}
	}()

	for job := range in {
		future := make(chan *dispatchJob, 1)
		if job.err != nil {
			future <- job
			pending <- future
			continue
		}

		// Acquire cannot fail with a background context.
		_ = sem.Acquire(context.Background(), 1)
		pending <- future
		go func(job *dispatchJob) {
			defer sem.Release(1)
			batch, err := processSafely(p, job.ctx, job.batch)
			if err != nil {
				job.err = err
			} else {
				job.batch = batch
			}
			future <- job
		}(job)
	}

	close(pending)
	<-forwarded
}

func processSafely(p PipelineProcessor, ctx context.Context, batch DispatchBatch) (out DispatchBatch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in pipeline processor %T: %v", p, r)
		}
	}()
	return p.Process(ctx, batch)
}

func (d *EventDispatcher) runPublisher(in <-chan *dispatchJob) {
	defer d.wg.Done()

	for job := range in {
		if job.err != nil {
			d.revert(job)
			job.result <- DispatchResult{Err: job.err}
			continue
		}
		job.result <- d.publish(job)
	}
}

func (d *EventDispatcher) dispatchInline(ctx context.Context, batch DispatchBatch) DispatchResult {
	job := &dispatchJob{ctx: ctx, batch: batch}
	for _, p := range d.processors {
		out, err := processSafely(p, ctx, job.batch)
		if err != nil {
			job.err = err
			d.revert(job)
			return DispatchResult{Err: err}
		}
		job.batch = out
	}
	return d.publish(job)
}

func (d *EventDispatcher) publish(job *dispatchJob) DispatchResult {
	ctx := context.WithValue(job.ctx, publishingKey{}, d)
	for _, event := range job.batch.Events {
		if err := d.bus.Publish(ctx, event); err != nil {
			return DispatchResult{Err: fmt.Errorf("publish %q: %w", event.Type, err)}
		}
	}
	return DispatchResult{Events: job.batch.Events}
}

// revert gives every stage a chance to undo the batch, whether or not it ran.
// Failures are logged and otherwise ignored.
func (d *EventDispatcher) revert(job *dispatchJob) {
	ctx := context.WithoutCancel(job.ctx)
	for _, p := range d.processors {
		r, ok := p.(PipelineReverter)
		if !ok {
			continue
		}
		if err := r.Revert(ctx, job.batch); err != nil {
			d.logger.Log(LevelWarn, "pipeline revert failed", map[string]any{
				"processor": fmt.Sprintf("%T", p),
				"error":     err.Error(),
			})
		}
	}
}
