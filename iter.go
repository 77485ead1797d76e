package cqrs

import (
	"context"
	"errors"
	"io"
)

// Iterator is a pull-based cursor over a lazy, finite sequence. It is not safe
// for concurrent use and, once exhausted, cannot be restarted.
type Iterator[T any] struct {
	nextFunc  func(ctx context.Context) (T, error)
	closeFunc func() error
	current   T
	err       error
	done      bool
}

// NewIteratorFunc creates an Iterator from a function producing the next item.
// The function returns io.EOF once the sequence is exhausted.
func NewIteratorFunc[T any](next func(ctx context.Context) (T, error)) *Iterator[T] {
	return &Iterator[T]{nextFunc: next}
}

// NewSliceIterator iterates over a copy of items.
func NewSliceIterator[T any](items []T) *Iterator[T] {
	snapshot := make([]T, len(items))
	copy(snapshot, items)
	i := 0
	return NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if i >= len(snapshot) {
			return zero, io.EOF
		}
		item := snapshot[i]
		i++
		return item, nil
	})
}

// WithClose registers fn to release resources once the iterator is exhausted or closed.
func (it *Iterator[T]) WithClose(fn func() error) *Iterator[T] {
	it.closeFunc = fn
	return it
}

// Next advances the iterator. It returns false at the end of the sequence or on error.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	v, err := it.nextFunc(ctx)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		it.finish()
		return false
	}
	it.current = v
	return true
}

// Value returns the current item.
func (it *Iterator[T]) Value() T {
	return it.current
}

// Err returns the first error other than io.EOF encountered during iteration.
func (it *Iterator[T]) Err() error {
	return it.err
}

// Close stops the iteration early and releases underlying resources.
func (it *Iterator[T]) Close() error {
	if it.done {
		return nil
	}
	return it.finish()
}

func (it *Iterator[T]) finish() error {
	it.done = true
	if it.closeFunc == nil {
		return nil
	}
	err := it.closeFunc()
	it.closeFunc = nil
	if err != nil && it.err == nil {
		it.err = err
	}
	return err
}

// All consumes the iterator and returns all items.
func (it *Iterator[T]) All(ctx context.Context) ([]T, error) {
	var results []T
	for it.Next(ctx) {
		results = append(results, it.Value())
	}
	return results, it.Err()
}

// Prepend yields head before the items of rest.
func Prepend[T any](head T, rest *Iterator[T]) *Iterator[T] {
	emitted := false
	return NewIteratorFunc(func(ctx context.Context) (T, error) {
		if !emitted {
			emitted = true
			return head, nil
		}
		if rest.Next(ctx) {
			return rest.Value(), nil
		}
		var zero T
		if err := rest.Err(); err != nil {
			return zero, err
		}
		return zero, io.EOF
	}).WithClose(rest.Close)
}

// Filter yields the items of it accepted by keep.
func Filter[T any](it *Iterator[T], keep func(T) bool) *Iterator[T] {
	return NewIteratorFunc(func(ctx context.Context) (T, error) {
		for it.Next(ctx) {
			if v := it.Value(); keep(v) {
				return v, nil
			}
		}
		var zero T
		if err := it.Err(); err != nil {
			return zero, err
		}
		return zero, io.EOF
	}).WithClose(it.Close)
}
