package fixtures

import (
	"context"
	"io"

	cqrs "github.com/terraskye/cqrs"
)

// EmptyIterator returns an iterator that yields no items.
func EmptyIterator[T any]() *cqrs.Iterator[T] {
	return cqrs.NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		return zero, io.EOF
	})
}

// FailingIterator returns an iterator that fails with the given error.
func FailingIterator[T any](err error) *cqrs.Iterator[T] {
	return cqrs.NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		return zero, err
	})
}

// FailAfterNIterator returns an iterator that yields n items, then fails.
func FailAfterNIterator[T any](items []T, n int, err error) *cqrs.Iterator[T] {
	idx := 0
	return cqrs.NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		if idx >= n {
			return zero, err
		}
		if idx >= len(items) {
			return zero, io.EOF
		}
		item := items[idx]
		idx++
		return item, nil
	})
}

// CountingIterator wraps a slice and counts iterations and closes.
type CountingIterator[T any] struct {
	inner  *cqrs.Iterator[T]
	Count  int
	Closed int
}

// NewCountingIterator creates a CountingIterator.
func NewCountingIterator[T any](items []T) *CountingIterator[T] {
	ci := &CountingIterator[T]{}
	idx := 0
	ci.inner = cqrs.NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		if idx >= len(items) {
			return zero, io.EOF
		}
		ci.Count++
		item := items[idx]
		idx++
		return item, nil
	}).WithClose(func() error {
		ci.Closed++
		return nil
	})
	return ci
}

// Iterator returns the underlying iterator.
func (c *CountingIterator[T]) Iterator() *cqrs.Iterator[T] {
	return c.inner
}
