package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cqrs "github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/locker"
	"github.com/terraskye/cqrs/locker/lockertest"
	"github.com/terraskye/cqrs/locker/sqlite"
)

func openBackend(t *testing.T, file string) *sqlite.Backend {
	t.Helper()
	b, err := sqlite.Open(t.Context(), file)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackend(t *testing.T) {
	b := openBackend(t, filepath.Join(t.TempDir(), "locks.db"))
	lockertest.NewBackendValidationSuite(context.Background(), b).Run(t)
}

func TestBackend_SharedFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "locks.db")
	opts := locker.Options{ProjectionName: "orders", SchemaVersion: "1", ViewLockTTL: time.Minute}

	a, err := locker.NewViewLocker(openBackend(t, file), opts)
	require.NoError(t, err)
	b, err := locker.NewViewLocker(openBackend(t, file), opts)
	require.NoError(t, err)

	require.NoError(t, a.Lock(t.Context()))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Lock(ctx), context.DeadlineExceeded)

	events, err := locker.NewEventLocker(openBackend(t, file), opts)
	require.NoError(t, err)
	event := cqrs.Event{ID: "event-1", Type: "orderPlaced"}
	ok, err := events.TryMarkAsProjecting(t.Context(), event)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, events.MarkAsProjected(t.Context(), event))

	require.NoError(t, a.Unlock(t.Context()))
	require.NoError(t, b.Lock(t.Context()))
	last, err := b.LastEventID(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "event-1", last)
	require.NoError(t, b.Unlock(t.Context()))
}
