package locker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cqrs "github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/lock"
	"github.com/terraskye/cqrs/locker"
	"github.com/terraskye/cqrs/locker/lockertest"
)

func TestMemoryBackend(t *testing.T) {
	lockertest.NewBackendValidationSuite(context.Background(), locker.NewMemoryBackend()).Run(t)
}

func viewOptions() locker.Options {
	return locker.Options{
		ProjectionName: "orders",
		SchemaVersion:  "1",
		ViewLockTTL:    100 * time.Millisecond,
		EventLockTTL:   time.Second,
	}
}

func TestNewViewLocker_RequiresProjection(t *testing.T) {
	_, err := locker.NewViewLocker(locker.NewMemoryBackend(), locker.Options{})
	assert.ErrorIs(t, err, cqrs.ErrInvalidArgument)

	_, err = locker.NewEventLocker(nil, viewOptions())
	assert.ErrorIs(t, err, cqrs.ErrInvalidArgument)
}

func TestViewLocker_ReadyGate(t *testing.T) {
	v, err := locker.NewViewLocker(locker.NewMemoryBackend(), viewOptions())
	require.NoError(t, err)
	assert.False(t, v.Ready(), "a view starts not ready")

	require.NoError(t, v.Lock(t.Context()))
	assert.False(t, v.Ready())

	waited := make(chan error, 1)
	go func() { waited <- v.WaitReady(context.Background()) }()

	select {
	case <-waited:
		t.Fatal("WaitReady returned while the view was locked")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, v.Unlock(t.Context()))
	assert.True(t, v.Ready())
	require.NoError(t, <-waited)

	require.NoError(t, v.Lock(t.Context()))
	assert.False(t, v.Ready(), "locking again closes the gate")
	require.NoError(t, v.Unlock(t.Context()))
}

func TestViewLocker_WaitReadyHonoursContext(t *testing.T) {
	v, err := locker.NewViewLocker(locker.NewMemoryBackend(), viewOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, v.WaitReady(ctx), context.DeadlineExceeded)
}

func TestViewLocker_TwoProcesses(t *testing.T) {
	backend := locker.NewMemoryBackend()
	a, err := locker.NewViewLocker(backend, viewOptions())
	require.NoError(t, err)
	b, err := locker.NewViewLocker(backend, viewOptions())
	require.NoError(t, err)
	require.NotEqual(t, a.Owner(), b.Owner())

	require.NoError(t, a.Lock(t.Context()))

	acquired := make(chan time.Time, 1)
	go func() {
		if err := b.Lock(context.Background()); err == nil {
			acquired <- time.Now()
		}
	}()

	// a renews every 50ms, so b keeps waiting well past one lease.
	select {
	case <-acquired:
		t.Fatal("b acquired a lease held and renewed by a")
	case <-time.After(300 * time.Millisecond):
	}

	released := time.Now()
	require.NoError(t, a.Unlock(t.Context()))

	select {
	case at := <-acquired:
		assert.WithinDuration(t, released, at, 200*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("b never acquired the released lease")
	}
	assert.True(t, a.Ready())
	assert.False(t, b.Ready())
	require.NoError(t, b.Unlock(t.Context()))
}

func TestViewLocker_TakesOverAfterCrash(t *testing.T) {
	backend := locker.NewMemoryBackend()
	opts := viewOptions()

	// a crashed holder never renews or releases
	ok, err := backend.AcquireLease(t.Context(), locker.ViewKey{Projection: "orders", SchemaVersion: "1"}, "crashed", time.Now(), opts.ViewLockTTL)
	require.NoError(t, err)
	require.True(t, ok)

	v, err := locker.NewViewLocker(backend, opts)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, v.Lock(t.Context()))
	assert.GreaterOrEqual(t, time.Since(start), opts.ViewLockTTL/2)
	require.NoError(t, v.Unlock(t.Context()))
}

func TestViewLocker_LockHonoursContext(t *testing.T) {
	backend := locker.NewMemoryBackend()
	a, err := locker.NewViewLocker(backend, viewOptions())
	require.NoError(t, err)
	b, err := locker.NewViewLocker(backend, viewOptions())
	require.NoError(t, err)

	require.NoError(t, a.Lock(t.Context()))
	defer a.Unlock(context.Background())

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Lock(ctx), context.DeadlineExceeded)
}

func TestEventLocker_ExactlyOnce(t *testing.T) {
	backend := locker.NewMemoryBackend()
	view, err := locker.NewViewLocker(backend, viewOptions())
	require.NoError(t, err)

	lockers := make([]*locker.EventLocker, 4)
	for i := range lockers {
		lockers[i], err = locker.NewEventLocker(backend, viewOptions())
		require.NoError(t, err)
	}

	event := cqrs.Event{ID: "event-1", Type: "orderPlaced", AggregateID: "order-1"}

	var mu sync.Mutex
	applied := 0
	var wg sync.WaitGroup
	for _, l := range lockers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryMarkAsProjecting(context.Background(), event)
			assert.NoError(t, err)
			if !ok {
				return
			}
			mu.Lock()
			applied++
			mu.Unlock()
			assert.NoError(t, l.MarkAsProjected(context.Background(), event))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	last, err := view.LastEventID(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "event-1", last)

	err = lockers[0].MarkAsProjected(t.Context(), event)
	assert.ErrorIs(t, err, cqrs.ErrLockIntegrity)
}

func TestEventLocker_ExpiredClaimWithClock(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	opts := viewOptions()
	opts.Clock = func() time.Time { return now }

	l, err := locker.NewEventLocker(locker.NewMemoryBackend(), opts)
	require.NoError(t, err)
	event := cqrs.Event{ID: "event-1", Type: "orderPlaced"}

	ok, err := l.TryMarkAsProjecting(t.Context(), event)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.TryMarkAsProjecting(t.Context(), event)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(opts.EventLockTTL)
	ok, err = l.TryMarkAsProjecting(t.Context(), event)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = l.TryMarkAsProjecting(t.Context(), cqrs.Event{Type: "orderPlaced"})
	assert.ErrorIs(t, err, cqrs.ErrInvalidArgument)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := cqrs.ParseConfig(`
[locker]
projection_name = "orders"
schema_version = "3"
view_lock_ttl = "1m"
event_lock_ttl = "10s"
`)
	require.NoError(t, err)

	opts := locker.OptionsFromConfig(cfg.Locker)
	assert.Equal(t, "orders", opts.ProjectionName)
	assert.Equal(t, "3", opts.SchemaVersion)
	assert.Equal(t, time.Minute, opts.ViewLockTTL)
	assert.Equal(t, 10*time.Second, opts.EventLockTTL)
}

func TestMutexDelegate(t *testing.T) {
	backend := locker.NewMemoryBackend()
	opts := viewOptions()
	opts.ProjectionName = "locks"

	delegateA, err := locker.NewMutexDelegate(backend, opts)
	require.NoError(t, err)
	delegateB, err := locker.NewMutexDelegate(backend, opts)
	require.NoError(t, err)

	// two processes, each with its own local mutex
	a := lock.New(lock.WithDelegate(delegateA))
	b := lock.New(lock.WithDelegate(delegateB))

	require.NoError(t, a.AcquireNamed(t.Context(), "order-1"))

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, b.AcquireNamed(ctx, "order-1"))

	require.NoError(t, b.AcquireNamed(t.Context(), "order-2"))
	require.NoError(t, b.ReleaseNamed("order-2"))

	require.NoError(t, a.ReleaseNamed("order-1"))
	require.NoError(t, b.RunExclusively(t.Context(), "order-1", func(context.Context) error { return nil }))

	assert.ErrorIs(t, delegateA.Release(t.Context(), "unknown"), lock.ErrNotHeld)
}
