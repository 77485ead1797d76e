// Package lockertest checks that a locker.Backend honours its contract.
package lockertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cqrs "github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/locker"
)

func NewBackendValidationSuite(ctx context.Context, backend locker.Backend) *BackendValidationSuite {
	return &BackendValidationSuite{ctx: ctx, backend: backend}
}

type BackendValidationSuite struct {
	ctx     context.Context
	backend locker.Backend
}

func (s *BackendValidationSuite) Run(t *testing.T) {
	t.Run("acquires an absent lease", s.AcquiresAbsentLease)
	t.Run("rejects a held lease", s.RejectsHeldLease)
	t.Run("takes over an expired lease", s.TakesOverExpiredLease)
	t.Run("reacquires a released lease", s.ReacquiresReleasedLease)
	t.Run("extends only an owned lease", s.ExtendsOwnedLease)
	t.Run("admits one claim per event", s.AdmitsOneClaim)
	t.Run("retakes an expired claim", s.RetakesExpiredClaim)
	t.Run("finalizes a claim once", s.FinalizesOnce)
	t.Run("advances the last event", s.AdvancesLastEvent)
	t.Run("separates schema versions", s.SeparatesSchemaVersions)
}

// MakeKey returns a view key no other test uses.
func (s *BackendValidationSuite) MakeKey() locker.ViewKey {
	return locker.ViewKey{Projection: "go-test-" + uuid.NewString(), SchemaVersion: "1"}
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func (s *BackendValidationSuite) AcquiresAbsentLease(t *testing.T) {
	ok, err := s.backend.AcquireLease(s.ctx, s.MakeKey(), "a", epoch, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func (s *BackendValidationSuite) RejectsHeldLease(t *testing.T) {
	key := s.MakeKey()
	ok, err := s.backend.AcquireLease(s.ctx, key, "a", epoch, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.backend.AcquireLease(s.ctx, key, "b", epoch.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease is held by a")

	ok, err = s.backend.AcquireLease(s.ctx, key, "a", epoch.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "the owner may acquire again")
}

func (s *BackendValidationSuite) TakesOverExpiredLease(t *testing.T) {
	key := s.MakeKey()
	_, err := s.backend.AcquireLease(s.ctx, key, "a", epoch, time.Minute)
	require.NoError(t, err)

	ok, err := s.backend.AcquireLease(s.ctx, key, "b", epoch.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.backend.ExtendLease(s.ctx, key, "a", epoch.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a lost the lease")
}

func (s *BackendValidationSuite) ReacquiresReleasedLease(t *testing.T) {
	key := s.MakeKey()
	_, err := s.backend.AcquireLease(s.ctx, key, "a", epoch, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.backend.ReleaseLease(s.ctx, key, "b"))
	ok, err := s.backend.AcquireLease(s.ctx, key, "b", epoch, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-owner is a no-op")

	require.NoError(t, s.backend.ReleaseLease(s.ctx, key, "a"))
	ok, err = s.backend.AcquireLease(s.ctx, key, "b", epoch, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func (s *BackendValidationSuite) ExtendsOwnedLease(t *testing.T) {
	key := s.MakeKey()
	ok, err := s.backend.ExtendLease(s.ctx, key, "a", epoch, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "no lease to extend")

	_, err = s.backend.AcquireLease(s.ctx, key, "a", epoch, time.Minute)
	require.NoError(t, err)

	ok, err = s.backend.ExtendLease(s.ctx, key, "a", epoch.Add(50*time.Second), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.backend.AcquireLease(s.ctx, key, "b", epoch.Add(90*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "the extension moved the expiry")
}

func (s *BackendValidationSuite) AdmitsOneClaim(t *testing.T) {
	key := s.MakeKey()
	const contenders = 16

	var wg sync.WaitGroup
	results := make(chan bool, contenders)
	for range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.backend.ClaimEvent(s.ctx, key, "event-1", epoch, time.Minute)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted)
}

func (s *BackendValidationSuite) RetakesExpiredClaim(t *testing.T) {
	key := s.MakeKey()
	ok, err := s.backend.ClaimEvent(s.ctx, key, "event-1", epoch, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.backend.ClaimEvent(s.ctx, key, "event-1", epoch.Add(59*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.backend.ClaimEvent(s.ctx, key, "event-1", epoch.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an abandoned claim expires")
}

func (s *BackendValidationSuite) FinalizesOnce(t *testing.T) {
	key := s.MakeKey()

	err := s.backend.FinalizeEvent(s.ctx, key, "event-1")
	assert.True(t, errors.Is(err, cqrs.ErrLockIntegrity), "finalizing an unclaimed event: %v", err)

	ok, err := s.backend.ClaimEvent(s.ctx, key, "event-1", epoch, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.backend.FinalizeEvent(s.ctx, key, "event-1"))

	err = s.backend.FinalizeEvent(s.ctx, key, "event-1")
	assert.True(t, errors.Is(err, cqrs.ErrLockIntegrity), "finalizing twice: %v", err)

	ok, err = s.backend.ClaimEvent(s.ctx, key, "event-1", epoch.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a projected event is never claimed again")
}

func (s *BackendValidationSuite) AdvancesLastEvent(t *testing.T) {
	key := s.MakeKey()

	last, err := s.backend.LastEventID(s.ctx, key)
	require.NoError(t, err)
	assert.Empty(t, last)

	for _, id := range []string{"event-1", "event-2"} {
		ok, err := s.backend.ClaimEvent(s.ctx, key, id, epoch, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.backend.FinalizeEvent(s.ctx, key, id))
	}

	last, err = s.backend.LastEventID(s.ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "event-2", last)

	_, err = s.backend.AcquireLease(s.ctx, key, "a", epoch, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.backend.ReleaseLease(s.ctx, key, "a"))

	last, err = s.backend.LastEventID(s.ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "event-2", last, "leasing keeps the marker")
}

func (s *BackendValidationSuite) SeparatesSchemaVersions(t *testing.T) {
	v1 := s.MakeKey()
	v2 := locker.ViewKey{Projection: v1.Projection, SchemaVersion: "2"}

	ok, err := s.backend.AcquireLease(s.ctx, v1, "a", epoch, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.backend.AcquireLease(s.ctx, v2, "b", epoch, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.backend.ClaimEvent(s.ctx, v1, "event-1", epoch, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.backend.ClaimEvent(s.ctx, v2, "event-1", epoch, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
