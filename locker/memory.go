package locker

import (
	"context"
	"sync"
	"time"
)

type leaseRow struct {
	owner       string
	lockedTill  *time.Time
	lastEventID string
}

type eventKey struct {
	view    ViewKey
	eventID string
}

type claimRow struct {
	processingAt time.Time
	projected    bool
}

// MemoryBackend keeps leases and claims in process memory. It coordinates
// lockers of a single process, which is what tests and single-node
// deployments need.
type MemoryBackend struct {
	mu     sync.Mutex
	leases map[ViewKey]*leaseRow
	claims map[eventKey]*claimRow
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		leases: make(map[ViewKey]*leaseRow),
		claims: make(map[eventKey]*claimRow),
	}
}

func (m *MemoryBackend) AcquireLease(ctx context.Context, key ViewKey, owner string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.leases[key]
	if !ok {
		row = &leaseRow{}
		m.leases[key] = row
	}
	if row.lockedTill != nil && now.Before(*row.lockedTill) && row.owner != owner {
		return false, nil
	}
	till := now.Add(ttl)
	row.owner = owner
	row.lockedTill = &till
	return true, nil
}

func (m *MemoryBackend) ExtendLease(ctx context.Context, key ViewKey, owner string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.leases[key]
	if !ok || row.owner != owner || row.lockedTill == nil {
		return false, nil
	}
	till := now.Add(ttl)
	row.lockedTill = &till
	return true, nil
}

func (m *MemoryBackend) ReleaseLease(ctx context.Context, key ViewKey, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row, ok := m.leases[key]; ok && row.owner == owner {
		row.lockedTill = nil
	}
	return nil
}

func (m *MemoryBackend) LastEventID(ctx context.Context, key ViewKey) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row, ok := m.leases[key]; ok {
		return row.lastEventID, nil
	}
	return "", nil
}

func (m *MemoryBackend) ClaimEvent(ctx context.Context, key ViewKey, eventID string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := eventKey{view: key, eventID: eventID}
	row, ok := m.claims[k]
	if ok && (row.projected || now.Before(row.processingAt.Add(ttl))) {
		return false, nil
	}
	m.claims[k] = &claimRow{processingAt: now}
	return true, nil
}

func (m *MemoryBackend) FinalizeEvent(ctx context.Context, key ViewKey, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.claims[eventKey{view: key, eventID: eventID}]
	if !ok || row.projected {
		return ErrLockIntegrity
	}
	row.projected = true

	lease, ok := m.leases[key]
	if !ok {
		lease = &leaseRow{}
		m.leases[key] = lease
	}
	lease.lastEventID = eventID
	return nil
}
