// Package locker coordinates processes maintaining the same projection.
//
// A ViewLocker is a TTL lease on the view, held while it is restored. An
// EventLocker claims each event before it is applied so that concurrent
// processes apply it once. Both persist through a Backend.
package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	cqrs "github.com/terraskye/cqrs"
)

const (
	DefaultViewLockTTL  = 2 * time.Minute
	DefaultEventLockTTL = 15 * time.Second
)

// ErrLockIntegrity is returned by FinalizeEvent for a missing or finalized claim.
var ErrLockIntegrity = cqrs.ErrLockIntegrity

// ViewKey identifies a view. A new schema version starts a new view.
type ViewKey struct {
	Projection    string
	SchemaVersion string
}

func (k ViewKey) String() string {
	return k.Projection + "@" + k.SchemaVersion
}

// Backend persists leases and event claims. Every method is atomic.
type Backend interface {
	// AcquireLease takes the lease when it is absent, released, expired at now
	// or already owned by owner, and reports whether it did.
	AcquireLease(ctx context.Context, key ViewKey, owner string, now time.Time, ttl time.Duration) (bool, error)

	// ExtendLease moves the expiry of a lease owned by owner to now+ttl. It
	// reports false when owner lost the lease.
	ExtendLease(ctx context.Context, key ViewKey, owner string, now time.Time, ttl time.Duration) (bool, error)

	// ReleaseLease releases a lease owned by owner. Releasing a lease owned by
	// someone else is a no-op.
	ReleaseLease(ctx context.Context, key ViewKey, owner string) error

	// LastEventID returns the last finalized event of the view, "" when none.
	LastEventID(ctx context.Context, key ViewKey) (string, error)

	// ClaimEvent marks eventID as processing at now. It succeeds when the event
	// has no claim, or an unfinalized claim older than ttl.
	ClaimEvent(ctx context.Context, key ViewKey, eventID string, now time.Time, ttl time.Duration) (bool, error)

	// FinalizeEvent marks the claim of eventID done and records eventID as the
	// view's last event. It fails with ErrLockIntegrity if there is no open claim.
	FinalizeEvent(ctx context.Context, key ViewKey, eventID string) error
}

// Options configures the lockers of one view.
type Options struct {
	ProjectionName string
	SchemaVersion  string

	// ViewLockTTL is the lease duration, renewed every half lease while held.
	ViewLockTTL time.Duration

	// EventLockTTL is how long a claim blocks other processes before it is
	// considered abandoned.
	EventLockTTL time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time

	Logger cqrs.Logger
}

// OptionsFromConfig converts the [locker] config section.
func OptionsFromConfig(cfg cqrs.LockerConfig) Options {
	return Options{
		ProjectionName: cfg.ProjectionName,
		SchemaVersion:  cfg.SchemaVersion,
		ViewLockTTL:    cfg.ViewLockTTL.Duration,
		EventLockTTL:   cfg.EventLockTTL.Duration,
	}
}

func (o Options) key() ViewKey {
	return ViewKey{Projection: o.ProjectionName, SchemaVersion: o.SchemaVersion}
}

func (o Options) withDefaults() (Options, error) {
	if o.ProjectionName == "" {
		return o, fmt.Errorf("projection name is required: %w", cqrs.ErrInvalidArgument)
	}
	if o.ViewLockTTL <= 0 {
		o.ViewLockTTL = DefaultViewLockTTL
	}
	if o.EventLockTTL <= 0 {
		o.EventLockTTL = DefaultEventLockTTL
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o, nil
}

// now is the clock reading truncated to the millisecond precision the
// backends store.
func (o Options) now() time.Time {
	return o.Clock().UTC().Truncate(time.Millisecond)
}

var errLeaseHeld = errors.New("view lease held by another process")
