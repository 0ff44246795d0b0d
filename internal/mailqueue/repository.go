// Package mailqueue provides the email delivery queue: entries, stores and the polling engine.
package mailqueue

import (
	"context"
	"time"

	"github.com/bissquit/signup-approval/internal/domain"
)

// Repository defines the interface for queue data access.
type Repository interface {
	Enqueue(ctx context.Context, entry NewEntry) (*Entry, error)
	GetEntry(ctx context.Context, id string) (*Entry, error)

	// ClaimDue atomically moves up to req.Limit pending entries, and in-flight entries whose
	// lease expired before req.Now, to in_flight owned by req.Owner until req.LeaseUntil.
	ClaimDue(ctx context.Context, req ClaimRequest) ([]*Entry, error)

	// MarkSent and RecordFailure only apply while owner still holds the lease;
	// otherwise they return ErrLeaseLost.
	MarkSent(ctx context.Context, id, owner string, at time.Time) error
	RecordFailure(ctx context.Context, failure Failure) error

	GetQueueStats(ctx context.Context) (*QueueStats, error)
}

// Sender delivers an email.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// DeliveryHook is notified after a user approval email is confirmed sent.
type DeliveryHook interface {
	MarkEmailSent(ctx context.Context, ref domain.UserRef) error
}

// CycleGuard serializes cycles across processes. TryLock returns ok=false when
// another holder owns the guard.
type CycleGuard interface {
	TryLock(ctx context.Context, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}
