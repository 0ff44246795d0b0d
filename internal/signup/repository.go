// Package signup implements the registration approval workflow: signup intake,
// administrator approval, push notification and approval email.
package signup

import (
	"context"
	"time"

	"github.com/bissquit/signup-approval/internal/domain"
	"github.com/bissquit/signup-approval/internal/mailqueue"
)

// Repository defines the interface for user data access.
type Repository interface {
	// UpsertPending inserts the user unverified, or refreshes name, email and
	// player id of an existing user without touching its flags.
	UpsertPending(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, ref domain.UserRef) (*domain.User, error)
	MarkVerified(ctx context.Context, ref domain.UserRef, at time.Time) error

	// AcquireNotifyLease succeeds for one caller while the user is not notified
	// and no other lease is live at now.
	AcquireNotifyLease(ctx context.Context, ref domain.UserRef, now, until time.Time) (bool, error)
	LatchNotified(ctx context.Context, ref domain.UserRef) error
	ReleaseNotifyLease(ctx context.Context, ref domain.UserRef) error

	// SwapApprovalEmail sets approval_email_id to newID only if it currently equals oldID
	// (empty means unset) and records at as the claim time. Empty newID clears both.
	SwapApprovalEmail(ctx context.Context, ref domain.UserRef, oldID, newID string, at time.Time) (bool, error)
	MarkEmailSent(ctx context.Context, ref domain.UserRef) error

	Ping(ctx context.Context) error
}

// Queue is the part of the mail queue engine the workflow uses.
type Queue interface {
	Enqueue(ctx context.Context, entry mailqueue.NewEntry) (*mailqueue.Entry, error)
	GetEntry(ctx context.Context, id string) (*mailqueue.Entry, error)
}
