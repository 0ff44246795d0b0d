// Package postgres provides PostgreSQL implementation of the signup repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/signup-approval/internal/domain"
	"github.com/bissquit/signup-approval/internal/signup"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const userColumns = `uid, name, email, role, player_id, verified, notified, email_sent,
	approval_email_id, approval_claimed_at, verified_at, created_at, updated_at`

// Repository implements signup.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// UpsertPending inserts a new unverified user or refreshes the profile of an existing one.
func (r *Repository) UpsertPending(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (role, uid, name, email, player_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (role, uid) DO UPDATE
		SET name = EXCLUDED.name,
		    email = EXCLUDED.email,
		    player_id = EXCLUDED.player_id,
		    updated_at = NOW()
		RETURNING ` + userColumns

	stored, err := scanUser(r.db.QueryRow(ctx, query,
		user.Role, user.UID, user.Name, user.Email, user.PlayerID,
	))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	*user = *stored
	return nil
}

// GetUser retrieves a user by role and uid.
func (r *Repository) GetUser(ctx context.Context, ref domain.UserRef) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE role = $1 AND uid = $2`

	user, err := scanUser(r.db.QueryRow(ctx, query, ref.Role, ref.UID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, signup.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// MarkVerified sets verified. The first verification time is kept.
func (r *Repository) MarkVerified(ctx context.Context, ref domain.UserRef, at time.Time) error {
	query := `
		UPDATE users
		SET verified = TRUE, verified_at = COALESCE(verified_at, $3), updated_at = NOW()
		WHERE role = $1 AND uid = $2
	`
	result, err := r.db.Exec(ctx, query, ref.Role, ref.UID, at)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	if result.RowsAffected() == 0 {
		return signup.ErrUserNotFound
	}
	return nil
}

// AcquireNotifyLease takes the push guard of an un-notified user until until.
func (r *Repository) AcquireNotifyLease(ctx context.Context, ref domain.UserRef, now, until time.Time) (bool, error) {
	query := `
		UPDATE users
		SET notify_lease_until = $4
		WHERE role = $1 AND uid = $2 AND notified = FALSE
		  AND (notify_lease_until IS NULL OR notify_lease_until <= $3)
	`
	result, err := r.db.Exec(ctx, query, ref.Role, ref.UID, now, until)
	if err != nil {
		return false, fmt.Errorf("acquire notify lease: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// LatchNotified records a delivered push.
func (r *Repository) LatchNotified(ctx context.Context, ref domain.UserRef) error {
	query := `
		UPDATE users
		SET notified = TRUE, notify_lease_until = NULL, updated_at = NOW()
		WHERE role = $1 AND uid = $2
	`
	if _, err := r.db.Exec(ctx, query, ref.Role, ref.UID); err != nil {
		return fmt.Errorf("latch notified: %w", err)
	}
	return nil
}

// ReleaseNotifyLease drops the push guard after a failed push.
func (r *Repository) ReleaseNotifyLease(ctx context.Context, ref domain.UserRef) error {
	query := `UPDATE users SET notify_lease_until = NULL WHERE role = $1 AND uid = $2 AND notified = FALSE`
	if _, err := r.db.Exec(ctx, query, ref.Role, ref.UID); err != nil {
		return fmt.Errorf("release notify lease: %w", err)
	}
	return nil
}

// SwapApprovalEmail compares and sets approval_email_id, stamping the claim with at.
func (r *Repository) SwapApprovalEmail(ctx context.Context, ref domain.UserRef, oldID, newID string, at time.Time) (bool, error) {
	var claimedAt *time.Time
	if newID != "" {
		claimedAt = &at
	}
	query := `
		UPDATE users
		SET approval_email_id = NULLIF($4, ''), approval_claimed_at = $5, updated_at = NOW()
		WHERE role = $1 AND uid = $2 AND email_sent = FALSE
		  AND COALESCE(approval_email_id, '') = $3
	`
	result, err := r.db.Exec(ctx, query, ref.Role, ref.UID, oldID, newID, claimedAt)
	if err != nil {
		return false, fmt.Errorf("swap approval email: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkEmailSent latches email_sent after the approval email was delivered.
func (r *Repository) MarkEmailSent(ctx context.Context, ref domain.UserRef) error {
	query := `UPDATE users SET email_sent = TRUE, updated_at = NOW() WHERE role = $1 AND uid = $2`
	result, err := r.db.Exec(ctx, query, ref.Role, ref.UID)
	if err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return signup.ErrUserNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	var approvalEmailID *string
	err := row.Scan(
		&user.UID, &user.Name, &user.Email, &user.Role, &user.PlayerID,
		&user.Verified, &user.Notified, &user.EmailSent,
		&approvalEmailID, &user.ApprovalClaimedAt, &user.VerifiedAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if approvalEmailID != nil {
		user.ApprovalEmailID = *approvalEmailID
	}
	return &user, nil
}
