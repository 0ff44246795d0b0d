// Package sqlite provides SQLite implementation of the signup repository.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/signup-approval/internal/domain"
	"github.com/bissquit/signup-approval/internal/signup"
)

const userColumns = `uid, name, email, role, player_id, verified, notified, email_sent,
	approval_email_id, approval_claimed_at, verified_at, created_at, updated_at`

// Repository implements signup.Repository using SQLite.
// Timestamps are stored as unix milliseconds.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a new SQLite repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// UpsertPending inserts a new unverified user or refreshes the profile of an existing one.
func (r *Repository) UpsertPending(ctx context.Context, user *domain.User) error {
	now := r.now().UnixMilli()
	query := `
		INSERT INTO users (role, uid, name, email, player_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (role, uid) DO UPDATE
		SET name = excluded.name,
		    email = excluded.email,
		    player_id = excluded.player_id,
		    updated_at = excluded.updated_at
		RETURNING ` + userColumns

	stored, err := scanUser(r.db.QueryRowContext(ctx, query,
		string(user.Role), user.UID, user.Name, user.Email, user.PlayerID, now, now,
	))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	*user = *stored
	return nil
}

// GetUser retrieves a user by role and uid.
func (r *Repository) GetUser(ctx context.Context, ref domain.UserRef) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE role = ? AND uid = ?`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, string(ref.Role), ref.UID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
		SET verified = 1, verified_at = COALESCE(verified_at, ?), updated_at = ?
		WHERE role = ? AND uid = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		at.UnixMilli(), r.now().UnixMilli(), string(ref.Role), ref.UID,
	)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return requireUser(result)
}

// AcquireNotifyLease takes the push guard of an un-notified user until until.
func (r *Repository) AcquireNotifyLease(ctx context.Context, ref domain.UserRef, now, until time.Time) (bool, error) {
	query := `
		UPDATE users
		SET notify_lease_until = ?
		WHERE role = ? AND uid = ? AND notified = 0
		  AND (notify_lease_until IS NULL OR notify_lease_until <= ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		until.UnixMilli(), string(ref.Role), ref.UID, now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire notify lease: %w", err)
	}
	return affected(result)
}

// LatchNotified records a delivered push.
func (r *Repository) LatchNotified(ctx context.Context, ref domain.UserRef) error {
	query := `
		UPDATE users
		SET notified = 1, notify_lease_until = NULL, updated_at = ?
		WHERE role = ? AND uid = ?
	`
	if _, err := r.db.ExecContext(ctx, query, r.now().UnixMilli(), string(ref.Role), ref.UID); err != nil {
		return fmt.Errorf("latch notified: %w", err)
	}
	return nil
}

// ReleaseNotifyLease drops the push guard after a failed push.
func (r *Repository) ReleaseNotifyLease(ctx context.Context, ref domain.UserRef) error {
	query := `UPDATE users SET notify_lease_until = NULL WHERE role = ? AND uid = ? AND notified = 0`
	if _, err := r.db.ExecContext(ctx, query, string(ref.Role), ref.UID); err != nil {
		return fmt.Errorf("release notify lease: %w", err)
	}
	return nil
}

// SwapApprovalEmail compares and sets approval_email_id, stamping the claim with at.
func (r *Repository) SwapApprovalEmail(ctx context.Context, ref domain.UserRef, oldID, newID string, at time.Time) (bool, error) {
	var claimedAt sql.NullInt64
	if newID != "" {
		claimedAt = sql.NullInt64{Int64: at.UnixMilli(), Valid: true}
	}
	query := `
		UPDATE users
		SET approval_email_id = NULLIF(?, ''), approval_claimed_at = ?, updated_at = ?
		WHERE role = ? AND uid = ? AND email_sent = 0
		  AND COALESCE(approval_email_id, '') = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		newID, claimedAt, r.now().UnixMilli(), string(ref.Role), ref.UID, oldID,
	)
	if err != nil {
		return false, fmt.Errorf("swap approval email: %w", err)
	}
	return affected(result)
}

// MarkEmailSent latches email_sent after the approval email was delivered.
func (r *Repository) MarkEmailSent(ctx context.Context, ref domain.UserRef) error {
	query := `UPDATE users SET email_sent = 1, updated_at = ? WHERE role = ? AND uid = ?`
	result, err := r.db.ExecContext(ctx, query, r.now().UnixMilli(), string(ref.Role), ref.UID)
	if err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}
	return requireUser(result)
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func requireUser(result sql.Result) error {
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return signup.ErrUserNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*domain.User, error) {
	var (
		user                          domain.User
		role                          string
		verified, notified, emailSent bool
		approvalEmailID               sql.NullString
		claimedAt, verifiedAt         sql.NullInt64
		createdAt, updatedAt          int64
	)
	err := row.Scan(
		&user.UID, &user.Name, &user.Email, &role, &user.PlayerID,
		&verified, &notified, &emailSent,
		&approvalEmailID, &claimedAt, &verifiedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	user.Role = domain.Role(role)
	user.Verified = verified
	user.Notified = notified
	user.EmailSent = emailSent
	user.ApprovalEmailID = approvalEmailID.String
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	user.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if claimedAt.Valid {
		t := time.UnixMilli(claimedAt.Int64).UTC()
		user.ApprovalClaimedAt = &t
	}
	if verifiedAt.Valid {
		t := time.UnixMilli(verifiedAt.Int64).UTC()
		user.VerifiedAt = &t
	}
	return &user, nil
}
