// Package sqlite provides SQLite implementation of the mail queue repository.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bissquit/signup-approval/internal/domain"
	"github.com/bissquit/signup-approval/internal/mailqueue"
	"github.com/google/uuid"
)

const entryColumns = `id, recipient, subject, body, type, target_role, target_uid, status, retries,
	last_error, lease_owner, lease_expires_at, created_at, updated_at, sent_at`

// Repository implements mailqueue.Repository using SQLite.
// Timestamps are stored as unix milliseconds.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Enqueue inserts a pending entry.
func (r *Repository) Enqueue(ctx context.Context, entry mailqueue.NewEntry) (*mailqueue.Entry, error) {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}

	var role, uid sql.NullString
	if entry.Target != nil {
		role = sql.NullString{String: string(entry.Target.Role), Valid: true}
		uid = sql.NullString{String: entry.Target.UID, Valid: true}
	}

	now := time.Now().UnixMilli()
	query := `
		INSERT INTO email_queue (id, recipient, subject, body, type, target_role, target_uid, status, retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)
		RETURNING ` + entryColumns

	created, err := scanEntry(r.db.QueryRowContext(ctx, query,
		id, entry.To, entry.Subject, entry.Body, string(entry.Type), role, uid, now, now,
	))
	if err != nil {
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}
	return created, nil
}

// GetEntry retrieves a queue entry by ID.
func (r *Repository) GetEntry(ctx context.Context, id string) (*mailqueue.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM email_queue WHERE id = ?`

	entry, err := scanEntry(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mailqueue.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return entry, nil
}

// ClaimDue leases due entries to req.Owner. SQLite serializes writers, so the
// single UPDATE statement hands each entry to exactly one owner.
func (r *Repository) ClaimDue(ctx context.Context, req mailqueue.ClaimRequest) ([]*mailqueue.Entry, error) {
	now := req.Now.UnixMilli()
	query := `
		UPDATE email_queue
		SET status = 'in_flight', lease_owner = ?, lease_expires_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM email_queue
			WHERE status = 'pending'
			   OR (status = 'in_flight' AND lease_expires_at < ?)
			ORDER BY created_at
			LIMIT ?
		)
		RETURNING ` + entryColumns

	rows, err := r.db.QueryContext(ctx, query, req.Owner, req.LeaseUntil.UnixMilli(), now, now, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("claim queue entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*mailqueue.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}

	// RETURNING order is unspecified.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// MarkSent marks an in-flight entry owned by owner as sent.
func (r *Repository) MarkSent(ctx context.Context, id, owner string, at time.Time) error {
	query := `
		UPDATE email_queue
		SET status = 'sent', sent_at = ?, updated_at = ?, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = 'in_flight' AND lease_owner = ?
	`
	result, err := r.db.ExecContext(ctx, query, at.UnixMilli(), at.UnixMilli(), id, owner)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return requireRow(result)
}

// RecordFailure increments retries and returns the entry to pending, or moves it to failed.
func (r *Repository) RecordFailure(ctx context.Context, failure mailqueue.Failure) error {
	status := mailqueue.StatusPending
	if failure.Terminal {
		status = mailqueue.StatusFailed
	}

	query := `
		UPDATE email_queue
		SET status = ?, retries = retries + 1, last_error = ?, updated_at = ?,
		    lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = 'in_flight' AND lease_owner = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		string(status), failure.Error, failure.At.UnixMilli(), failure.ID, failure.Owner,
	)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return requireRow(result)
}

// GetQueueStats returns entry counts by status.
func (r *Repository) GetQueueStats(ctx context.Context) (*mailqueue.QueueStats, error) {
	query := `
		SELECT
			COALESCE(SUM(status = 'pending'), 0),
			COALESCE(SUM(status = 'in_flight'), 0),
			COALESCE(SUM(status = 'sent'), 0),
			COALESCE(SUM(status = 'failed'), 0)
		FROM email_queue
	`
	var stats mailqueue.QueueStats
	if err := r.db.QueryRowContext(ctx, query).Scan(&stats.Pending, &stats.InFlight, &stats.Sent, &stats.Failed); err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return mailqueue.ErrLeaseLost
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*mailqueue.Entry, error) {
	var (
		entry               mailqueue.Entry
		entryType, status   string
		role, uid           sql.NullString
		lastError, owner    sql.NullString
		leaseExpires, sent  sql.NullInt64
		createdAt, updateAt int64
	)
	err := row.Scan(
		&entry.ID,
		&entry.To,
		&entry.Subject,
		&entry.Body,
		&entryType,
		&role,
		&uid,
		&status,
		&entry.Retries,
		&lastError,
		&owner,
		&leaseExpires,
		&createdAt,
		&updateAt,
		&sent,
	)
	if err != nil {
		return nil, err
	}

	entry.Type = mailqueue.EntryType(entryType)
	entry.Status = mailqueue.Status(status)
	entry.LastError = lastError.String
	entry.LeaseOwner = owner.String
	entry.CreatedAt = time.UnixMilli(createdAt).UTC()
	entry.UpdatedAt = time.UnixMilli(updateAt).UTC()
	entry.LeaseExpiresAt = millisPtr(leaseExpires)
	entry.SentAt = millisPtr(sent)
	if role.Valid && uid.Valid {
		entry.Target = &domain.UserRef{Role: domain.Role(role.String), UID: uid.String}
	}
	return &entry, nil
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
