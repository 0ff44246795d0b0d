// Package postgres provides PostgreSQL implementation of the mail queue repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/signup-approval/internal/domain"
	"github.com/bissquit/signup-approval/internal/mailqueue"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `id, recipient, subject, body, type, target_role, target_uid, status, retries,
	last_error, lease_owner, lease_expires_at, created_at, updated_at, sent_at`

// Repository implements mailqueue.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Enqueue inserts a pending entry.
func (r *Repository) Enqueue(ctx context.Context, entry mailqueue.NewEntry) (*mailqueue.Entry, error) {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}

	var role, uid *string
	if entry.Target != nil {
		targetRole := string(entry.Target.Role)
		role, uid = &targetRole, &entry.Target.UID
	}

	query := `
		INSERT INTO email_queue (id, recipient, subject, body, type, target_role, target_uid)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + entryColumns

	created, err := scanEntry(r.db.QueryRow(ctx, query,
		id, entry.To, entry.Subject, entry.Body, entry.Type, role, uid,
	))
	if err != nil {
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}
	return created, nil
}

// GetEntry retrieves a queue entry by ID.
func (r *Repository) GetEntry(ctx context.Context, id string) (*mailqueue.Entry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, mailqueue.ErrEntryNotFound
	}

	query := `SELECT ` + entryColumns + ` FROM email_queue WHERE id = $1`

	entry, err := scanEntry(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mailqueue.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return entry, nil
}

// ClaimDue leases due entries to req.Owner. Concurrent claimers skip rows
// locked by each other, so each entry goes to exactly one owner.
func (r *Repository) ClaimDue(ctx context.Context, req mailqueue.ClaimRequest) ([]*mailqueue.Entry, error) {
	query := `
		UPDATE email_queue
		SET status = 'in_flight', lease_owner = $1, lease_expires_at = $2, updated_at = $3
		WHERE id IN (
			SELECT id FROM email_queue
			WHERE status = 'pending'
			   OR (status = 'in_flight' AND lease_expires_at < $3)
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + entryColumns

	rows, err := r.db.Query(ctx, query, req.Owner, req.LeaseUntil, req.Now, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("claim queue entries: %w", err)
	}
	defer rows.Close()

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
	return entries, nil
}

// MarkSent marks an in-flight entry owned by owner as sent.
func (r *Repository) MarkSent(ctx context.Context, id, owner string, at time.Time) error {
	query := `
		UPDATE email_queue
		SET status = 'sent', sent_at = $3, updated_at = $3, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'in_flight' AND lease_owner = $2
	`
	result, err := r.db.Exec(ctx, query, id, owner, at)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return mailqueue.ErrLeaseLost
	}
	return nil
}

// RecordFailure increments retries and returns the entry to pending, or moves it to failed.
func (r *Repository) RecordFailure(ctx context.Context, failure mailqueue.Failure) error {
	status := mailqueue.StatusPending
	if failure.Terminal {
		status = mailqueue.StatusFailed
	}

	query := `
		UPDATE email_queue
		SET status = $3, retries = retries + 1, last_error = $4, updated_at = $5,
		    lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'in_flight' AND lease_owner = $2
	`
	result, err := r.db.Exec(ctx, query, failure.ID, failure.Owner, status, failure.Error, failure.At)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if result.RowsAffected() == 0 {
		return mailqueue.ErrLeaseLost
	}
	return nil
}

// GetQueueStats returns entry counts by status.
func (r *Repository) GetQueueStats(ctx context.Context) (*mailqueue.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'in_flight'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM email_queue
	`
	var stats mailqueue.QueueStats
	if err := r.db.QueryRow(ctx, query).Scan(&stats.Pending, &stats.InFlight, &stats.Sent, &stats.Failed); err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

func scanEntry(row pgx.Row) (*mailqueue.Entry, error) {
	var (
		entry     mailqueue.Entry
		role, uid *string
		lastError *string
		owner     *string
	)
	err := row.Scan(
		&entry.ID,
		&entry.To,
		&entry.Subject,
		&entry.Body,
		&entry.Type,
		&role,
		&uid,
		&entry.Status,
		&entry.Retries,
		&lastError,
		&owner,
		&entry.LeaseExpiresAt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
		&entry.SentAt,
	)
	if err != nil {
		return nil, err
	}

	if role != nil && uid != nil {
		entry.Target = &domain.UserRef{Role: domain.Role(*role), UID: *uid}
	}
	if lastError != nil {
		entry.LastError = *lastError
	}
	if owner != nil {
		entry.LeaseOwner = *owner
	}
	return &entry, nil
}
