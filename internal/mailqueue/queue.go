package mailqueue

import (
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/signup-approval/internal/domain"
)

// Status represents the delivery status of a queue entry.
type Status string

// Queue statuses. Sent and failed are terminal.
const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further delivery attempt will be made.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// EntryType identifies what must happen after a confirmed send.
type EntryType string

// Entry types.
const (
	EntryTypeSignup          EntryType = "signup"
	EntryTypeUserApproval    EntryType = "user_approval"
	EntryTypeDeadLetterAlert EntryType = "dead_letter_alert"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryTypeSignup, EntryTypeUserApproval, EntryTypeDeadLetterAlert:
		return true
	}
	return false
}

// Entry is one unit of deferred email work.
type Entry struct {
	ID             string
	To             string
	Subject        string
	Body           string
	Type           EntryType
	Target         *domain.UserRef
	Status         Status
	Retries        int
	LastError      string
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SentAt         *time.Time
}

// NewEntry contains data for appending an entry to the queue.
// ID is optional; the store assigns one when it is empty.
type NewEntry struct {
	ID      string
	To      string
	Subject string
	Body    string
	Type    EntryType
	Target  *domain.UserRef
}

// Validate checks the fields required to enqueue.
func (n NewEntry) Validate() error {
	if strings.TrimSpace(n.To) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidEntry)
	}
	if strings.TrimSpace(n.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidEntry)
	}
	if !n.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, n.Type)
	}
	if n.Type == EntryTypeUserApproval && n.Target == nil {
		return fmt.Errorf("%w: user approval entry requires a target user", ErrInvalidEntry)
	}
	return nil
}

// QueueStats holds entry counts by status.
type QueueStats struct {
	Pending  int
	InFlight int
	Sent     int
	Failed   int
}

// ClaimRequest describes a claim of due entries by one owner.
type ClaimRequest struct {
	Owner      string
	Now        time.Time
	LeaseUntil time.Time
	Limit      int
}

// Failure describes a failed send attempt to be recorded on an entry.
type Failure struct {
	ID       string
	Owner    string
	Error    string
	Terminal bool
	At       time.Time
}

// Message is an email handed to a Sender.
type Message struct {
	To      string
	Subject string
	Body    string
}
