// Package domain contains the core entities shared across modules.
package domain

import "time"

// Role identifies which users partition a record belongs to.
type Role string

const (
	RoleStaff Role = "staff"
	RoleRP    Role = "rp"
	RoleUser  Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleStaff, RoleRP, RoleUser:
		return true
	}
	return false
}

// ParseRole converts a raw string into a Role.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, r.Valid()
}

// UserRef is the (role, uid) key of a user record.
type UserRef struct {
	Role Role   `json:"role"`
	UID  string `json:"uid"`
}

// Path returns the partition path of the record, e.g. "staff/42" or "users/42".
func (r UserRef) Path() string {
	switch r.Role {
	case RoleStaff:
		return "staff/" + r.UID
	case RoleRP:
		return "rp/" + r.UID
	default:
		return "users/" + r.UID
	}
}

func (r UserRef) String() string {
	return string(r.Role) + "/" + r.UID
}

// User is a registered account awaiting or past admin approval.
//
// Verified, Notified and EmailSent only ever move from false to true.
type User struct {
	UID        string     `json:"uid"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Role       Role       `json:"role"`
	PlayerID   string     `json:"player_id,omitempty"`
	Verified   bool       `json:"verified"`
	Notified   bool       `json:"notified"`
	EmailSent  bool       `json:"email_sent"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	// ApprovalEmailID is the queue entry carrying the approval email, claimed
	// at ApprovalClaimedAt.
	ApprovalEmailID   string     `json:"-"`
	ApprovalClaimedAt *time.Time `json:"-"`
}

// Ref returns the record key.
func (u *User) Ref() UserRef {
	return UserRef{Role: u.Role, UID: u.UID}
}
