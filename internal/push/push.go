// Package push defines push notifications sent to approved users.
package push

import (
	"context"
	"errors"
)

// ErrDisabled is returned by pushers that are not configured. Callers must not
// treat it as a delivered notification.
var ErrDisabled = errors.New("push notifications disabled")

// Notification is a push message addressed to one device.
type Notification struct {
	PlayerID string
	Heading  string
	Message  string
}

// Pusher delivers push notifications.
type Pusher interface {
	Push(ctx context.Context, n Notification) error
}

// Disabled is a Pusher used when no push provider is configured.
type Disabled struct{}

// Push always returns ErrDisabled.
func (Disabled) Push(context.Context, Notification) error {
	return ErrDisabled
}
