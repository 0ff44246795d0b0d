package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/signup-approval/internal/pkg/ctxlog"
)

// ErrorMapping defines how a domain error maps to an HTTP response.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // if empty, uses err.Error()
}

// MapError returns the status and message of the first mapping matching err.
func MapError(err error, mappings []ErrorMapping) (status int, message string, ok bool) {
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}
			return m.Status, msg, true
		}
	}
	return 0, "", false
}

// HandleError maps a domain error to a JSON error response using provided mappings.
// If no mapping matches, logs the error and returns 500 with fallback as the message.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping, fallback string) {
	if status, msg, ok := MapError(err, mappings); ok {
		Error(w, status, msg)
		return
	}
	if fallback == "" {
		fallback = "internal error"
	}
	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, fallback)
}
