package signup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/bissquit/signup-approval/internal/domain"
	"github.com/bissquit/signup-approval/internal/mailqueue"
	"github.com/bissquit/signup-approval/internal/pkg/ctxlog"
	"github.com/bissquit/signup-approval/internal/push"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const latchAttempts = 3

// Messages returned to callers.
const (
	MessageSignupQueued = "User registered and email queued"
	MessageUserVerified = "User verified successfully!"
)

// Config contains workflow configuration.
type Config struct {
	// AdminEmail receives signup approval requests.
	AdminEmail string
	// BaseURL is the public URL of this service, used to build approval links.
	BaseURL     string
	PushTimeout time.Duration
	// NotifyLease bounds how long one approval may hold the push guard.
	NotifyLease time.Duration
	// EmailClaimTimeout is how long a claimed approval email may stay unqueued
	// before another approval takes the claim over.
	EmailClaimTimeout time.Duration
}

// SignupInput is a signup request.
type SignupInput struct {
	UID      string `json:"uid" validate:"required,max=128"`
	Name     string `json:"name" validate:"required,max=255"`
	Email    string `json:"email" validate:"required,email,max=320"`
	Role     string `json:"role" validate:"required,oneof=staff rp user"`
	PlayerID string `json:"playerId" validate:"max=255"`
}

// SignupResult is the outcome of a signup.
type SignupResult struct {
	Message string
	User    *domain.User
	EntryID string
}

// ApproveResult is the outcome of an approval.
type ApproveResult struct {
	User        *domain.User
	Pushed      bool
	EmailQueued bool
}

// Service implements the approval workflow.
type Service struct {
	config   Config
	repo     Repository
	queue    Queue
	pusher   push.Pusher
	renderer *Renderer
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates a new signup service. A nil pusher disables push notifications.
func NewService(config Config, repo Repository, queue Queue, pusher push.Pusher, renderer *Renderer) *Service {
	if pusher == nil {
		pusher = push.Disabled{}
	}
	if config.PushTimeout <= 0 {
		config.PushTimeout = 10 * time.Second
	}
	if config.NotifyLease <= 0 {
		config.NotifyLease = time.Minute
	}
	if config.EmailClaimTimeout <= 0 {
		config.EmailClaimTimeout = 5 * time.Minute
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Service{
		config:   config,
		repo:     repo,
		queue:    queue,
		pusher:   pusher,
		renderer: renderer,
		validate: newValidator(),
		now:      time.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SubmitSignup registers user as pending and queues an approval request to the administrator.
func (s *Service) SubmitSignup(ctx context.Context, input SignupInput) (*SignupResult, error) {
	input.UID = strings.TrimSpace(input.UID)
	input.Name = strings.TrimSpace(input.Name)
	input.Email = strings.TrimSpace(input.Email)
	input.PlayerID = strings.TrimSpace(input.PlayerID)

	if err := s.validate.Struct(input); err != nil {
		return nil, toValidationError(err)
	}

	user := &domain.User{
		UID:      input.UID,
		Name:     input.Name,
		Email:    input.Email,
		Role:     domain.Role(input.Role),
		PlayerID: input.PlayerID,
	}
	if err := s.repo.UpsertPending(ctx, user); err != nil {
		return nil, fmt.Errorf("save user: %w", err)
	}

	subject, body, err := s.renderer.AdminSignup(user, s.ApproveURL(user.Ref()))
	if err != nil {
		return nil, fmt.Errorf("render signup email: %w", err)
	}

	entry, err := s.queue.Enqueue(ctx, mailqueue.NewEntry{
		To:      s.config.AdminEmail,
		Subject: subject,
		Body:    body,
		Type:    mailqueue.EntryTypeSignup,
	})
	if err != nil {
		return nil, fmt.Errorf("queue signup email: %w", err)
	}

	ctxlog.FromContext(ctx).Info("user registered",
		"user", user.Ref().Path(),
		"entry_id", entry.ID,
	)

	return &SignupResult{
		Message: MessageSignupQueued,
		User:    user,
		EntryID: entry.ID,
	}, nil
}

// ApproveURL builds the approval link for ref.
func (s *Service) ApproveURL(ref domain.UserRef) string {
	q := url.Values{}
	q.Set("uid", ref.UID)
	q.Set("role", string(ref.Role))
	return s.config.BaseURL + "/approve?" + q.Encode()
}

// Approve verifies the user, then notifies it by push and by email. Push and
// email are best effort and never fail the approval.
func (s *Service) Approve(ctx context.Context, ref domain.UserRef) (*ApproveResult, error) {
	var fields []FieldError
	if strings.TrimSpace(ref.UID) == "" {
		fields = append(fields, FieldError{Field: "uid", Message: "required"})
	}
	if !ref.Role.Valid() {
		fields = append(fields, FieldError{Field: "role", Message: "oneof"})
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	ctx, logger := ctxlog.With(ctx, "user", ref.Path())

	user, err := s.repo.GetUser(ctx, ref)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.repo.MarkVerified(ctx, ref, now); err != nil {
		return nil, fmt.Errorf("mark verified: %w", err)
	}
	if !user.Verified {
		user.Verified = true
		user.VerifiedAt = &now
	}

	result := &ApproveResult{User: user}
	result.Pushed = s.notify(ctx, user)
	result.EmailQueued = s.queueApprovalEmail(ctx, user)

	logger.Info("user approved",
		"pushed", result.Pushed,
		"email_queued", result.EmailQueued,
	)

	return result, nil
}

// notify sends the approval push at most once per user.
func (s *Service) notify(ctx context.Context, user *domain.User) bool {
	if user.PlayerID == "" || user.Notified {
		return false
	}

	logger := ctxlog.FromContext(ctx)
	ref := user.Ref()
	now := s.now()

	acquired, err := s.repo.AcquireNotifyLease(ctx, ref, now, now.Add(s.config.NotifyLease))
	if err != nil {
		logger.Error("failed to acquire notify lease", "error", err)
		return false
	}
	if !acquired {
		return false
	}

	pushCtx, cancel := context.WithTimeout(ctx, s.config.PushTimeout)
	defer cancel()

	err = s.pusher.Push(pushCtx, push.Notification{
		PlayerID: user.PlayerID,
		Heading:  "Account approved",
		Message:  fmt.Sprintf("Hi %s, your account has been approved.", user.Name),
	})
	if err != nil {
		if errors.Is(err, push.ErrDisabled) {
			logger.Debug("push notifications disabled, skipping")
		} else {
			logger.Warn("push notification failed", "error", err)
		}
		if releaseErr := s.repo.ReleaseNotifyLease(ctx, ref); releaseErr != nil {
			logger.Error("failed to release notify lease", "error", releaseErr)
		}
		return false
	}

	if err := s.latchNotified(ctx, ref); err != nil {
		// The lease keeps other approvals from pushing until it expires; after
		// that a later approval may push again.
		logger.Error("failed to latch notified", "error", err)
		return true
	}
	user.Notified = true
	return true
}

// latchNotified records a delivered push. The push already went out, so the
// latch is retried and does not depend on the caller's context.
func (s *Service) latchNotified(ctx context.Context, ref domain.UserRef) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.PushTimeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= latchAttempts; attempt++ {
		if err = s.repo.LatchNotified(ctx, ref); err == nil {
			return nil
		}
		if attempt == latchAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

// queueApprovalEmail enqueues the approval email at most once per user.
// EmailSent itself is only set by the queue after delivery.
func (s *Service) queueApprovalEmail(ctx context.Context, user *domain.User) bool {
	if user.EmailSent {
		return false
	}

	logger := ctxlog.FromContext(ctx)
	ref := user.Ref()
	now := s.now()

	if user.ApprovalEmailID != "" {
		entry, err := s.queue.GetEntry(ctx, user.ApprovalEmailID)
		switch {
		case err == nil && entry.Status != mailqueue.StatusFailed:
			return false
		case err == nil:
			// Dead-lettered: a new approval may try again.
		case errors.Is(err, mailqueue.ErrEntryNotFound):
			// Claimed but not queued: either a concurrent approval is still
			// enqueueing, or the claimer died. Only an expired claim is taken over.
			claimedAt := user.ApprovalClaimedAt
			if claimedAt != nil && now.Sub(*claimedAt) < s.config.EmailClaimTimeout {
				return false
			}
			logger.Warn("approval email claim abandoned, claiming again",
				"entry_id", user.ApprovalEmailID,
				"claimed_at", claimedAt,
			)
		default:
			logger.Error("failed to look up approval email", "error", err)
			return false
		}
	}

	newID := uuid.NewString()
	won, err := s.repo.SwapApprovalEmail(ctx, ref, user.ApprovalEmailID, newID, now)
	if err != nil {
		logger.Error("failed to claim approval email", "error", err)
		return false
	}
	if !won {
		return false
	}

	// The enqueue has to land well inside the claim timeout, otherwise another
	// approval could take the claim over and queue a second email.
	enqueueCtx, cancel := context.WithTimeout(ctx, s.config.EmailClaimTimeout/2)
	defer cancel()

	subject, body, err := s.renderer.UserApproved(user)
	if err == nil {
		_, err = s.queue.Enqueue(enqueueCtx, mailqueue.NewEntry{
			ID:      newID,
			To:      user.Email,
			Subject: subject,
			Body:    body,
			Type:    mailqueue.EntryTypeUserApproval,
			Target:  &ref,
		})
	}
	if err != nil {
		logger.Error("failed to queue approval email", "error", err)
		// Clear the claim so a later approval can retry.
		if _, swapErr := s.repo.SwapApprovalEmail(ctx, ref, newID, "", now); swapErr != nil {
			logger.Error("failed to clear approval email claim", "error", swapErr)
		}
		return false
	}

	user.ApprovalEmailID = newID
	user.ApprovalClaimedAt = &now
	return true
}

func toValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return &ValidationError{Fields: []FieldError{{Field: "request", Message: err.Error()}}}
	}

	fields := make([]FieldError, 0, len(validationErrors))
	for _, e := range validationErrors {
		fields = append(fields, FieldError{Field: e.Field(), Message: e.Tag()})
	}
	return &ValidationError{Fields: fields}
}
