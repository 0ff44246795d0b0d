// Package onesignal provides push notification sending via the OneSignal REST API.
package onesignal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bissquit/signup-approval/internal/push"
)

const (
	defaultAPIURL  = "https://onesignal.com/api/v1"
	defaultTimeout = 10 * time.Second
)

// Config holds OneSignal sender configuration.
type Config struct {
	Enabled bool
	AppID   string
	APIKey  string
	APIURL  string
	Timeout time.Duration
}

// Sender implements push.Pusher via OneSignal.
type Sender struct {
	config     Config
	httpClient *http.Client
}

// NewSender creates a new OneSignal sender.
// Returns error if enabled but credentials are missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.AppID == "" {
			return nil, errors.New("onesignal sender: app id is required when enabled")
		}
		if config.APIKey == "" {
			return nil, errors.New("onesignal sender: api key is required when enabled")
		}
	}

	if config.APIURL == "" {
		config.APIURL = defaultAPIURL
	}
	config.APIURL = strings.TrimRight(config.APIURL, "/")
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	slog.Info("onesignal sender configured",
		"enabled", config.Enabled,
		"api_url", config.APIURL,
	)

	return &Sender{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

type notificationRequest struct {
	AppID            string            `json:"app_id"`
	IncludePlayerIDs []string          `json:"include_player_ids"`
	Headings         map[string]string `json:"headings,omitempty"`
	Contents         map[string]string `json:"contents"`
}

type notificationResponse struct {
	ID     string          `json:"id"`
	Errors json.RawMessage `json:"errors,omitempty"`
}

// Push sends n to its player.
func (s *Sender) Push(ctx context.Context, n push.Notification) error {
	if !s.config.Enabled {
		return push.ErrDisabled
	}
	if n.PlayerID == "" {
		return &PermanentError{Message: "player id is empty"}
	}

	payload := notificationRequest{
		AppID:            s.config.AppID,
		IncludePlayerIDs: []string{n.PlayerID},
		Contents:         map[string]string{"en": n.Message},
	}
	if n.Heading != "" {
		payload.Headings = map[string]string{"en": n.Heading}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL+"/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Basic "+s.config.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp)
}

func (s *Sender) handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var parsed notificationResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		// OneSignal reports unsubscribed players with 200 and an errors field.
		if len(parsed.Errors) > 0 && string(parsed.Errors) != "null" && string(parsed.Errors) != "[]" {
			return &PermanentError{Code: resp.StatusCode, Message: string(parsed.Errors)}
		}
		slog.Debug("push notification sent", "notification_id", parsed.ID)
		return nil

	case http.StatusBadRequest:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("bad request: %s", string(body)),
		}

	case http.StatusUnauthorized, http.StatusForbidden:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: "invalid api key",
		}

	case http.StatusNotFound:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: "app not found",
		}

	case http.StatusTooManyRequests:
		return &RetryableError{
			Code:    resp.StatusCode,
			Message: "rate limited",
		}

	default:
		if resp.StatusCode >= 500 {
			return &RetryableError{
				Code:    resp.StatusCode,
				Message: fmt.Sprintf("server error: %s", string(body)),
			}
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("onesignal error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("onesignal error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("onesignal error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("onesignal error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
