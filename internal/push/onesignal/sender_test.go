package onesignal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/signup-approval/internal/push"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSender(t *testing.T, url string) *Sender {
	t.Helper()
	sender, err := NewSender(Config{
		Enabled: true,
		AppID:   "app-123",
		APIKey:  "rest-key",
		APIURL:  url,
	})
	require.NoError(t, err)
	return sender
}

func testNotification() push.Notification {
	return push.Notification{
		PlayerID: "player-1",
		Heading:  "Account approved",
		Message:  "Your account has been approved.",
	}
}

func TestNewSender_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"enabled without app id", Config{Enabled: true, APIKey: "k"}, "app id is required"},
		{"enabled without api key", Config{Enabled: true, AppID: "a"}, "api key is required"},
		{"disabled - no validation", Config{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := NewSender(tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, sender)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, sender)
			}
		})
	}
}

func TestNewSender_Defaults(t *testing.T) {
	sender, err := NewSender(Config{APIURL: "https://example.com/api/"})
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/api", sender.config.APIURL)
	assert.Equal(t, defaultTimeout, sender.config.Timeout)
}

func TestSender_Push_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/notifications", r.URL.Path)
		assert.Equal(t, "Basic rest-key", r.Header.Get("Authorization"))

		var payload notificationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "app-123", payload.AppID)
		assert.Equal(t, []string{"player-1"}, payload.IncludePlayerIDs)
		assert.Equal(t, "Account approved", payload.Headings["en"])
		assert.Equal(t, "Your account has been approved.", payload.Contents["en"])

		_, _ = w.Write([]byte(`{"id":"n-1","recipients":1}`))
	}))
	defer server.Close()

	err := newTestSender(t, server.URL).Push(context.Background(), testNotification())
	assert.NoError(t, err)
}

func TestSender_Push_Disabled(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	sender, err := NewSender(Config{APIURL: server.URL})
	require.NoError(t, err)

	assert.ErrorIs(t, sender.Push(context.Background(), testNotification()), push.ErrDisabled)
	assert.False(t, called)
}

func TestSender_Push_EmptyPlayer(t *testing.T) {
	sender := newTestSender(t, "http://127.0.0.1:1")

	err := sender.Push(context.Background(), push.Notification{Message: "x"})

	var permErr *PermanentError
	require.ErrorAs(t, err, &permErr)
}

func TestSender_Push_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"unsubscribed player", http.StatusOK, `{"id":"","errors":["All included players are not subscribed"]}`, false},
		{"bad request", http.StatusBadRequest, `{"errors":["app_id not found"]}`, false},
		{"unauthorized", http.StatusUnauthorized, ``, false},
		{"forbidden", http.StatusForbidden, ``, false},
		{"not found", http.StatusNotFound, ``, false},
		{"rate limited", http.StatusTooManyRequests, ``, true},
		{"server error", http.StatusBadGateway, `upstream`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := newTestSender(t, server.URL).Push(context.Background(), testNotification())
			require.Error(t, err)

			type retryable interface{ IsRetryable() bool }
			var r retryable
			require.ErrorAs(t, err, &r)
			assert.Equal(t, tt.retryable, r.IsRetryable())
		})
	}
}

func TestSender_Push_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	sender, err := NewSender(Config{
		Enabled: true,
		AppID:   "app",
		APIKey:  "key",
		APIURL:  server.URL,
		Timeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	err = sender.Push(context.Background(), testNotification())

	var retryErr *RetryableError
	require.ErrorAs(t, err, &retryErr)
}

func TestDisabled_Push(t *testing.T) {
	var p push.Pusher = push.Disabled{}
	assert.ErrorIs(t, p.Push(context.Background(), testNotification()), push.ErrDisabled)
}
