//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/bissquit/signup-approval/internal/mailqueue"
)

// RecordingSender is a mailqueue.Sender that keeps messages in memory.
type RecordingSender struct {
	mu   sync.Mutex
	sent []mailqueue.Message
}

// Send implements mailqueue.Sender.
func (s *RecordingSender) Send(_ context.Context, msg mailqueue.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

// Sent returns a copy of the delivered messages.
func (s *RecordingSender) Sent() []mailqueue.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]mailqueue.Message, len(s.sent))
	copy(result, s.sent)
	return result
}

// PushRequest is a notification received by FakeOneSignal.
type PushRequest struct {
	AppID         string
	PlayerIDs     []string
	Message       string
	Authorization string
	ReceivedAt    time.Time
}

// FakeOneSignal is a stand-in for the OneSignal notifications endpoint.
type FakeOneSignal struct {
	server *httptest.Server

	mu        sync.Mutex
	received  []PushRequest
	failCount int
	failCode  int
}

// NewFakeOneSignal starts the fake API server.
func NewFakeOneSignal() *FakeOneSignal {
	f := &FakeOneSignal{}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

// URL returns the API base URL to configure the push sender with.
func (f *FakeOneSignal) URL() string {
	return f.server.URL
}

// Close stops the server.
func (f *FakeOneSignal) Close() {
	f.server.Close()
}

func (f *FakeOneSignal) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/notifications" {
		http.NotFound(w, r)
		return
	}

	var payload struct {
		AppID            string            `json:"app_id"`
		IncludePlayerIDs []string          `json:"include_player_ids"`
		Contents         map[string]string `json:"contents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":["invalid json"]}`))
		return
	}

	f.mu.Lock()
	if f.failCount > 0 {
		f.failCount--
		code := f.failCode
		f.mu.Unlock()
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"errors":["unavailable"]}`))
		return
	}
	f.received = append(f.received, PushRequest{
		AppID:         payload.AppID,
		PlayerIDs:     payload.IncludePlayerIDs,
		Message:       payload.Contents["en"],
		Authorization: r.Header.Get("Authorization"),
		ReceivedAt:    time.Now(),
	})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"id":"notification-1","recipients":1}`))
}

// FailNextN makes the next n requests fail with status code.
func (f *FakeOneSignal) FailNextN(n, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCount = n
	f.failCode = code
}

// Received returns a copy of the accepted notifications.
func (f *FakeOneSignal) Received() []PushRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]PushRequest, len(f.received))
	copy(result, f.received)
	return result
}

// ForPlayer returns the accepted notifications addressed to playerID.
func (f *FakeOneSignal) ForPlayer(playerID string) []PushRequest {
	var result []PushRequest
	for _, req := range f.Received() {
		for _, id := range req.PlayerIDs {
			if id == playerID {
				result = append(result, req)
				break
			}
		}
	}
	return result
}

// Reset clears received notifications and pending failures.
func (f *FakeOneSignal) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = nil
	f.failCount = 0
	f.failCode = 0
}
