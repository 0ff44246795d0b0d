package signup

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bissquit/signup-approval/internal/mailqueue"
	"github.com/bissquit/signup-approval/internal/pkg/httputil"
	"github.com/bissquit/signup-approval/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const specPath = "../../api/openapi/openapi.yaml"

type handlerFixture struct {
	*fixture
	server    *httptest.Server
	validator *testutil.OpenAPIValidator
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := newFixture(t)

	r := chi.NewRouter()
	NewHandler(f.service, f.service.renderer).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &handlerFixture{
		fixture:   f,
		server:    server,
		validator: testutil.NewOpenAPIValidator(t, specPath),
	}
}

func (h *handlerFixture) do(t *testing.T, method, path string, body []byte) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, h.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	validationReq, err := http.NewRequest(method, path, bytes.NewReader(body))
	require.NoError(t, err)
	validationReq.Header = req.Header
	h.validator.ValidateResponse(t, validationReq, resp)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHandler_Signup(t *testing.T) {
	h := newHandlerFixture(t)

	resp, body := h.do(t, http.MethodPost, "/signup", mustJSON(t, map[string]string{
		"uid":      "u1",
		"name":     "Ann",
		"email":    "ann@example.com",
		"role":     "staff",
		"playerId": "p1",
	}))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out httputil.Response
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Success)
	assert.Equal(t, MessageSignupQueued, out.Message)

	assert.Len(t, h.queue.ofType(mailqueue.EntryTypeSignup), 1)
	assert.Equal(t, "p1", h.repo.user(annRef).PlayerID)
}

func TestHandler_Signup_Errors(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		setup       func(*handlerFixture)
		wantStatus  int
		wantMessage string
		wantField   string
	}{
		{
			name:        "malformed json",
			body:        []byte(`{"uid":`),
			wantStatus:  http.StatusBadRequest,
			wantMessage: "invalid request body",
		},
		{
			name:        "invalid email",
			body:        []byte(`{"uid":"u1","name":"Ann","email":"nope","role":"staff"}`),
			wantStatus:  http.StatusBadRequest,
			wantMessage: "validation error",
			wantField:   "email",
		},
		{
			name:        "unknown role",
			body:        []byte(`{"uid":"u1","name":"Ann","email":"ann@example.com","role":"admin"}`),
			wantStatus:  http.StatusBadRequest,
			wantMessage: "validation error",
			wantField:   "role",
		},
		{
			name:        "store failure",
			body:        []byte(`{"uid":"u1","name":"Ann","email":"ann@example.com","role":"staff"}`),
			setup:       func(h *handlerFixture) { h.repo.upsertErr = errors.New("db down") },
			wantStatus:  http.StatusInternalServerError,
			wantMessage: "failed to register user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandlerFixture(t)
			if tt.setup != nil {
				tt.setup(h)
			}

			resp, body := h.do(t, http.MethodPost, "/signup", tt.body)

			require.Equal(t, tt.wantStatus, resp.StatusCode)
			var out httputil.Response
			require.NoError(t, json.Unmarshal(body, &out))
			assert.False(t, out.Success)
			assert.Equal(t, tt.wantMessage, out.Message)
			if tt.wantField != "" {
				require.NotEmpty(t, out.Details)
				assert.Equal(t, tt.wantField, out.Details[0].Field)
			}
		})
	}
}

func TestHandler_Approve(t *testing.T) {
	h := newHandlerFixture(t)
	_, err := h.service.SubmitSignup(t.Context(), validInput())
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodGet, "/approve?uid=u1&role=staff", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), MessageUserVerified)
	assert.True(t, h.repo.user(annRef).Verified)
	assert.Equal(t, 1, h.pusher.count())

	resp, _ = h.do(t, http.MethodGet, "/approve?uid=u1&role=staff", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, h.pusher.count())
	assert.Len(t, h.queue.ofType(mailqueue.EntryTypeUserApproval), 1)
}

func TestHandler_Approve_Errors(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantText   string
	}{
		{"missing uid", "?role=staff", http.StatusBadRequest, "Missing uid or role"},
		{"missing role", "?uid=u1", http.StatusBadRequest, "Missing uid or role"},
		{"no params", "", http.StatusBadRequest, "Missing uid or role"},
		{"invalid role", "?uid=u1&role=admin", http.StatusBadRequest, "Invalid role"},
		{"unknown user", "?uid=ghost&role=user", http.StatusNotFound, "User not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandlerFixture(t)

			resp, body := h.do(t, http.MethodGet, "/approve"+tt.query, nil)

			require.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Contains(t, string(body), tt.wantText)
		})
	}
}
