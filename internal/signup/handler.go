package signup

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bissquit/signup-approval/internal/domain"
	"github.com/bissquit/signup-approval/internal/pkg/ctxlog"
	"github.com/bissquit/signup-approval/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

const maxRequestBody = 64 << 10

var approveErrors = []httputil.ErrorMapping{
	{Error: ErrValidation, Status: http.StatusBadRequest, Message: "Invalid approval request"},
	{Error: ErrUserNotFound, Status: http.StatusNotFound, Message: "User not found"},
}

// Handler handles HTTP requests for the signup module.
type Handler struct {
	service  *Service
	renderer *Renderer
}

// NewHandler creates a new signup handler.
func NewHandler(service *Service, renderer *Renderer) *Handler {
	return &Handler{
		service:  service,
		renderer: renderer,
	}
}

// RegisterRoutes registers the public signup and approval routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/signup", h.Signup)
	r.Get("/approve", h.Approve)
}

// SignupRequest represents the request body for a signup.
type SignupRequest struct {
	UID      string `json:"uid"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	PlayerID string `json:"playerId"`
}

// Signup handles POST /signup.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.SubmitSignup(r.Context(), SignupInput(req))
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			httputil.ValidationError(w, "validation error", toFieldErrors(validationErr))
			return
		}
		httputil.HandleError(r.Context(), w, err, nil, "failed to register user")
		return
	}

	httputil.Success(w, http.StatusOK, result.Message)
}

// Approve handles GET /approve?uid=&role=.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	role := r.URL.Query().Get("role")
	if uid == "" || role == "" {
		h.errorPage(w, http.StatusBadRequest, "Missing uid or role")
		return
	}

	parsed, ok := domain.ParseRole(role)
	if !ok {
		h.errorPage(w, http.StatusBadRequest, "Invalid role")
		return
	}

	result, err := h.service.Approve(r.Context(), domain.UserRef{Role: parsed, UID: uid})
	if err != nil {
		status, message, ok := httputil.MapError(err, approveErrors)
		if !ok {
			ctxlog.FromContext(r.Context()).Error("approve failed", "error", err)
			status, message = http.StatusInternalServerError, "Error verifying user"
		}
		h.errorPage(w, status, message)
		return
	}

	page, err := h.renderer.ApproveSuccessPage(result.User)
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("render approve page", "error", err)
		page = []byte(MessageUserVerified)
	}
	httputil.HTML(w, http.StatusOK, page)
}

func (h *Handler) errorPage(w http.ResponseWriter, status int, message string) {
	httputil.HTML(w, status, h.renderer.ApproveErrorPage(message))
}

func toFieldErrors(err *ValidationError) []httputil.FieldError {
	details := make([]httputil.FieldError, 0, len(err.Fields))
	for _, f := range err.Fields {
		details = append(details, httputil.FieldError{Field: f.Field, Message: f.Message})
	}
	return details
}
