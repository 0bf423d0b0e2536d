package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/bitguard/internal/apperrors"
	"github.com/nkiryanov/bitguard/internal/handlers/render"
	"github.com/nkiryanov/bitguard/internal/logger"
	"github.com/nkiryanov/bitguard/internal/models"
	"github.com/nkiryanov/bitguard/internal/service/accounts"
	"github.com/nkiryanov/bitguard/internal/session"
)

type SessionResponse struct {
	Status  models.Status `json:"status"`
	User    *models.User  `json:"user"`
	IsAdmin bool          `json:"isAdmin"`
}

func newSessionResponse(s models.Session) SessionResponse {
	resp := SessionResponse{Status: s.Status, User: s.User}
	if s.User != nil {
		resp.IsAdmin = s.User.IsAdmin()
	}
	return resp
}

type ChallengeResponse struct {
	Action      string `json:"action"`
	ChallengeID string `json:"challengeId"`
	Detail      string `json:"detail"`
}

// SessionHandler exposes session manager to the browser.
// Manager is taken from request context, see middleware.InjectSession
type SessionHandler struct {
	logger logger.Logger
}

func NewSession(l logger.Logger) *SessionHandler {
	return &SessionHandler{logger: l}
}

func (h *SessionHandler) manager(w http.ResponseWriter, r *http.Request) (*session.Manager, bool) {
	m, ok := session.FromContext(r.Context())
	if !ok {
		h.logger.Error("Session manager not found in request context")
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
	return m, ok
}

func (h *SessionHandler) current(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	render.JSON(w, newSessionResponse(m.Snapshot()))
}

func (h *SessionHandler) login(w http.ResponseWriter, r *http.Request) {
	type LoginRequest struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	data, err := render.BindAndValidate[LoginRequest](w, r)
	if err != nil {
		return
	}
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	result, err := m.Login(r.Context(), data.Email, data.Password)
	if err != nil {
		h.renderError(w, err)
		return
	}

	if result.RequiresOTP() {
		render.JSONWithStatus(w, ChallengeResponse{
			Action:      "require_otp",
			ChallengeID: result.Challenge.ID,
			Detail:      result.Challenge.Detail,
		}, http.StatusAccepted)
		return
	}

	render.JSON(w, newSessionResponse(m.Snapshot()))
}

func (h *SessionHandler) verifyOTP(w http.ResponseWriter, r *http.Request) {
	type VerifyOTPRequest struct {
		ChallengeID string `json:"challengeId" validate:"required"`
		Code        string `json:"code" validate:"required"`
	}

	data, err := render.BindAndValidate[VerifyOTPRequest](w, r)
	if err != nil {
		return
	}
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	if err := m.VerifyOTP(r.Context(), data.ChallengeID, data.Code); err != nil {
		h.renderError(w, err)
		return
	}

	render.JSON(w, newSessionResponse(m.Snapshot()))
}

func (h *SessionHandler) register(w http.ResponseWriter, r *http.Request) {
	type RegisterRequest struct {
		Username  string `json:"username" validate:"required"`
		Email     string `json:"email" validate:"required,email"`
		Password  string `json:"password" validate:"required,min=8"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}

	data, err := render.BindAndValidate[RegisterRequest](w, r)
	if err != nil {
		return
	}
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	user, err := m.Register(r.Context(), accounts.RegisterRequest{
		Username:  data.Username,
		Email:     data.Email,
		Password:  data.Password,
		FirstName: data.FirstName,
		LastName:  data.LastName,
	})
	if err != nil {
		h.renderError(w, err)
		return
	}

	render.JSONWithStatus(w, user, http.StatusCreated)
}

func (h *SessionHandler) logout(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	if err := m.Logout(r.Context()); err != nil {
		// Session is reset anyway, only stored credentials may survive
		h.logger.Error("Logout failed", "error", err)
		render.ServiceError(w, "Can't clear stored credentials", http.StatusInternalServerError)
		return
	}

	render.JSON(w, newSessionResponse(m.Snapshot()))
}

func (h *SessionHandler) startTrial(w http.ResponseWriter, r *http.Request) {
	type TrialResponse struct {
		Success bool            `json:"success"`
		Session SessionResponse `json:"session"`
	}

	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	product := chi.URLParam(r, "product")
	var userID int64
	if u := m.Snapshot().User; u != nil {
		userID = u.ID
	}

	result := m.StartTrial(r.Context(), product)
	if !result.Success {
		h.logger.Info("Trial not started", "user_id", userID, "product", product, "error", result.Err)
		h.renderError(w, result.Err)
		return
	}

	h.logger.Info("Trial started", "user_id", userID, "product", product)
	render.JSON(w, TrialResponse{Success: true, Session: newSessionResponse(m.Snapshot())})
}

// renderError shows backend detail as is, the shell does not interpret it
func (h *SessionHandler) renderError(w http.ResponseWriter, err error) {
	var (
		apiErr    *accounts.Error
		fieldErrs validator.ValidationErrors
	)

	switch {
	case errors.As(err, &apiErr):
		code := apiErr.StatusCode
		if code >= http.StatusInternalServerError {
			code = http.StatusBadGateway
		}
		render.BackendError(w, apiErr.Detail, code)
	case errors.As(err, &fieldErrs):
		render.ValidationErrors(w, fieldErrs)
	case errors.Is(err, apperrors.ErrInvalidRequest):
		render.ServiceError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrNotAuthenticated):
		render.ServiceError(w, "Authentication required", http.StatusUnauthorized)
	case errors.Is(err, apperrors.ErrSessionExpired):
		render.ServiceError(w, "Session changed while request was in flight", http.StatusConflict)
	default:
		h.logger.Error("Session request failed", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}
