package sessionhttp

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/accessgate/internal/platform/httpx"
	"github.com/odyssey-erp/accessgate/internal/session"
)

const maxTTL = 30 * 24 * time.Hour

// Handler lets the login flow register sessions and revoke them on logout.
type Handler struct {
	logger   *slog.Logger
	registry session.Registry
	validate *validator.Validate
	now      func() time.Time
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, registry session.Registry) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		registry: registry,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// MountRoutes registers session routes.
func (h *Handler) MountRoutes(r chi.Router, require func(action string) func(http.Handler) http.Handler) {
	r.With(require("security.create")).Post("/", h.register)
	r.With(require("security.delete")).Delete("/{id}", h.revoke)
}

type registerRequest struct {
	ID         string     `json:"id" validate:"required,min=16,max=256"`
	IdentityID string     `json:"identity_id" validate:"required,max=128"`
	ExpiresAt  *time.Time `json:"expires_at"`
	TTLSeconds int        `json:"ttl_seconds" validate:"gte=0"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	now := h.now().UTC()
	s := session.Session{ID: req.ID, IdentityID: req.IdentityID, CreatedAt: now}
	switch {
	case req.ExpiresAt != nil:
		s.ExpiresAt = req.ExpiresAt.UTC()
	case req.TTLSeconds > 0:
		s.ExpiresAt = now.Add(time.Duration(req.TTLSeconds) * time.Second)
	default:
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expires_at or ttl_seconds is required")
		return
	}
	if s.ExpiresAt.Sub(now) > maxTTL {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "session lifetime exceeds 30 days")
		return
	}

	if err := h.registry.Register(r.Context(), s); err != nil {
		switch {
		case errors.Is(err, session.ErrExists), errors.Is(err, session.ErrReused):
			httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		case errors.Is(err, session.ErrInvalid), errors.Is(err, session.ErrExpired):
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "register session", slog.String("identity_id", s.IdentityID), slog.Any("error", err))
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"identity_id": s.IdentityID,
		"expires_at":  s.ExpiresAt,
	})
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	err := h.registry.Revoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		h.logger.ErrorContext(r.Context(), "revoke session", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
