package users

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/accessgate/internal/platform/httpx"
	"github.com/odyssey-erp/accessgate/internal/rbac"
)

// Guard returns middleware requiring action.
type Guard func(action string) func(http.Handler) http.Handler

// ActorFunc extracts the authenticated caller from a request context.
type ActorFunc func(ctx context.Context) (rbac.Identity, bool)

// Handler manages identity endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	require Guard
	actor   ActorFunc
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, require Guard, actor ActorFunc) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, require: require, actor: actor}
}

// MountRoutes registers identity routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.require("users.read")).Get("/{id}", h.getIdentity)
	r.With(h.require("users.manage")).Put("/{id}/roles", h.assignRoles)
}

type identityResponse struct {
	Account
	Permissions []rbac.PermissionEntry `json:"permissions"`
}

func (h *Handler) getIdentity(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	set := h.service.EffectivePermissions(rbac.Identity{ID: account.ID, RoleIDs: account.RoleIDs, Active: account.Active})
	httpx.JSON(w, http.StatusOK, identityResponse{Account: account, Permissions: set.Entries()})
}

type assignRolesRequest struct {
	RoleIDs []string `json:"role_ids"`
}

func (h *Handler) assignRoles(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req assignRolesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.service.AssignRoles(r.Context(), actor, chi.URLParam(r, "id"), req.RoleIDs); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrUnknownRole):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, ErrLevelNotPermitted):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "identity request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
