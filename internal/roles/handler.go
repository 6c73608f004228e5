package roles

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

// Handler manages role administration endpoints.
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

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.require("roles.read"))
		r.Get("/", h.listRoles)
		r.Get("/{id}", h.getRole)
		r.Get("/{id}/permissions", h.effectivePermissions)
		r.Post("/validate", h.validateRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.require("roles.manage"))
		r.Put("/{id}", h.saveRole)
		r.Delete("/{id}", h.deleteRole)
	})
}

type validationResponse struct {
	Valid     bool                   `json:"valid"`
	Conflicts []rbac.Conflict        `json:"conflicts"`
	Effective []rbac.PermissionEntry `json:"effective,omitempty"`
}

func toResponse(result ValidationResult) validationResponse {
	conflicts := result.Conflicts
	if conflicts == nil {
		conflicts = []rbac.Conflict{}
	}
	return validationResponse{Valid: true, Conflicts: conflicts, Effective: result.EffectiveEntries()}
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": h.service.Roles()})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.Role(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	set, err := h.service.EffectivePermissions(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": id, "permissions": set.Entries()})
}

func (h *Handler) validateRole(w http.ResponseWriter, r *http.Request) {
	var role rbac.Role
	if err := httpx.DecodeJSON(r, &role); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	result, err := h.service.ValidateRoleMutation(r.Context(), role)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.service.CheckNameAvailable(r.Context(), role); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(result))
}

func (h *Handler) saveRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var role rbac.Role
	if err := httpx.DecodeJSON(r, &role); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	id := chi.URLParam(r, "id")
	if role.ID == "" {
		role.ID = id
	}
	if role.ID != id {
		h.respondError(w, r, ErrIDMismatch)
		return
	}
	result, err := h.service.SaveRole(r.Context(), actor, role)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(result))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	if err := h.service.DeleteRole(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *rbac.ValidationError
	var cycle *rbac.CycleError
	switch {
	case errors.As(err, &verr):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusUnprocessableEntity,
			Detail: "role is invalid",
			Fields: verr.Fields,
		})
	case errors.As(err, &cycle):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusUnprocessableEntity,
			Detail: cycle.Error(),
			Reason: "hierarchy_cycle",
		})
	case errors.Is(err, rbac.ErrUnknownParent), errors.Is(err, ErrIDMismatch):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, rbac.ErrRoleNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrNameTaken), errors.Is(err, rbac.ErrRoleInUse):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrLevelNotPermitted), errors.Is(err, ErrPermissionNotHeld):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "role request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
