package ipguardhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/accessgate/internal/ipguard"
	"github.com/odyssey-erp/accessgate/internal/platform/httpx"
)

// BlocklistService is the slice of ipguard.Guard the handler needs.
type BlocklistService interface {
	Block(ctx context.Context, entry string) error
	Unblock(ctx context.Context, entry string) (bool, error)
	Blocklist() *ipguard.Blocklist
}

// Handler manages blocklist endpoints.
type Handler struct {
	logger  *slog.Logger
	service BlocklistService
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service BlocklistService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers blocklist routes. Entries in the path may contain a
// prefix length, e.g. DELETE /203.0.113.0/24.
func (h *Handler) MountRoutes(r chi.Router, require func(action string) func(http.Handler) http.Handler) {
	r.With(require("security.read")).Get("/", h.list)
	r.With(require("security.manage")).Post("/", h.block)
	r.With(require("security.manage")).Delete("/*", h.unblock)
}

type blockRequest struct {
	Entry string `json:"entry"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": h.service.Blocklist().Entries()})
}

func (h *Handler) block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.service.Block(r.Context(), req.Entry); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "address blocked", slog.String("entry", req.Entry))
	httpx.JSON(w, http.StatusCreated, req)
}

func (h *Handler) unblock(w http.ResponseWriter, r *http.Request) {
	entry := strings.TrimSpace(chi.URLParam(r, "*"))
	removed, err := h.service.Unblock(r.Context(), entry)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if !removed {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	h.logger.InfoContext(r.Context(), "address unblocked", slog.String("entry", entry))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ipguard.ErrInvalidAddress) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	h.logger.ErrorContext(r.Context(), "blocklist request failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
