package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/accessgate/internal/platform/clock"
	"github.com/odyssey-erp/accessgate/internal/platform/httpx"
	"github.com/odyssey-erp/accessgate/internal/rbac"
)

// MaxTimestampSkew bounds how far a caller-supplied timestamp may drift from
// the server clock.
const MaxTimestampSkew = 30 * time.Second

// ErrUnknownIdentity is returned by an IdentityStore for ids it does not know.
var ErrUnknownIdentity = errors.New("gate: unknown identity")

// IdentityStore loads identities by id.
type IdentityStore interface {
	FindIdentity(ctx context.Context, id string) (rbac.Identity, error)
}

// AuthorizeRequest is the body of POST /v1/authorize.
type AuthorizeRequest struct {
	IdentityID string     `json:"identity_id" validate:"required,max=128"`
	Action     string     `json:"action" validate:"required,max=128"`
	Resource   string     `json:"resource" validate:"max=512"`
	IP         string     `json:"ip" validate:"required,ip"`
	SessionID  string     `json:"session_id" validate:"max=256"`
	Timestamp  *time.Time `json:"timestamp"`
}

// AuthorizeResponse mirrors Decision with the retry hint in seconds.
type AuthorizeResponse struct {
	Decision
	Retryable         bool `json:"retryable"`
	RetryAfterSeconds int  `json:"retry_after_seconds,omitempty"`
}

// Handler exposes the gate to services that cannot embed it.
type Handler struct {
	gate       Authorizer
	identities IdentityStore
	validate   *validator.Validate
	clock      clock.Clock
	logger     *slog.Logger
}

// NewHandler builds the authorize endpoint.
func NewHandler(gate Authorizer, identities IdentityStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		gate:       gate,
		identities: identities,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		clock:      clock.System(),
		logger:     logger,
	}
}

// WithClock replaces the clock used to check request timestamps.
func (h *Handler) WithClock(c clock.Clock) *Handler {
	h.clock = clock.OrSystem(c)
	return h
}

// MountRoutes registers POST /authorize on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/authorize", h.handleAuthorize)
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	identity, err := h.identities.FindIdentity(r.Context(), req.IdentityID)
	switch {
	case errors.Is(err, ErrUnknownIdentity):
		// An unknown id is evaluated as an inactive identity with no roles so
		// the attempt is rate limited and recorded like any other.
		identity = rbac.Identity{ID: req.IdentityID}
	case err != nil:
		h.logger.ErrorContext(r.Context(), "find identity", slog.String("identity_id", req.IdentityID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	gr := Request{IP: req.IP, SessionID: req.SessionID}
	if req.Timestamp != nil {
		skew := req.Timestamp.Sub(h.clock.Now())
		if skew > MaxTimestampSkew || skew < -MaxTimestampSkew {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "timestamp is outside the allowed clock skew")
			return
		}
		gr.Timestamp = *req.Timestamp
	}
	decision := h.gate.Authorize(r.Context(), identity, req.Action, req.Resource, gr)

	resp := AuthorizeResponse{Decision: decision, Retryable: decision.Reason.Retryable()}
	if decision.RetryAfter > 0 {
		resp.RetryAfterSeconds = int((decision.RetryAfter + time.Second - 1) / time.Second)
		httpx.SetRetryAfter(w, decision.RetryAfter)
	}
	httpx.JSON(w, http.StatusOK, resp)
}
