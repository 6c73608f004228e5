package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/accessgate/internal/platform/httpx"
	"github.com/odyssey-erp/accessgate/internal/rbac"
)

func headerResolver(r *http.Request) (rbac.Identity, error) {
	switch r.Header.Get("X-Identity-ID") {
	case "":
		return rbac.Identity{}, ErrNoIdentity
	case "u1":
		return staff(), nil
	default:
		return rbac.Identity{}, errors.New("directory unavailable")
	}
}

func newTestRouter(f *fixture) http.Handler {
	mw := NewMiddleware(f.gate, IdentityResolverFunc(headerResolver), nil)
	r := chi.NewRouter()
	r.With(mw.Require("orders.read")).Get("/orders", func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			http.Error(w, "no identity", http.StatusInternalServerError)
			return
		}
		decision, _ := DecisionFromContext(r.Context())
		httpx.JSON(w, http.StatusOK, map[string]any{"identity": identity.ID, "stage": decision.Stage})
	})
	return r
}

func get(t *testing.T, h http.Handler, identity, sessionID, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.RemoteAddr = remote
	if identity != "" {
		req.Header.Set("X-Identity-ID", identity)
	}
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p httpx.ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	return p
}

func TestRequireAllows(t *testing.T) {
	h := newTestRouter(newFixture(t))
	rec := get(t, h, "u1", "sess-u1", "198.51.100.1:52100")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"identity":"u1","stage":"decided"}`, rec.Body.String())
}

func TestRequireStatusMapping(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f)

	rec := get(t, h, "", "sess-u1", "198.51.100.1:1")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(t, h, "broken", "sess-u1", "198.51.100.1:1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = get(t, h, "u1", "", "198.51.100.1:1")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "session_invalid", decodeProblem(t, rec).Reason)

	rec = get(t, h, "u1", "sess-u1", "203.0.113.7:1")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "ip_blocked", decodeProblem(t, rec).Reason)

	// The missing-session attempt consumed one read; two are left.
	for i := 0; i < 2; i++ {
		rec = get(t, h, "u1", "sess-u1", "198.51.100.1:1")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec = get(t, h, "u1", "sess-u1", "198.51.100.1:1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decodeProblem(t, rec).Reason)
}

func TestRequireScheduleIsForbidden(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(time.Date(2026, time.October, 19, 17, 30, 0, 0, time.UTC))
	rec := get(t, newTestRouter(f), "u1", "sess-u1", "198.51.100.1:1")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "schedule_restricted", decodeProblem(t, rec).Reason)
}

func TestSessionIDFromCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", SessionID(req))

	req.Header.Set(SessionHeader, " from-header ")
	assert.Equal(t, "from-header", SessionID(req))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(req))
	req.RemoteAddr = "192.0.2.1"
	assert.Equal(t, "192.0.2.1", ClientIP(req))
}

type identityMap map[string]rbac.Identity

func (m identityMap) FindIdentity(_ context.Context, id string) (rbac.Identity, error) {
	identity, ok := m[id]
	if !ok {
		return rbac.Identity{}, ErrUnknownIdentity
	}
	return identity, nil
}

func TestAuthorizeHandler(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.gate, identityMap{"u1": staff()}, nil).WithClock(f.clock)
	r := chi.NewRouter()
	h.MountRoutes(r)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/authorize", strings.NewReader(body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"identity_id":"u1","action":"orders.update","resource":"/orders/1","ip":"198.51.100.1","session_id":"sess-u1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp AuthorizeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Allowed)

	// A timestamp far from the server clock cannot move the schedule check.
	rec = post(`{"identity_id":"u1","action":"orders.update","ip":"198.51.100.1","session_id":"sess-u1","timestamp":"2026-10-24T11:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.clock.Set(time.Date(2026, time.October, 19, 17, 30, 10, 0, time.UTC))
	rec = post(`{"identity_id":"u1","action":"orders.update","ip":"198.51.100.1","session_id":"sess-u1","timestamp":"2026-10-19T11:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(`{"identity_id":"u1","action":"orders.update","ip":"198.51.100.1","session_id":"sess-u1","timestamp":"2026-10-19T17:30:05Z"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"reason":"schedule_restricted"`)
	f.clock.Set(monday10)

	rec = post(`{"identity_id":"ghost","action":"orders.read","ip":"198.51.100.1","session_id":"sess-u1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reason":"session_invalid"`)

	rec = post(`{"identity_id":"u1","action":"orders.read","ip":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(`{"identity_id":"u1","unexpected":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
