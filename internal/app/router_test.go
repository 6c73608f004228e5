package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/accessgate/internal/gate"
	"github.com/odyssey-erp/accessgate/internal/observability"
	"github.com/odyssey-erp/accessgate/internal/rbac"
	"github.com/odyssey-erp/accessgate/jobs"
)

type allowAll struct{ actions []string }

func (a *allowAll) Authorize(_ context.Context, _ rbac.Identity, action, _ string, _ gate.Request) gate.Decision {
	a.actions = append(a.actions, action)
	return gate.Decision{Allowed: true, Stage: gate.StageDecided}
}

func newTestRouter(t *testing.T, resolver gate.IdentityResolver, readiness map[string]ReadinessCheck) (http.Handler, *allowAll) {
	t.Helper()
	authz := &allowAll{}
	mw := gate.NewMiddleware(authz, resolver, nil)
	return NewRouter(RouterParams{
		Config:     &Config{AppEnv: "production", HTTPFloodLimit: 3},
		Metrics:    observability.NewMetrics(),
		Gate:       mw,
		JobHandler: jobs.NewHandler(nil, nil, &jobs.Maintenance{}, nil),
		Readiness:  readiness,
	}), authz
}

func identityResolver(id string) gate.IdentityResolver {
	return gate.IdentityResolverFunc(func(*http.Request) (rbac.Identity, error) {
		if id == "" {
			return rbac.Identity{}, gate.ErrNoIdentity
		}
		return rbac.Identity{ID: id, Active: true}, nil
	})
}

func TestHealthzCarriesSecurityHeaders(t *testing.T) {
	router, _ := newTestRouter(t, identityResolver(""), nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestReadinessReportsFailingDependency(t *testing.T) {
	router, _ := newTestRouter(t, identityResolver(""), map[string]ReadinessCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"postgres":"ok","redis":"connection refused"}`, rec.Body.String())
}

func TestAdministrativeRoutesRequireIdentity(t *testing.T) {
	router, authz := newTestRouter(t, identityResolver(""), nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/health", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, authz.actions)

	router, authz = newTestRouter(t, identityResolver("u1"), nil)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/health", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"security.read"}, authz.actions)
}

func TestFloodGuardLimitsPerAddress(t *testing.T) {
	router, _ := newTestRouter(t, identityResolver(""), nil)
	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Forwarded-Proto", "https")
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 200, 429}, codes)
}
