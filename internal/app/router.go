package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/odyssey-erp/accessgate/internal/audit/http"
	"github.com/odyssey-erp/accessgate/internal/gate"
	ipguardhttp "github.com/odyssey-erp/accessgate/internal/ipguard/http"
	"github.com/odyssey-erp/accessgate/internal/observability"
	"github.com/odyssey-erp/accessgate/internal/platform/httpx"
	"github.com/odyssey-erp/accessgate/internal/roles"
	sessionhttp "github.com/odyssey-erp/accessgate/internal/session/http"
	"github.com/odyssey-erp/accessgate/internal/users"
	"github.com/odyssey-erp/accessgate/jobs"
)

// ReadinessCheck reports whether a backing dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	// Gate guards every administrative route with an action requirement.
	Gate             *gate.Middleware
	AuthorizeHandler *gate.Handler
	RolesHandler     *roles.Handler
	UsersHandler     *users.Handler
	SessionHandler   *sessionhttp.Handler
	BlocklistHandler *ipguardhttp.Handler
	AuditHandler     *audithttp.Handler
	JobHandler       *jobs.Handler

	Readiness map[string]ReadinessCheck
}

// NewRouter constructs the chi.Router with accessgate defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readinessHandler(params.Readiness))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if params.AuthorizeHandler != nil {
			params.AuthorizeHandler.MountRoutes(r)
		}
		if params.Gate == nil {
			return
		}
		require := params.Gate.Require
		if params.SessionHandler != nil {
			r.Route("/sessions", func(r chi.Router) {
				params.SessionHandler.MountRoutes(r, require)
			})
		}
		if params.BlocklistHandler != nil {
			r.Route("/blocklist", func(r chi.Router) {
				params.BlocklistHandler.MountRoutes(r, require)
			})
		}
		if params.RolesHandler != nil {
			r.Route("/roles", params.RolesHandler.MountRoutes)
		}
		if params.UsersHandler != nil {
			r.Route("/identities", params.UsersHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			r.Route("/security", func(r chi.Router) {
				params.AuditHandler.MountRoutes(r, require("security.read"))
			})
		}
		if params.JobHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				params.JobHandler.MountRoutes(r, require)
			})
		}
	})

	return r
}

func readinessHandler(checks map[string]ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		report := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}
		httpx.JSON(w, status, report)
	}
}
