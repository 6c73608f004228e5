package gate

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/odyssey-erp/accessgate/internal/platform/httpx"
	"github.com/odyssey-erp/accessgate/internal/rbac"
)

const (
	// SessionHeader carries the session id on API calls.
	SessionHeader = "X-Session-ID"
	// SessionCookie is the storefront session cookie name.
	SessionCookie = "accessgate_session"
)

// ErrNoIdentity is returned by an IdentityResolver when the request is anonymous.
var ErrNoIdentity = errors.New("gate: no identity")

// IdentityResolver maps an inbound request to the caller's identity.
type IdentityResolver interface {
	ResolveIdentity(r *http.Request) (rbac.Identity, error)
}

// IdentityResolverFunc adapts a function to IdentityResolver.
type IdentityResolverFunc func(r *http.Request) (rbac.Identity, error)

// ResolveIdentity implements IdentityResolver.
func (f IdentityResolverFunc) ResolveIdentity(r *http.Request) (rbac.Identity, error) {
	return f(r)
}

// Authorizer is the slice of Gate used over HTTP.
type Authorizer interface {
	Authorize(ctx context.Context, identity rbac.Identity, action, resource string, req Request) Decision
}

// Middleware enforces gate decisions on HTTP routes.
type Middleware struct {
	gate     Authorizer
	resolver IdentityResolver
	logger   *slog.Logger
}

// NewMiddleware constructs the middleware.
func NewMiddleware(gate Authorizer, resolver IdentityResolver, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{gate: gate, resolver: resolver, logger: logger}
}

// Require guards next with action. The resource is the request path.
func (m *Middleware) Require(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := m.resolver.ResolveIdentity(r)
			if err != nil {
				if !errors.Is(err, ErrNoIdentity) {
					m.logger.ErrorContext(r.Context(), "resolve identity", slog.Any("error", err))
					httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
					return
				}
				httpx.WriteProblem(w, httpx.ProblemDetail{
					Title:  "Unauthorized",
					Status: http.StatusUnauthorized,
					Detail: "identity required",
					Reason: string(ReasonSessionInvalid),
				})
				return
			}
			decision := m.gate.Authorize(r.Context(), identity, action, r.URL.Path, RequestFromHTTP(r))
			if !decision.Allowed {
				WriteDecision(w, decision)
				return
			}
			ctx := ContextWithIdentity(r.Context(), identity)
			ctx = contextWithDecision(ctx, decision)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestFromHTTP builds the authorization context of r. The client address
// is RemoteAddr, which middleware.RealIP rewrites from proxy headers.
func RequestFromHTTP(r *http.Request) Request {
	return Request{
		IP:        ClientIP(r),
		SessionID: SessionID(r),
	}
}

// SessionID reads the session id from the header, falling back to the cookie.
func SessionID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
		return id
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// ClientIP strips the port from RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StatusFor maps a denial reason to an HTTP status.
func StatusFor(reason Reason) int {
	switch reason {
	case ReasonNone:
		return http.StatusOK
	case ReasonSessionInvalid:
		return http.StatusUnauthorized
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

// WriteDecision answers a denied decision as a problem document.
func WriteDecision(w http.ResponseWriter, d Decision) {
	status := StatusFor(d.Reason)
	if d.Reason == ReasonRateLimited {
		httpx.SetRetryAfter(w, d.RetryAfter)
	}
	httpx.WriteProblem(w, httpx.ProblemDetail{
		Title:  http.StatusText(status),
		Status: status,
		Detail: d.Detail,
		Reason: string(d.Reason),
	})
}
