package gate

import (
	"context"

	"github.com/odyssey-erp/accessgate/internal/rbac"
)

type identityContextKey struct{}

type decisionContextKey struct{}

// ContextWithIdentity stores the resolved identity in context.
func ContextWithIdentity(ctx context.Context, identity rbac.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext extracts the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (rbac.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(rbac.Identity)
	return identity, ok
}

func contextWithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionContextKey{}, d)
}

// DecisionFromContext returns the allow decision that admitted the request.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionContextKey{}).(Decision)
	return d, ok
}
