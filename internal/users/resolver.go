package users

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/odyssey-erp/accessgate/internal/gate"
	"github.com/odyssey-erp/accessgate/internal/rbac"
)

// IdentityHeader is set by the upstream login proxy after authentication.
const IdentityHeader = "X-Identity-ID"

// IdentityFinder loads identities by id.
type IdentityFinder interface {
	FindIdentity(ctx context.Context, id string) (rbac.Identity, error)
}

// HeaderResolver resolves the caller from IdentityHeader.
type HeaderResolver struct {
	finder IdentityFinder
}

// NewHeaderResolver builds a resolver over finder.
func NewHeaderResolver(finder IdentityFinder) *HeaderResolver {
	return &HeaderResolver{finder: finder}
}

// ResolveIdentity implements gate.IdentityResolver. Unknown ids are anonymous.
func (h *HeaderResolver) ResolveIdentity(r *http.Request) (rbac.Identity, error) {
	id := strings.TrimSpace(r.Header.Get(IdentityHeader))
	if id == "" {
		return rbac.Identity{}, gate.ErrNoIdentity
	}
	identity, err := h.finder.FindIdentity(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		return rbac.Identity{}, fmt.Errorf("%w: %s", gate.ErrNoIdentity, id)
	}
	return identity, err
}
