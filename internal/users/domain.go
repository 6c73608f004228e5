package users

import (
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/accessgate/internal/gate"
)

var (
	// ErrNotFound indicates the identity does not exist. It matches gate.ErrUnknownIdentity.
	ErrNotFound = fmt.Errorf("users: identity not found: %w", gate.ErrUnknownIdentity)
	// ErrLevelNotPermitted indicates the actor cannot assign one of the roles.
	ErrLevelNotPermitted = errors.New("users: actor level does not permit this assignment")
	// ErrUnknownRole indicates an assignment names a role that does not exist.
	ErrUnknownRole = errors.New("users: unknown role")
)

// Account is the directory record behind an identity.
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	RoleIDs   []string  `json:"role_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
