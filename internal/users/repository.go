package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/accessgate/internal/platform/db"
	"github.com/odyssey-erp/accessgate/internal/rbac"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const findAccountSQL = `SELECT i.id, i.email, i.name, i.active, i.created_at, i.updated_at,
	COALESCE(array_agg(ir.role_id ORDER BY ir.role_id) FILTER (WHERE ir.role_id IS NOT NULL), '{}')
FROM identities i
LEFT JOIN identity_roles ir ON ir.identity_id = i.id
WHERE i.id = $1
GROUP BY i.id`

// FindAccount loads one account with its role assignments.
func (r *Repository) FindAccount(ctx context.Context, id string) (Account, error) {
	var a Account
	err := r.pool.QueryRow(ctx, findAccountSQL, id).Scan(
		&a.ID, &a.Email, &a.Name, &a.Active, &a.CreatedAt, &a.UpdatedAt, &a.RoleIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("users: find account: %w", err)
	}
	return a, nil
}

// FindIdentity implements the gate's identity store.
func (r *Repository) FindIdentity(ctx context.Context, id string) (rbac.Identity, error) {
	a, err := r.FindAccount(ctx, id)
	if err != nil {
		return rbac.Identity{}, err
	}
	return rbac.Identity{ID: a.ID, RoleIDs: a.RoleIDs, Active: a.Active}, nil
}

// ReplaceRoles overwrites the identity's role assignments.
func (r *Repository) ReplaceRoles(ctx context.Context, id string, roleIDs []string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE identities SET updated_at = NOW() WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("users: touch identity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM identity_roles WHERE identity_id = $1`, id); err != nil {
			return fmt.Errorf("users: clear roles: %w", err)
		}
		if len(roleIDs) == 0 {
			return nil
		}
		rows := make([][]any, len(roleIDs))
		for i, roleID := range roleIDs {
			rows[i] = []any{id, roleID}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"identity_roles"}, []string{"identity_id", "role_id"}, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("users: assign roles: %w", err)
		}
		return nil
	})
}

const upsertAccountSQL = `INSERT INTO identities (id, email, name, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW())
ON CONFLICT (id) DO UPDATE SET
	email = EXCLUDED.email,
	name = EXCLUDED.name,
	active = EXCLUDED.active,
	updated_at = NOW()`

// UpsertAccount writes the directory record and its role assignments.
func (r *Repository) UpsertAccount(ctx context.Context, a Account) error {
	if _, err := r.pool.Exec(ctx, upsertAccountSQL, a.ID, a.Email, a.Name, a.Active); err != nil {
		return fmt.Errorf("users: upsert account: %w", err)
	}
	return r.ReplaceRoles(ctx, a.ID, a.RoleIDs)
}
