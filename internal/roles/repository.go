package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/accessgate/internal/platform/db"
	"github.com/odyssey-erp/accessgate/internal/rbac"
)

// Repository persists roles.
type Repository interface {
	LoadRoles(ctx context.Context) ([]rbac.Role, error)
	// RoleNameTaken reports whether a role other than exceptID uses the folded name.
	RoleNameTaken(ctx context.Context, nameKey, exceptID string) (bool, error)
	UpsertRole(ctx context.Context, role rbac.Role, nameKey string) error
	DeleteRole(ctx context.Context, id string) error
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// PostgresRepository stores roles in the roles and role_parents tables.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const loadRolesSQL = `SELECT id, name, level, permissions, restrictions, created_at, updated_at
FROM roles ORDER BY level, id`

const loadParentsSQL = `SELECT role_id, parent_id FROM role_parents ORDER BY role_id, position`

type roleRow struct {
	role         rbac.Role
	permissions  []byte
	restrictions []byte
}

// LoadRoles returns every role with its parents.
func (r *PostgresRepository) LoadRoles(ctx context.Context) ([]rbac.Role, error) {
	rows, err := r.pool.Query(ctx, loadRolesSQL)
	if err != nil {
		return nil, fmt.Errorf("roles: load: %w", err)
	}
	scanned, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (roleRow, error) {
		var rr roleRow
		err := row.Scan(&rr.role.ID, &rr.role.Name, &rr.role.Level, &rr.permissions, &rr.restrictions,
			&rr.role.CreatedAt, &rr.role.UpdatedAt)
		return rr, err
	})
	if err != nil {
		return nil, fmt.Errorf("roles: scan: %w", err)
	}

	parents := make(map[string][]string)
	rows, err = r.pool.Query(ctx, loadParentsSQL)
	if err != nil {
		return nil, fmt.Errorf("roles: load parents: %w", err)
	}
	var roleID, parentID string
	_, err = pgx.ForEachRow(rows, []any{&roleID, &parentID}, func() error {
		parents[roleID] = append(parents[roleID], parentID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("roles: scan parents: %w", err)
	}

	out := make([]rbac.Role, 0, len(scanned))
	for _, rr := range scanned {
		role := rr.role
		if err := json.Unmarshal(rr.permissions, &role.Permissions); err != nil {
			return nil, fmt.Errorf("roles: decode permissions of %s: %w", role.ID, err)
		}
		if len(rr.restrictions) > 0 {
			role.Restrictions = &rbac.Restrictions{}
			if err := json.Unmarshal(rr.restrictions, role.Restrictions); err != nil {
				return nil, fmt.Errorf("roles: decode restrictions of %s: %w", role.ID, err)
			}
		}
		role.InheritsFrom = parents[role.ID]
		out = append(out, role)
	}
	return out, nil
}

// RoleNameTaken implements Repository.
func (r *PostgresRepository) RoleNameTaken(ctx context.Context, nameKey, exceptID string) (bool, error) {
	var taken bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM roles WHERE name_key = $1 AND id <> $2)`, nameKey, exceptID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("roles: check name: %w", err)
	}
	return taken, nil
}

const upsertRoleSQL = `INSERT INTO roles (id, name, name_key, level, permissions, restrictions, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	name_key = EXCLUDED.name_key,
	level = EXCLUDED.level,
	permissions = EXCLUDED.permissions,
	restrictions = EXCLUDED.restrictions,
	updated_at = EXCLUDED.updated_at`

// UpsertRole writes the role and replaces its parent list in one transaction.
func (r *PostgresRepository) UpsertRole(ctx context.Context, role rbac.Role, nameKey string) error {
	permissions, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("roles: encode permissions: %w", err)
	}
	var restrictions []byte
	if role.Restrictions != nil {
		if restrictions, err = json.Marshal(role.Restrictions); err != nil {
			return fmt.Errorf("roles: encode restrictions: %w", err)
		}
	}

	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertRoleSQL, role.ID, role.Name, nameKey, role.Level,
			permissions, restrictions, role.CreatedAt, role.UpdatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_parents WHERE role_id = $1`, role.ID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for i, parent := range role.InheritsFrom {
			batch.Queue(`INSERT INTO role_parents (role_id, parent_id, position) VALUES ($1, $2, $3)`, role.ID, parent, i)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	return mapError("upsert", err)
}

// DeleteRole removes the role. Parents referencing it block the delete.
func (r *PostgresRepository) DeleteRole(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return mapError("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", rbac.ErrRoleNotFound, id)
	}
	return nil
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return ErrNameTaken
		case codeForeignKeyViolation:
			if pgErr.ConstraintName == "role_parents_parent_id_fkey" {
				return fmt.Errorf("%w: %s", rbac.ErrRoleInUse, pgErr.Detail)
			}
			return fmt.Errorf("%w: %s", rbac.ErrUnknownParent, pgErr.Detail)
		}
	}
	return fmt.Errorf("roles: %s: %w", op, err)
}
