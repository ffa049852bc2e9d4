package repo

import (
	"context"
	"database/sql"
	"time"

	"testline/internal/domain"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, lobID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, lob_id, created_at) VALUES (?,?,?)`,
		actorID, nullable(lobID), now)
	return err
}

func (r Repo) UpsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, resource, action string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, resource, action) VALUES (?,?,?)`,
		roleID, resource, action)
	return err
}

func (r Repo) ClearRolePermissions(ctx context.Context, tx *sql.Tx, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, roleID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id) VALUES (?,?)`, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=?`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// RoleHasPermission reports whether any of the given roles carries the
// (resource, action) permission. Roles that do not exist simply match
// nothing.
func (r Repo) RoleHasPermission(ctx context.Context, roles []string, resource, action string) (bool, error) {
	for _, roleID := range roles {
		row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM role_permissions WHERE role_id=? AND resource=? AND action=? LIMIT 1`,
			roleID, resource, action)
		var n int
		err := row.Scan(&n)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// RolePermissions returns the distinct permission set across roles.
func (r Repo) RolePermissions(ctx context.Context, roles []string) ([]domain.Permission, error) {
	seen := map[domain.Permission]bool{}
	var perms []domain.Permission
	for _, roleID := range roles {
		rows, err := r.DB.QueryContext(ctx, `SELECT resource, action FROM role_permissions WHERE role_id=?`, roleID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var p domain.Permission
			if err := rows.Scan(&p.Resource, &p.Action); err != nil {
				rows.Close()
				return nil, err
			}
			if !seen[p] {
				seen[p] = true
				perms = append(perms, p)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return perms, nil
}

func (r Repo) ListRoles(ctx context.Context) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, COALESCE(description,'') FROM roles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []domain.Role
	for rows.Next() {
		var role domain.Role
		if err := rows.Scan(&role.ID, &role.Description); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range roles {
		perms, err := r.RolePermissions(ctx, []string{roles[i].ID})
		if err != nil {
			return nil, err
		}
		roles[i].Permissions = perms
	}
	return roles, nil
}

func (r Repo) InsertGrant(ctx context.Context, tx *sql.Tx, g domain.ResourceGrant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO resource_grants(id,actor_id,resource,action,resource_id,effect,expires_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		g.ID, g.ActorID, g.Resource, g.Action, g.ResourceID, g.Effect, nullablePtr(g.ExpiresAt), g.CreatedAt)
	return err
}

func (r Repo) DeleteGrant(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var actorID string
	err := tx.QueryRowContext(ctx, `SELECT actor_id FROM resource_grants WHERE id=?`, id).Scan(&actorID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM resource_grants WHERE id=?`, id)
	return actorID, err
}

// GrantsFor returns all grants matching the request. Expired grants are
// filtered out here so callers never see them.
func (r Repo) GrantsFor(ctx context.Context, actorID, resource, action, resourceID string, now time.Time) ([]domain.ResourceGrant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,actor_id,resource,action,resource_id,effect,expires_at,created_at
FROM resource_grants WHERE actor_id=? AND resource=? AND action=? AND resource_id=?`,
		actorID, resource, action, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ResourceGrant
	for rows.Next() {
		var g domain.ResourceGrant
		var expires sql.NullString
		if err := rows.Scan(&g.ID, &g.ActorID, &g.Resource, &g.Action, &g.ResourceID, &g.Effect, &expires, &g.CreatedAt); err != nil {
			return nil, err
		}
		if expires.Valid {
			exp, err := time.Parse(time.RFC3339, expires.String)
			if err == nil && !now.Before(exp) {
				continue
			}
			g.ExpiresAt = &expires.String
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// DenyGrants returns every unexpired deny grant for an actor, used to
// subtract explicit denies from the effective permission set.
func (r Repo) DenyGrants(ctx context.Context, actorID string, now time.Time) ([]domain.ResourceGrant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,actor_id,resource,action,resource_id,effect,expires_at,created_at
FROM resource_grants WHERE actor_id=? AND effect='deny'`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ResourceGrant
	for rows.Next() {
		var g domain.ResourceGrant
		var expires sql.NullString
		if err := rows.Scan(&g.ID, &g.ActorID, &g.Resource, &g.Action, &g.ResourceID, &g.Effect, &expires, &g.CreatedAt); err != nil {
			return nil, err
		}
		if expires.Valid {
			exp, err := time.Parse(time.RFC3339, expires.String)
			if err == nil && !now.Before(exp) {
				continue
			}
			g.ExpiresAt = &expires.String
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
