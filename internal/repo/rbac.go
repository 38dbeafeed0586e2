package repo

import (
	"context"
	"database/sql"
	"time"

	"coordline/internal/domain"
)

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID string, p domain.Permission) error {
	elevated := 0
	if p.Elevated {
		elevated = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, resource, action, elevated, expires_at) VALUES (?,?,?,?,?)`,
		roleID, p.Resource, p.Action, elevated, nullableStringPtr(p.ExpiresAt))
	return err
}

func (r Repo) AddRoleCapability(ctx context.Context, tx *sql.Tx, roleID string, position int, capability string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_capabilities(role_id, position, capability) VALUES (?,?,?)`, roleID, position, capability)
	return err
}

func (r Repo) rolePermissions(ctx context.Context, roleID string) ([]domain.Permission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT resource, action, elevated, expires_at FROM role_permissions WHERE role_id=? ORDER BY resource, action`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []domain.Permission
	for rows.Next() {
		var p domain.Permission
		var elevated int
		var expires sql.NullString
		if err := rows.Scan(&p.Resource, &p.Action, &elevated, &expires); err != nil {
			return nil, err
		}
		p.Elevated = elevated == 1
		if expires.Valid {
			v := expires.String
			p.ExpiresAt = &v
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r Repo) roleCapabilities(ctx context.Context, roleID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT capability FROM role_capabilities WHERE role_id=? ORDER BY position`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var caps []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

// HasPermission reports whether role holds resource:action (or the *:admin
// wildcard) and the grant has not expired at now.
func (r Repo) HasPermission(ctx context.Context, roleID, resource, action string, now time.Time) (bool, error) {
	perms, err := r.rolePermissions(ctx, roleID)
	if err != nil {
		return false, err
	}
	ts := now.UTC().Format(time.RFC3339)
	for _, p := range perms {
		if p.ExpiresAt != nil && *p.ExpiresAt <= ts {
			continue
		}
		if p.Resource == "*" && p.Action == "admin" {
			return true, nil
		}
		if p.Resource == resource && p.Action == action {
			return true, nil
		}
	}
	return false, nil
}
