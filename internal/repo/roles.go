package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coordline/internal/domain"
)

// InsertRole persists a role with its permissions and capabilities atomically.
func (r Repo) InsertRole(ctx context.Context, role domain.Role) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertRoleTx(ctx, tx, role); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) InsertRoleTx(ctx context.Context, tx *sql.Tx, role domain.Role) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO roles(id,context_id,name,classification,display_name,description,strategy,status,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		role.ID, role.ContextID, role.Name, role.Classification, role.DisplayName, nullable(role.Description), role.Strategy, role.Status, role.CreatedAt); err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	for _, p := range role.Permissions {
		if err := r.AddRolePermission(ctx, tx, role.ID, p); err != nil {
			return fmt.Errorf("insert role permission: %w", err)
		}
	}
	for i, c := range role.Capabilities {
		if err := r.AddRoleCapability(ctx, tx, role.ID, i, c); err != nil {
			return fmt.Errorf("insert role capability: %w", err)
		}
	}
	return nil
}

func scanRole(row interface{ Scan(...any) error }) (domain.Role, error) {
	var role domain.Role
	var desc sql.NullString
	err := row.Scan(&role.ID, &role.ContextID, &role.Name, &role.Classification, &role.DisplayName, &desc, &role.Strategy, &role.Status, &role.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return role, ErrNotFound
	}
	if desc.Valid {
		role.Description = desc.String
	}
	return role, err
}

const roleColumns = `id,context_id,name,classification,display_name,description,strategy,status,created_at`

func (r Repo) GetRole(ctx context.Context, id string) (domain.Role, error) {
	role, err := scanRole(r.DB.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id=?`, id))
	if err != nil {
		return role, err
	}
	return r.hydrate(ctx, role)
}

func (r Repo) hydrate(ctx context.Context, role domain.Role) (domain.Role, error) {
	perms, err := r.rolePermissions(ctx, role.ID)
	if err != nil {
		return role, err
	}
	caps, err := r.roleCapabilities(ctx, role.ID)
	if err != nil {
		return role, err
	}
	role.Permissions = perms
	role.Capabilities = caps
	return role, nil
}

// ListRoles returns roles newest first, optionally scoped to a context.
func (r Repo) ListRoles(ctx context.Context, contextID string) ([]domain.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles`
	var args []any
	if contextID != "" {
		query += ` WHERE context_id=?`
		args = append(args, contextID)
	}
	query += ` ORDER BY rowid DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, role)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i], err = r.hydrate(ctx, res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) UpdateRoleStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE roles SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
