package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store handles role, assignment and data-scope persistence on the auth
// database. All multi-row mutations run in a single transaction; a role is
// never observable with half its permissions.
type Store struct {
	db *sql.DB
}

// NewStore creates a new role store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRoleInput carries everything needed to create a role atomically.
type CreateRoleInput struct {
	Name          string
	DisplayName   string
	Description   string
	PermissionIDs []int64
	DataScopeIDs  []int64
}

// CreateRole creates a role together with its permission and data-scope
// bindings in one transaction.
func (s *Store) CreateRole(ctx context.Context, input CreateRoleInput) (*Role, error) {
	if input.Name == "" {
		return nil, NewValidationError("name", "role name is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM roles WHERE name = $1)`, input.Name).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check role name: %w", err)
	}
	if exists {
		return nil, &ConflictError{Message: fmt.Sprintf("role %q already exists", input.Name)}
	}

	now := time.Now()
	role := &Role{
		Name:        input.Name,
		DisplayName: input.DisplayName,
		Description: input.Description,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO roles (name, display_name, description, is_system, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, role.Name, role.DisplayName, role.Description, false, true, now, now).Scan(&role.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create role: %w", err)
	}

	if err := insertRolePermissions(ctx, tx, role.ID, input.PermissionIDs, now); err != nil {
		return nil, err
	}
	if err := insertRoleDataScopes(ctx, tx, role.ID, input.DataScopeIDs, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit role creation: %w", err)
	}
	return role, nil
}

func insertRolePermissions(ctx context.Context, tx *sql.Tx, roleID int64, permIDs []int64, now time.Time) error {
	for _, pid := range permIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO role_permissions (role_id, permission_id, created_at)
			VALUES ($1, $2, $3)
		`, roleID, pid, now); err != nil {
			return fmt.Errorf("failed to bind permission %d: %w", pid, err)
		}
	}
	return nil
}

func insertRoleDataScopes(ctx context.Context, tx *sql.Tx, roleID int64, scopeIDs []int64, now time.Time) error {
	for _, sid := range scopeIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO role_data_scopes (role_id, data_scope_id, created_at)
			VALUES ($1, $2, $3)
		`, roleID, sid, now); err != nil {
			return fmt.Errorf("failed to bind data scope %d: %w", sid, err)
		}
	}
	return nil
}

// GetRole retrieves a role by ID with its permissions and data scopes.
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	role, err := s.scanRole(ctx, `WHERE id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	if role.Permissions, err = s.rolePermissions(ctx, role.ID); err != nil {
		return nil, err
	}
	if role.DataScopes, err = s.roleDataScopes(ctx, role.ID); err != nil {
		return nil, err
	}
	return role, nil
}

// GetRoleByName retrieves a role by its unique name.
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	return s.scanRole(ctx, `WHERE name = $1`, name)
}

func (s *Store) scanRole(ctx context.Context, where string, arg interface{}) (*Role, error) {
	query := `
		SELECT id, name, display_name, description, is_system, is_active, created_at, updated_at
		FROM roles ` + where
	role := &Role{}
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&role.ID, &role.Name, &role.DisplayName, &role.Description,
		&role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError("role", fmt.Sprintf("%v", arg))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles returns all roles with their assigned-user counts.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	query := `
		SELECT r.id, r.name, r.display_name, r.description, r.is_system, r.is_active,
		       r.created_at, r.updated_at,
		       (SELECT COUNT(*) FROM user_roles ur WHERE ur.role_id = r.id) AS user_count
		FROM roles r
		ORDER BY r.name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(
			&r.ID, &r.Name, &r.DisplayName, &r.Description, &r.IsSystem,
			&r.IsActive, &r.CreatedAt, &r.UpdatedAt, &r.UserCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// UpdateRole updates a role's display name, description and active flag.
// System roles cannot be renamed, deactivated or otherwise mutated.
func (s *Store) UpdateRole(ctx context.Context, roleID int64, displayName, description string, isActive bool) (*Role, error) {
	role, err := s.scanRole(ctx, `WHERE id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, NewForbiddenError(fmt.Sprintf("role %q is a system role and cannot be modified", role.Name))
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE roles SET display_name = $1, description = $2, is_active = $3, updated_at = $4
		WHERE id = $5
	`, displayName, description, isActive, now, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to update role: %w", err)
	}

	role.DisplayName = displayName
	role.Description = description
	role.IsActive = isActive
	role.UpdatedAt = now
	return role, nil
}

// DeleteRole removes a role and its bindings. System roles cannot be
// deleted, and roles with assigned users return a ConflictError carrying
// the assignment count.
func (s *Store) DeleteRole(ctx context.Context, roleID int64) error {
	role, err := s.scanRole(ctx, `WHERE id = $1`, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return NewForbiddenError(fmt.Sprintf("role %q is a system role and cannot be deleted", role.Name))
	}

	count, err := s.CountRoleUsers(ctx, roleID)
	if err != nil {
		return err
	}
	if count > 0 {
		return NewRoleInUseError(role.Name, count)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM role_permissions WHERE role_id = $1`,
		`DELETE FROM role_data_scopes WHERE role_id = $1`,
		`DELETE FROM roles WHERE id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, roleID); err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
	}
	return tx.Commit()
}

// CountRoleUsers returns the number of users assigned to a role.
func (s *Store) CountRoleUsers(ctx context.Context, roleID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_roles WHERE role_id = $1`, roleID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count role users: %w", err)
	}
	return count, nil
}

// SyncPermissions replaces a role's permission bindings with exactly the
// given set, in one transaction. The super-admin wildcard binding of a
// system role cannot be synced away.
func (s *Store) SyncPermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	role, err := s.scanRole(ctx, `WHERE id = $1`, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return NewForbiddenError(fmt.Sprintf("permissions of system role %q cannot be changed", role.Name))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to clear role permissions: %w", err)
	}
	if err := insertRolePermissions(ctx, tx, roleID, permissionIDs, time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

// SyncDataScopes replaces a role's data-scope bindings with exactly the
// given set, in one transaction.
func (s *Store) SyncDataScopes(ctx context.Context, roleID int64, scopeIDs []int64) error {
	if _, err := s.scanRole(ctx, `WHERE id = $1`, roleID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM role_data_scopes WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to clear role data scopes: %w", err)
	}
	if err := insertRoleDataScopes(ctx, tx, roleID, scopeIDs, time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

// AssignRole binds a role to a user. Assigning an already-held role is a
// no-op rather than an error.
func (s *Store) AssignRole(ctx context.Context, userID, roleID, assignedBy int64) error {
	if _, err := s.scanRole(ctx, `WHERE id = $1`, roleID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role_id, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, role_id) DO NOTHING
	`, userID, roleID, assignedBy, time.Now())
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RevokeRole removes a role binding from a user.
func (s *Store) RevokeRole(ctx context.Context, userID, roleID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NewNotFoundError("user role", fmt.Sprintf("user=%d role=%d", userID, roleID))
	}
	return nil
}

func (s *Store) rolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	query := `
		SELECT p.id, p.code, p.module, p.resource, p.action, p.description,
		       p.is_active, p.created_at, p.updated_at
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.code
	`
	rows, err := s.db.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load role permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(
			&p.ID, &p.Code, &p.Module, &p.Resource, &p.Action,
			&p.Description, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *Store) roleDataScopes(ctx context.Context, roleID int64) ([]DataScope, error) {
	query := `
		SELECT d.id, d.code, d.name, d.level, d.parent_id, d.path,
		       d.is_active, d.created_at, d.updated_at
		FROM data_scopes d
		JOIN role_data_scopes rds ON rds.data_scope_id = d.id
		WHERE rds.role_id = $1
		ORDER BY d.path
	`
	rows, err := s.db.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load role data scopes: %w", err)
	}
	defer rows.Close()
	return scanDataScopes(rows)
}

func scanDataScopes(rows *sql.Rows) ([]DataScope, error) {
	var scopes []DataScope
	for rows.Next() {
		var d DataScope
		if err := rows.Scan(
			&d.ID, &d.Code, &d.Name, &d.Level, &d.ParentID, &d.Path,
			&d.IsActive, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan data scope: %w", err)
		}
		scopes = append(scopes, d)
	}
	return scopes, rows.Err()
}

// CreateDataScope inserts a boundary node, deriving its materialized path
// from the parent.
func (s *Store) CreateDataScope(ctx context.Context, code, name string, level ScopeLevel, parentID *int64) (*DataScope, error) {
	parentPath := "/"
	if parentID != nil {
		var p string
		err := s.db.QueryRowContext(ctx,
			`SELECT path FROM data_scopes WHERE id = $1`, *parentID).Scan(&p)
		if err == sql.ErrNoRows {
			return nil, NewNotFoundError("data scope", fmt.Sprintf("%d", *parentID))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve parent scope: %w", err)
		}
		parentPath = p
	}

	now := time.Now()
	scope := &DataScope{
		Code:      code,
		Name:      name,
		Level:     level,
		ParentID:  parentID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO data_scopes (code, name, level, parent_id, path, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '', $5, $6, $7)
		RETURNING id
	`, code, name, string(level), parentID, true, now, now).Scan(&scope.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create data scope: %w", err)
	}

	scope.Path = fmt.Sprintf("%s%d/", parentPath, scope.ID)
	if _, err := tx.ExecContext(ctx,
		`UPDATE data_scopes SET path = $1 WHERE id = $2`, scope.Path, scope.ID); err != nil {
		return nil, fmt.Errorf("failed to set scope path: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit data scope: %w", err)
	}
	return scope, nil
}

// GetDataScopeByCode retrieves a boundary node by its unique code.
func (s *Store) GetDataScopeByCode(ctx context.Context, code string) (*DataScope, error) {
	query := `
		SELECT id, code, name, level, parent_id, path, is_active, created_at, updated_at
		FROM data_scopes
		WHERE code = $1
	`
	row := s.db.QueryRowContext(ctx, query, code)
	var d DataScope
	err := row.Scan(
		&d.ID, &d.Code, &d.Name, &d.Level, &d.ParentID, &d.Path,
		&d.IsActive, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError("data scope", code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get data scope: %w", err)
	}
	return &d, nil
}

// ListDataScopes returns all active boundary nodes in path order, which is
// depth-first hierarchy order.
func (s *Store) ListDataScopes(ctx context.Context) ([]DataScope, error) {
	query := `
		SELECT id, code, name, level, parent_id, path, is_active, created_at, updated_at
		FROM data_scopes
		WHERE is_active = $1
		ORDER BY path
	`
	rows, err := s.db.QueryContext(ctx, query, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list data scopes: %w", err)
	}
	defer rows.Close()
	return scanDataScopes(rows)
}
