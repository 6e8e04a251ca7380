package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/forestwatch-vn/forestwatch/pkg/observability"
)

// Resolver computes a user's effective permissions, roles and data scopes
// as the union across all active role assignments. Results are cached per
// user; every mutation path in the role handlers invalidates the affected
// users.
type Resolver struct {
	db      *sql.DB
	cache   Cache
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewResolver creates a resolver. cache may be nil, in which case every
// call resolves from the database.
func NewResolver(db *sql.DB, cache Cache, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{db: db, cache: cache, logger: logger, metrics: metrics}
}

// Resolve returns the user's effective resolution, from cache when fresh.
// Inactive users resolve to an empty set rather than an error so callers
// uniformly deny them.
func (r *Resolver) Resolve(ctx context.Context, userID int64) (*ResolvedUser, error) {
	if r.cache != nil {
		if resolved, ok := r.cache.Get(ctx, userID); ok {
			return resolved, nil
		}
	}

	resolved, err := r.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Set(ctx, userID, resolved)
	}
	return resolved, nil
}

// Permissions returns the user's effective permission set.
func (r *Resolver) Permissions(ctx context.Context, userID int64) (*PermissionSet, error) {
	resolved, err := r.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	return NewPermissionSet(resolved.Permissions), nil
}

// ClearUserCache drops the cached resolution for one user.
func (r *Resolver) ClearUserCache(ctx context.Context, userID int64) {
	if r.cache != nil {
		r.cache.Invalidate(ctx, userID)
	}
}

// ClearAllCache drops every cached resolution. Used after bulk mutations
// such as permission sync on a widely assigned role.
func (r *Resolver) ClearAllCache(ctx context.Context) {
	if r.cache != nil {
		r.cache.Clear(ctx)
	}
}

// Sweep evicts expired cache entries. Wired to the scheduler in cmd.
func (r *Resolver) Sweep(ctx context.Context) int {
	if r.cache == nil {
		return 0
	}
	return r.cache.Sweep(ctx)
}

// RoleUserIDs returns the IDs of users currently assigned to the role, for
// targeted cache invalidation after role mutations.
func (r *Resolver) RoleUserIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM user_roles WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Resolver) resolve(ctx context.Context, userID int64) (*ResolvedUser, error) {
	resolved := &ResolvedUser{UserID: userID, ResolvedAt: time.Now()}

	var active bool
	err := r.db.QueryRowContext(ctx,
		`SELECT is_active FROM users WHERE id = $1`, userID).Scan(&active)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError("user", fmt.Sprintf("%d", userID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	if !active {
		resolved.Permissions = []string{}
		return resolved, nil
	}

	if resolved.Roles, err = r.activeRoles(ctx, userID); err != nil {
		return nil, err
	}
	if resolved.Permissions, err = r.unionPermissions(ctx, userID); err != nil {
		return nil, err
	}
	if resolved.DataScopes, err = r.unionDataScopes(ctx, userID); err != nil {
		return nil, err
	}

	if r.logger != nil {
		r.logger.WithFields(map[string]interface{}{
			"user_id":     userID,
			"roles":       len(resolved.Roles),
			"permissions": len(resolved.Permissions),
			"data_scopes": len(resolved.DataScopes),
		}).Debug("resolved user roles")
	}
	return resolved, nil
}

func (r *Resolver) activeRoles(ctx context.Context, userID int64) ([]Role, error) {
	query := `
		SELECT r.id, r.name, r.display_name, r.description, r.is_system, r.is_active,
		       r.created_at, r.updated_at
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1 AND r.is_active = $2
		ORDER BY r.name
	`
	rows, err := r.db.QueryContext(ctx, query, userID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load user roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(
			&role.ID, &role.Name, &role.DisplayName, &role.Description,
			&role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *Resolver) unionPermissions(ctx context.Context, userID int64) ([]string, error) {
	query := `
		SELECT DISTINCT p.code
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND r.is_active = $2 AND p.is_active = $3
	`
	rows, err := r.db.QueryContext(ctx, query, userID, true, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load user permissions: %w", err)
	}
	defer rows.Close()

	codes := []string{}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan permission code: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(codes)
	return codes, nil
}

func (r *Resolver) unionDataScopes(ctx context.Context, userID int64) ([]DataScope, error) {
	query := `
		SELECT DISTINCT d.id, d.code, d.name, d.level, d.parent_id, d.path,
		       d.is_active, d.created_at, d.updated_at
		FROM data_scopes d
		JOIN role_data_scopes rds ON rds.data_scope_id = d.id
		JOIN user_roles ur ON ur.role_id = rds.role_id
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND r.is_active = $2 AND d.is_active = $3
		ORDER BY d.path
	`
	rows, err := r.db.QueryContext(ctx, query, userID, true, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load user data scopes: %w", err)
	}
	defer rows.Close()
	return scanDataScopes(rows)
}
