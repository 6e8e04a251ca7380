package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PermissionDef is a catalog seed entry.
type PermissionDef struct {
	Code        string
	Description string
}

// DefaultPermissions is the built-in permission catalog. Seeding upserts by
// code, so re-running a deployment never duplicates rows and description
// fixes propagate.
var DefaultPermissions = []PermissionDef{
	{Code: "gis.matrung.view", Description: "View forest-loss alert features"},
	{Code: "gis.matrung.export", Description: "Export forest-loss alert features"},
	{Code: "gis.verification.view", Description: "View field verification records"},
	{Code: "gis.verification.verify", Description: "Confirm or reject forest-loss alerts"},
	{Code: "gis.boundary.view", Description: "View administrative boundary layers"},
	{Code: "report.matrung.view", Description: "View periodic forest-loss reports"},
	{Code: "report.matrung.export", Description: "Export periodic forest-loss reports"},
	{Code: "report.summary.view", Description: "View summary dashboards"},
	{Code: "user.user.view", Description: "View user accounts"},
	{Code: "user.user.manage", Description: "Create, update and deactivate user accounts"},
	{Code: "user.role.view", Description: "View roles and their permissions"},
	{Code: "user.role.manage", Description: "Create, update and delete roles"},
	{Code: "user.role.assign", Description: "Assign and revoke user roles"},
	{Code: "catalog.dropdown.view", Description: "View administrative unit dropdown data"},
	{Code: "system.audit.view", Description: "View the audit trail"},
}

// Catalog is the registry of permission definitions backed by the auth
// database.
type Catalog struct {
	db *sql.DB
}

// NewCatalog creates a catalog over the given database.
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// Register upserts a permission definition by code. The code is normalized
// and validated first; existing rows keep their ID and update description
// and the derived segments.
func (c *Catalog) Register(ctx context.Context, def PermissionDef) (*Permission, error) {
	code := NormalizeCode(def.Code)
	module, resource, action, err := ParseCode(code)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	query := `
		INSERT INTO permissions (code, module, resource, action, description, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO UPDATE SET
			module = EXCLUDED.module,
			resource = EXCLUDED.resource,
			action = EXCLUDED.action,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at
		RETURNING id, is_active, created_at
	`

	perm := &Permission{
		Code:        code,
		Module:      module,
		Resource:    resource,
		Action:      action,
		Description: def.Description,
		UpdatedAt:   now,
	}
	err = c.db.QueryRowContext(ctx, query,
		code, module, resource, action, def.Description, true, now, now,
	).Scan(&perm.ID, &perm.IsActive, &perm.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to register permission %q: %w", code, err)
	}
	return perm, nil
}

// Seed registers every default permission. Idempotent.
func (c *Catalog) Seed(ctx context.Context) error {
	for _, def := range DefaultPermissions {
		if _, err := c.Register(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// Resolve looks up a permission by code, normalizing legacy forms first.
func (c *Catalog) Resolve(ctx context.Context, code string) (*Permission, error) {
	code = NormalizeCode(code)
	query := `
		SELECT id, code, module, resource, action, description, is_active, created_at, updated_at
		FROM permissions
		WHERE code = $1
	`
	perm := &Permission{}
	err := c.db.QueryRowContext(ctx, query, code).Scan(
		&perm.ID, &perm.Code, &perm.Module, &perm.Resource, &perm.Action,
		&perm.Description, &perm.IsActive, &perm.CreatedAt, &perm.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError("permission", code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permission %q: %w", code, err)
	}
	return perm, nil
}

// List returns all catalog entries ordered by code.
func (c *Catalog) List(ctx context.Context) ([]Permission, error) {
	query := `
		SELECT id, code, module, resource, action, description, is_active, created_at, updated_at
		FROM permissions
		ORDER BY code
	`
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
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

// ResolveIDs maps permission codes to IDs, failing on the first unknown
// code so role mutations never silently drop permissions.
func (c *Catalog) ResolveIDs(ctx context.Context, codes []string) ([]int64, error) {
	ids := make([]int64, 0, len(codes))
	for _, code := range codes {
		perm, err := c.Resolve(ctx, code)
		if err != nil {
			return nil, err
		}
		ids = append(ids, perm.ID)
	}
	return ids, nil
}
