package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/forestwatch-vn/forestwatch/pkg/observability"
)

// Migration represents one versioned schema change on the auth database.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all auth-database migrations in order.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(255) NOT NULL UNIQUE,
					full_name VARCHAR(255),
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					xa VARCHAR(20),
					tieukhu VARCHAR(20),
					khoanh VARCHAR(20),
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_users_username ON users(username);
				CREATE INDEX idx_users_is_active ON users(is_active);
			`,
		},
		{
			Version:     2,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id BIGSERIAL PRIMARY KEY,
					code VARCHAR(255) NOT NULL UNIQUE,
					module VARCHAR(100) NOT NULL,
					resource VARCHAR(100) NOT NULL,
					action VARCHAR(100) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_permissions_module ON permissions(module);
			`,
		},
		{
			Version:     3,
			Description: "Create roles and role_permissions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					display_name VARCHAR(255) NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE INDEX idx_role_permissions_permission_id ON role_permissions(permission_id);
			`,
		},
		{
			Version:     4,
			Description: "Create user_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_roles (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					assigned_by BIGINT,
					assigned_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(user_id, role_id)
				);

				CREATE INDEX idx_user_roles_user_id ON user_roles(user_id);
				CREATE INDEX idx_user_roles_role_id ON user_roles(role_id);
			`,
		},
		{
			Version:     5,
			Description: "Create data_scopes and role_data_scopes tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS data_scopes (
					id BIGSERIAL PRIMARY KEY,
					code VARCHAR(100) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					level VARCHAR(20) NOT NULL,
					parent_id BIGINT REFERENCES data_scopes(id) ON DELETE CASCADE,
					path VARCHAR(255) NOT NULL DEFAULT '',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_data_scopes_parent_id ON data_scopes(parent_id);
				CREATE INDEX idx_data_scopes_path ON data_scopes(path);

				CREATE TABLE IF NOT EXISTS role_data_scopes (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					data_scope_id BIGINT NOT NULL REFERENCES data_scopes(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (role_id, data_scope_id)
				);
			`,
		},
		{
			Version:     6,
			Description: "Create audit_logs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_logs (
					id BIGSERIAL PRIMARY KEY,
					actor_id BIGINT NOT NULL,
					actor_name VARCHAR(255) NOT NULL DEFAULT '',
					action VARCHAR(100) NOT NULL,
					entity VARCHAR(100) NOT NULL,
					entity_id VARCHAR(100) NOT NULL DEFAULT '',
					detail TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_audit_logs_actor_id ON audit_logs(actor_id);
				CREATE INDEX idx_audit_logs_entity ON audit_logs(entity, entity_id);
				CREATE INDEX idx_audit_logs_created_at ON audit_logs(created_at);
			`,
		},
	}
}

// RunMigrations applies all pending migrations, each in its own
// transaction, tracked in the auth_migrations table.
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS auth_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM auth_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}
		if logger != nil {
			logger.WithFields(map[string]interface{}{
				"version":     migration.Version,
				"description": migration.Description,
			}).Info("running migration")
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO auth_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}
	return nil
}

// BuiltInRole is a role seeded at deployment time.
type BuiltInRole struct {
	Name        string
	DisplayName string
	Description string
	Permissions []string
}

// BuiltInRoles are the system roles present in every deployment. The
// super-admin role carries the wildcard; the field roles mirror the
// provincial forest-protection hierarchy.
var BuiltInRoles = []BuiltInRole{
	{
		Name:        "superadmin",
		DisplayName: "Super Administrator",
		Description: "Unrestricted access to every module",
		Permissions: []string{WildcardAll},
	},
	{
		Name:        "lanhdao",
		DisplayName: "Leadership",
		Description: "Province-wide read access for department leadership",
		Permissions: []string{
			"gis.matrung.view", "gis.verification.view", "gis.boundary.view",
			"report.matrung.view", "report.summary.view", "catalog.dropdown.view",
		},
	},
	{
		Name:        "kiemlamdiaban",
		DisplayName: "Field Ranger",
		Description: "Verification of forest-loss alerts within assigned scope",
		Permissions: []string{
			"gis.matrung.view", "gis.verification.view", "gis.verification.verify",
			"gis.boundary.view", "catalog.dropdown.view",
		},
	},
}

// SeedBuiltInRoles upserts the system roles and rebinds their permissions.
// Idempotent: re-running refreshes descriptions and permission bindings
// without duplicating rows.
func SeedBuiltInRoles(ctx context.Context, db *sql.DB, catalog *Catalog) error {
	// Wildcard is a real catalog row so role bindings can reference it.
	if _, err := catalog.Register(ctx, PermissionDef{
		Code:        WildcardAll,
		Description: "All permissions",
	}); err != nil {
		return err
	}
	if err := catalog.Seed(ctx); err != nil {
		return err
	}

	now := time.Now()
	for _, builtin := range BuiltInRoles {
		var roleID int64
		err := db.QueryRowContext(ctx, `
			INSERT INTO roles (name, display_name, description, is_system, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (name) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				description = EXCLUDED.description,
				updated_at = EXCLUDED.updated_at
			RETURNING id
		`, builtin.Name, builtin.DisplayName, builtin.Description, true, true, now, now).Scan(&roleID)
		if err != nil {
			return fmt.Errorf("failed to seed role %q: %w", builtin.Name, err)
		}

		permIDs, err := catalog.ResolveIDs(ctx, builtin.Permissions)
		if err != nil {
			return err
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to reset role %q permissions: %w", builtin.Name, err)
		}
		for _, pid := range permIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO role_permissions (role_id, permission_id, created_at)
				VALUES ($1, $2, $3)
			`, roleID, pid, now); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to bind role %q permission: %w", builtin.Name, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit role %q seed: %w", builtin.Name, err)
		}
	}
	return nil
}
