package rbac

import (
	"strings"
	"time"
)

// WildcardAll is the super-admin permission code. A permission set that
// contains it satisfies every check.
const WildcardAll = "*"

// Permission is one entry in the permission catalog. Code is the canonical
// dotted form "module.resource.action" and is unique.
type Permission struct {
	ID          int64     `json:"id"`
	Code        string    `json:"code"`
	Module      string    `json:"module"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role is a named collection of permissions, optionally bound to data
// scopes. System roles ship with the platform and cannot be renamed or
// deleted.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Populated on detail reads, nil on list reads.
	Permissions []Permission `json:"permissions,omitempty"`
	DataScopes  []DataScope  `json:"data_scopes,omitempty"`

	// UserCount is populated on list reads for management UIs.
	UserCount int `json:"user_count"`
}

// UserRole binds a user to a role.
type UserRole struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	RoleID     int64     `json:"role_id"`
	AssignedBy int64     `json:"assigned_by,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

// DataScope is a node in the administrative-boundary hierarchy that can be
// granted to roles. Path is the materialized path of ancestor IDs including
// the node itself, slash-separated (e.g. "/1/14/352/"), so descendant
// checks are prefix matches.
type DataScope struct {
	ID        int64      `json:"id"`
	Code      string     `json:"code"`
	Name      string     `json:"name"`
	Level     ScopeLevel `json:"level"`
	ParentID  *int64     `json:"parent_id,omitempty"`
	Path      string     `json:"path"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ScopeLevel identifies the administrative level of a DataScope node.
type ScopeLevel string

// Administrative levels, broadest first. Names follow the Vietnamese
// forestry administration units carried in the source data.
const (
	LevelTinh    ScopeLevel = "tinh"    // province
	LevelHuyen   ScopeLevel = "huyen"   // district
	LevelXa      ScopeLevel = "xa"      // commune
	LevelTieuKhu ScopeLevel = "tieukhu" // sub-compartment
	LevelKhoanh  ScopeLevel = "khoanh"  // compartment
)

// ResolvedUser is the cached product of role resolution for one user: the
// union of permission codes, the contributing active roles and the union of
// granted data scopes.
type ResolvedUser struct {
	UserID      int64       `json:"user_id"`
	Permissions []string    `json:"permissions"`
	Roles       []Role      `json:"roles"`
	DataScopes  []DataScope `json:"data_scopes"`
	ResolvedAt  time.Time   `json:"resolved_at"`
}

// HasWildcard reports whether the resolved set carries the super-admin
// wildcard.
func (r *ResolvedUser) HasWildcard() bool {
	for _, p := range r.Permissions {
		if p == WildcardAll {
			return true
		}
	}
	return false
}

// RoleNames returns the names of the contributing roles.
func (r *ResolvedUser) RoleNames() []string {
	names := make([]string, 0, len(r.Roles))
	for _, role := range r.Roles {
		names = append(names, role.Name)
	}
	return names
}

// ParseCode splits a permission code into its module, resource and action
// segments. The wildcard code "*" is valid and returns "*" for all three.
func ParseCode(code string) (module, resource, action string, err error) {
	if code == WildcardAll {
		return WildcardAll, WildcardAll, WildcardAll, nil
	}
	parts := strings.Split(code, ".")
	if len(parts) != 3 {
		return "", "", "", NewValidationError("code", "permission code must be module.resource.action")
	}
	for _, p := range parts {
		if p == "" {
			return "", "", "", NewValidationError("code", "permission code segments must be non-empty")
		}
	}
	return parts[0], parts[1], parts[2], nil
}

// NormalizeCode maps legacy colon- and slash-delimited permission codes to
// the canonical dotted form. Unknown shapes are returned unchanged so the
// caller can reject them with context.
func NormalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if strings.Count(code, ":") == 2 {
		return strings.ReplaceAll(code, ":", ".")
	}
	if strings.Count(code, "/") == 2 {
		return strings.ReplaceAll(code, "/", ".")
	}
	return code
}
