package rbac

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/forestwatch-vn/forestwatch/pkg/audit"
	"github.com/forestwatch-vn/forestwatch/pkg/httputil"
	"github.com/forestwatch-vn/forestwatch/pkg/identity"
	"github.com/forestwatch-vn/forestwatch/pkg/observability"
)

// Handlers exposes role and permission management over HTTP.
type Handlers struct {
	store    *Store
	catalog  *Catalog
	resolver *Resolver
	auditor  audit.Logger
	logger   *observability.Logger
}

// NewHandlers creates the management handlers. auditor may be nil to
// disable the audit trail.
func NewHandlers(store *Store, catalog *Catalog, resolver *Resolver, auditor audit.Logger, logger *observability.Logger) *Handlers {
	return &Handlers{
		store:    store,
		catalog:  catalog,
		resolver: resolver,
		auditor:  auditor,
		logger:   logger,
	}
}

// RegisterRoutes mounts the management API on the router, gated by the
// permission middleware.
func (h *Handlers) RegisterRoutes(router *mux.Router, mw *Middleware) {
	view := mw.RequirePermission(ModeAny, "user.role.view", "user.role.manage")
	manage := mw.RequirePermission(ModeAny, "user.role.manage")
	assign := mw.RequirePermission(ModeAny, "user.role.assign", "user.role.manage")

	router.Handle("/roles", view(http.HandlerFunc(h.ListRoles))).Methods("GET")
	router.Handle("/roles", manage(http.HandlerFunc(h.CreateRole))).Methods("POST")
	router.Handle("/roles/{id:[0-9]+}", view(http.HandlerFunc(h.GetRole))).Methods("GET")
	router.Handle("/roles/{id:[0-9]+}", manage(http.HandlerFunc(h.UpdateRole))).Methods("PUT")
	router.Handle("/roles/{id:[0-9]+}", manage(http.HandlerFunc(h.DeleteRole))).Methods("DELETE")
	router.Handle("/roles/{id:[0-9]+}/permissions", manage(http.HandlerFunc(h.SyncRolePermissions))).Methods("PUT")
	router.Handle("/roles/{id:[0-9]+}/data-scopes", manage(http.HandlerFunc(h.SyncRoleDataScopes))).Methods("PUT")
	router.Handle("/permissions", view(http.HandlerFunc(h.ListPermissions))).Methods("GET")
	router.Handle("/data-scopes", view(http.HandlerFunc(h.ListDataScopes))).Methods("GET")
	router.Handle("/users/{id:[0-9]+}/roles", assign(http.HandlerFunc(h.AssignRole))).Methods("POST")
	router.Handle("/users/{id:[0-9]+}/roles/{roleId:[0-9]+}", assign(http.HandlerFunc(h.RevokeRole))).Methods("DELETE")
}

// RegisterInternalRoutes mounts the service-to-service API. The caller is
// responsible for wrapping the router with the internal API key check.
func (h *Handlers) RegisterInternalRoutes(router *mux.Router) {
	router.HandleFunc("/users/{id:[0-9]+}/permissions", h.InternalUserPermissions).Methods("GET")
	router.HandleFunc("/users/{id:[0-9]+}/roles", h.InternalUserRoles).Methods("GET")
	router.HandleFunc("/roles", h.InternalListRoles).Methods("GET")
	router.HandleFunc("/cache/clear", h.InternalClearCache).Methods("POST")
	router.HandleFunc("/cache/clear/{id:[0-9]+}", h.InternalClearUserCache).Methods("POST")
}

type createRoleRequest struct {
	Name            string   `json:"name"`
	DisplayName     string   `json:"display_name"`
	Description     string   `json:"description"`
	PermissionCodes []string `json:"permission_codes"`
	DataScopeCodes  []string `json:"data_scope_codes"`
}

type updateRoleRequest struct {
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	IsActive    *bool  `json:"is_active"`
}

type syncPermissionsRequest struct {
	PermissionCodes []string `json:"permission_codes"`
}

type syncDataScopesRequest struct {
	DataScopeCodes []string `json:"data_scope_codes"`
}

type assignRoleRequest struct {
	RoleID int64 `json:"role_id"`
}

// ListRoles returns all roles with user counts.
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListRoles(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// GetRole returns one role with its permissions and data scopes.
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteValidationError(w, "invalid role id")
		return
	}
	role, err := h.store.GetRole(r.Context(), roleID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// CreateRole creates a role with its permission and data-scope bindings.
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	permIDs, err := h.catalog.ResolveIDs(r.Context(), req.PermissionCodes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	scopeIDs, err := h.resolveScopeIDs(r, req.DataScopeCodes)
	if err != nil {
		h.writeError(w, err)
		return
	}

	role, err := h.store.CreateRole(r.Context(), CreateRoleInput{
		Name:          req.Name,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		PermissionIDs: permIDs,
		DataScopeIDs:  scopeIDs,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.audit(r, "role.create", "role", fmt.Sprintf("%d", role.ID), fmt.Sprintf("created role %q", role.Name))
	httputil.WriteCreated(w, role)
}

// UpdateRole updates mutable role fields.
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteValidationError(w, "invalid role id")
		return
	}
	var req updateRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	role, err := h.store.UpdateRole(r.Context(), roleID, req.DisplayName, req.Description, isActive)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.invalidateRoleUsers(r, roleID)
	h.audit(r, "role.update", "role", fmt.Sprintf("%d", roleID), fmt.Sprintf("updated role %q", role.Name))
	httputil.WriteSuccess(w, role)
}

// DeleteRole deletes an unused non-system role.
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteValidationError(w, "invalid role id")
		return
	}
	if err := h.store.DeleteRole(r.Context(), roleID); err != nil {
		h.writeError(w, err)
		return
	}
	h.audit(r, "role.delete", "role", fmt.Sprintf("%d", roleID), "deleted role")
	httputil.WriteNoContent(w)
}

// SyncRolePermissions replaces a role's permissions with the given set.
func (h *Handlers) SyncRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteValidationError(w, "invalid role id")
		return
	}
	var req syncPermissionsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	permIDs, err := h.catalog.ResolveIDs(r.Context(), req.PermissionCodes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.store.SyncPermissions(r.Context(), roleID, permIDs); err != nil {
		h.writeError(w, err)
		return
	}

	h.invalidateRoleUsers(r, roleID)
	h.audit(r, "role.sync_permissions", "role", fmt.Sprintf("%d", roleID),
		fmt.Sprintf("synced %d permission(s)", len(permIDs)))
	httputil.WriteSuccessMessage(w, "permissions synced", nil)
}

// SyncRoleDataScopes replaces a role's data scopes with the given set.
func (h *Handlers) SyncRoleDataScopes(w http.ResponseWriter, r *http.Request) {
	roleID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteValidationError(w, "invalid role id")
		return
	}
	var req syncDataScopesRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	scopeIDs, err := h.resolveScopeIDs(r, req.DataScopeCodes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.store.SyncDataScopes(r.Context(), roleID, scopeIDs); err != nil {
		h.writeError(w, err)
		return
	}

	h.invalidateRoleUsers(r, roleID)
	h.audit(r, "role.sync_data_scopes", "role", fmt.Sprintf("%d", roleID),
		fmt.Sprintf("synced %d data scope(s)", len(scopeIDs)))
	httputil.WriteSuccessMessage(w, "data scopes synced", nil)
}

// ListPermissions returns the permission catalog.
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.catalog.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

// ListDataScopes returns the boundary hierarchy in depth-first order.
func (h *Handlers) ListDataScopes(w http.ResponseWriter, r *http.Request) {
	scopes, err := h.store.ListDataScopes(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, scopes)
}

// AssignRole binds a role to the user in the path.
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	userID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteValidationError(w, "invalid user id")
		return
	}
	var req assignRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	var actorID int64
	if ident := identity.FromContext(r.Context()); ident != nil {
		actorID = ident.UserID
	}
	if err := h.store.AssignRole(r.Context(), userID, req.RoleID, actorID); err != nil {
		h.writeError(w, err)
		return
	}

	h.resolver.ClearUserCache(r.Context(), userID)
	h.audit(r, "role.assign", "user", fmt.Sprintf("%d", userID),
		fmt.Sprintf("assigned role %d", req.RoleID))
	httputil.WriteSuccessMessage(w, "role assigned", nil)
}

// RevokeRole removes a role binding from the user in the path.
func (h *Handlers) RevokeRole(w http.ResponseWriter, r *http.Request) {
	userID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteValidationError(w, "invalid user id")
		return
	}
	roleID, err := httputil.ParsePathInt64(r, "roleId")
	if err != nil {
		httputil.WriteValidationError(w, "invalid role id")
		return
	}
	if err := h.store.RevokeRole(r.Context(), userID, roleID); err != nil {
		h.writeError(w, err)
		return
	}

	h.resolver.ClearUserCache(r.Context(), userID)
	h.audit(r, "role.revoke", "user", fmt.Sprintf("%d", userID),
		fmt.Sprintf("revoked role %d", roleID))
	httputil.WriteNoContent(w)
}

// InternalUserPermissions returns a user's effective resolution for other
// services behind the gateway.
func (h *Handlers) InternalUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteValidationError(w, "invalid user id")
		return
	}
	resolved, err := h.resolver.Resolve(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, resolved)
}

// InternalUserRoles returns a user's active roles.
func (h *Handlers) InternalUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteValidationError(w, "invalid user id")
		return
	}
	resolved, err := h.resolver.Resolve(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, resolved.Roles)
}

// InternalListRoles returns all roles for service-to-service consumers.
func (h *Handlers) InternalListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListRoles(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// InternalClearCache drops every cached resolution.
func (h *Handlers) InternalClearCache(w http.ResponseWriter, r *http.Request) {
	h.resolver.ClearAllCache(r.Context())
	httputil.WriteSuccessMessage(w, "cache cleared", nil)
}

// InternalClearUserCache drops one user's cached resolution.
func (h *Handlers) InternalClearUserCache(w http.ResponseWriter, r *http.Request) {
	userID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteValidationError(w, "invalid user id")
		return
	}
	h.resolver.ClearUserCache(r.Context(), userID)
	httputil.WriteSuccessMessage(w, "cache cleared", nil)
}

func (h *Handlers) resolveScopeIDs(r *http.Request, codes []string) ([]int64, error) {
	ids := make([]int64, 0, len(codes))
	for _, code := range codes {
		scope, err := h.store.GetDataScopeByCode(r.Context(), code)
		if err != nil {
			return nil, err
		}
		ids = append(ids, scope.ID)
	}
	return ids, nil
}

func (h *Handlers) invalidateRoleUsers(r *http.Request, roleID int64) {
	userIDs, err := h.resolver.RoleUserIDs(r.Context(), roleID)
	if err != nil {
		// Fall back to a full flush so a stale grant can never outlive
		// the mutation that removed it.
		h.logger.WithError(err).Warn("failed to enumerate role users, clearing all caches")
		h.resolver.ClearAllCache(r.Context())
		return
	}
	for _, id := range userIDs {
		h.resolver.ClearUserCache(r.Context(), id)
	}
}

func (h *Handlers) audit(r *http.Request, action, entity, entityID, detail string) {
	if h.auditor == nil {
		return
	}
	event := &audit.Event{Action: action, Entity: entity, EntityID: entityID, Detail: detail}
	if ident := identity.FromContext(r.Context()); ident != nil {
		event.ActorID = ident.UserID
		event.ActorName = ident.Username
	}
	if err := h.auditor.Log(r.Context(), event); err != nil {
		h.logger.WithError(err).Warn("failed to record audit event")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("request failed")
		httputil.WriteInternalError(w, err)
		return
	}
	if ce, ok := err.(*ConflictError); ok {
		httputil.WriteJSON(w, status, map[string]interface{}{
			"success":    false,
			"error":      ce.Message,
			"user_count": ce.UserCount,
		})
		return
	}
	httputil.WriteErrorMessage(w, status, err.Error())
}
