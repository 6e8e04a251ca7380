package rbac

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/forestwatch-vn/forestwatch/pkg/audit"
	"github.com/forestwatch-vn/forestwatch/pkg/identity"
	"github.com/forestwatch-vn/forestwatch/pkg/observability"
)

const testCacheTTL = 5 * time.Minute

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

type handlersFixture struct {
	handlers *Handlers
	store    *Store
	catalog  *Catalog
	resolver *Resolver
	router   *mux.Router
	adminID  int64
}

func setupHandlersFixture(t *testing.T) *handlersFixture {
	t.Helper()

	db := setupTestDB(t)
	store := NewStore(db)
	catalog := seedTestCatalog(t, db)
	ctx := t.Context()

	manageIDs, _ := catalog.ResolveIDs(ctx, []string{"user.role.manage"})
	adminRole, err := store.CreateRole(ctx, CreateRoleInput{Name: "roleadmin", PermissionIDs: manageIDs})
	if err != nil {
		t.Fatalf("CreateRole failed: %v", err)
	}
	adminID := createTestUser(t, db, "admin", true)
	store.AssignRole(ctx, adminID, adminRole.ID, 0)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	resolver := NewResolver(db, nil, logger, nil)
	handlers := NewHandlers(store, catalog, resolver, audit.NopLogger{}, logger)
	mw := NewMiddleware(resolver, logger, nil)

	router := mux.NewRouter()
	handlers.RegisterRoutes(router.PathPrefix("/api/v1").Subrouter(), mw)

	handlers.RegisterInternalRoutes(router.PathPrefix("/internal").Subrouter())

	return &handlersFixture{
		handlers: handlers,
		store:    store,
		catalog:  catalog,
		resolver: resolver,
		router:   router,
		adminID:  adminID,
	}
}

func (f *handlersFixture) do(t *testing.T, method, path string, body interface{}, asUser int64) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if asUser != 0 {
		req = req.WithContext(identity.WithIdentity(req.Context(),
			&identity.Identity{UserID: asUser, Username: "admin"}))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetRoleOverHTTP(t *testing.T) {
	f := setupHandlersFixture(t)

	rec := f.do(t, "POST", "/api/v1/roles", createRoleRequest{
		Name:            "ranger",
		DisplayName:     "Field Ranger",
		PermissionCodes: []string{"gis.matrung.view", "gis.verification.verify"},
	}, f.adminID)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created struct {
		Data Role `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	rec = f.do(t, "GET", "/api/v1/roles", nil, f.adminID)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var listed struct {
		Data []Role `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	// roleadmin fixture role plus the created one.
	if len(listed.Data) != 2 {
		t.Errorf("Expected 2 roles, got %d", len(listed.Data))
	}
}

func TestCreateRoleUnknownPermissionIs404(t *testing.T) {
	f := setupHandlersFixture(t)

	rec := f.do(t, "POST", "/api/v1/roles", createRoleRequest{
		Name:            "ranger",
		PermissionCodes: []string{"gis.matrung.fly"},
	}, f.adminID)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown permission, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRoleRoutesRequirePermission(t *testing.T) {
	f := setupHandlersFixture(t)

	// Unauthenticated.
	rec := f.do(t, "GET", "/api/v1/roles", nil, 0)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}

	// Authenticated but unprivileged.
	db := f.store.db
	res, err := db.Exec(`INSERT INTO users (username, is_active) VALUES ('nobody', 1)`)
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	nobodyID, _ := res.LastInsertId()
	rec = f.do(t, "GET", "/api/v1/roles", nil, nobodyID)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", rec.Code)
	}
}

func TestDeleteRoleInUseOverHTTP(t *testing.T) {
	f := setupHandlersFixture(t)
	ctx := t.Context()

	role, err := f.store.CreateRole(ctx, CreateRoleInput{Name: "ranger"})
	if err != nil {
		t.Fatalf("CreateRole failed: %v", err)
	}
	if err := f.store.AssignRole(ctx, f.adminID, role.ID, 0); err != nil {
		t.Fatalf("AssignRole failed: %v", err)
	}

	rec := f.do(t, "DELETE", "/api/v1/roles/"+itoa(role.ID), nil, f.adminID)
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		UserCount int `json:"user_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.UserCount != 1 {
		t.Errorf("Expected user_count 1 in conflict body, got %d", body.UserCount)
	}
}

func TestSyncPermissionsInvalidatesCache(t *testing.T) {
	f := setupHandlersFixture(t)
	ctx := t.Context()

	// Re-wire the resolver with a cache so invalidation is observable.
	cache := NewMemoryCache(testCacheTTL, nil)
	f.resolver.cache = cache

	role, err := f.store.CreateRole(ctx, CreateRoleInput{Name: "ranger"})
	if err != nil {
		t.Fatalf("CreateRole failed: %v", err)
	}
	userID := createTestUser(t, f.store.db, "nguyen", true)
	f.store.AssignRole(ctx, userID, role.ID, 0)

	set, err := f.resolver.Permissions(ctx, userID)
	if err != nil {
		t.Fatalf("Permissions failed: %v", err)
	}
	if set.Has("gis.matrung.view") {
		t.Fatal("Fixture role should start without permissions")
	}

	rec := f.do(t, "PUT", "/api/v1/roles/"+itoa(role.ID)+"/permissions",
		syncPermissionsRequest{PermissionCodes: []string{"gis.matrung.view"}}, f.adminID)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	set, err = f.resolver.Permissions(ctx, userID)
	if err != nil {
		t.Fatalf("Permissions failed: %v", err)
	}
	if !set.Has("gis.matrung.view") {
		t.Error("Expected sync to invalidate the cached resolution")
	}
}

func TestAssignAndRevokeRoleOverHTTP(t *testing.T) {
	f := setupHandlersFixture(t)
	ctx := t.Context()

	role, err := f.store.CreateRole(ctx, CreateRoleInput{Name: "ranger"})
	if err != nil {
		t.Fatalf("CreateRole failed: %v", err)
	}
	userID := createTestUser(t, f.store.db, "nguyen", true)

	rec := f.do(t, "POST", "/api/v1/users/"+itoa(userID)+"/roles",
		assignRoleRequest{RoleID: role.ID}, f.adminID)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	count, _ := f.store.CountRoleUsers(ctx, role.ID)
	if count != 1 {
		t.Errorf("Expected 1 assignment, got %d", count)
	}

	rec = f.do(t, "DELETE", "/api/v1/users/"+itoa(userID)+"/roles/"+itoa(role.ID), nil, f.adminID)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	count, _ = f.store.CountRoleUsers(ctx, role.ID)
	if count != 0 {
		t.Errorf("Expected 0 assignments, got %d", count)
	}
}

func TestInternalUserPermissions(t *testing.T) {
	f := setupHandlersFixture(t)

	rec := f.do(t, "GET", "/internal/users/"+itoa(f.adminID)+"/permissions", nil, 0)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data ResolvedUser `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(body.Data.Permissions) != 1 || body.Data.Permissions[0] != "user.role.manage" {
		t.Errorf("Unexpected resolution: %+v", body.Data)
	}
}

func TestInternalCacheClear(t *testing.T) {
	f := setupHandlersFixture(t)

	cache := NewMemoryCache(testCacheTTL, nil)
	f.resolver.cache = cache
	if _, err := f.resolver.Resolve(t.Context(), f.adminID); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("Expected primed cache, got %d entries", cache.Len())
	}

	rec := f.do(t, "POST", "/internal/cache/clear", nil, 0)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if cache.Len() != 0 {
		t.Errorf("Expected cache cleared, got %d entries", cache.Len())
	}
}
