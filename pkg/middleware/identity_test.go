package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/forestwatch-vn/forestwatch/pkg/identity"
	"github.com/forestwatch-vn/forestwatch/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func TestParseIdentityFullHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderUserID, "42")
	req.Header.Set(HeaderUsername, "nguy%E1%BB%85n.van.a")
	req.Header.Set(HeaderRoles, "kiemlamdiaban,lanhdao")
	req.Header.Set(HeaderScopeXa, "Chi%E1%BB%81ng%20Khoong")
	req.Header.Set(HeaderScopeTieuKhu, "675")

	ident, err := ParseIdentity(req)
	if err != nil {
		t.Fatalf("ParseIdentity failed: %v", err)
	}
	if ident.UserID != 42 {
		t.Errorf("Expected user ID 42, got %d", ident.UserID)
	}
	if ident.Username != "nguyễn.van.a" {
		t.Errorf("Expected decoded username, got %q", ident.Username)
	}
	if len(ident.Roles) != 2 || ident.Roles[0] != "kiemlamdiaban" {
		t.Errorf("Unexpected roles: %v", ident.Roles)
	}
	if ident.Xa == nil || *ident.Xa != "Chiềng Khoong" {
		t.Errorf("Expected decoded xa scope, got %v", ident.Xa)
	}
	if ident.TieuKhu == nil || *ident.TieuKhu != "675" {
		t.Errorf("Expected tieukhu scope, got %v", ident.TieuKhu)
	}
	if ident.Khoanh != nil {
		t.Error("Expected absent khoanh header to be nil")
	}
}

func TestParseIdentityURLEncodedRoles(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderUserID, "7")
	req.Header.Set(HeaderRoles, "ki%E1%BB%83m%20l%C3%A2m, lanhdao")

	ident, err := ParseIdentity(req)
	if err != nil {
		t.Fatalf("ParseIdentity failed: %v", err)
	}
	if len(ident.Roles) != 2 || ident.Roles[0] != "kiểm lâm" || ident.Roles[1] != "lanhdao" {
		t.Errorf("Unexpected decoded roles: %v", ident.Roles)
	}
}

func TestParseIdentityAbsentVsEmptyScope(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderUserID, "7")
	req.Header.Set(HeaderScopeXa, "")

	ident, err := ParseIdentity(req)
	if err != nil {
		t.Fatalf("ParseIdentity failed: %v", err)
	}
	if ident.Xa == nil {
		t.Error("Expected present-but-empty xa header to be non-nil")
	}
	if ident.TieuKhu != nil {
		t.Error("Expected absent tieukhu header to be nil")
	}
}

func TestParseIdentityMalformedScopeEncoding(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderUserID, "7")
	req.Header.Set(HeaderScopeXa, "Chi%ZZng")

	if _, err := ParseIdentity(req); err == nil {
		t.Error("Expected bad percent-encoding in scope header to be rejected")
	}
}

func TestParseIdentityLegacyTieuKhuAlias(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderUserID, "7")
	req.Header.Set(HeaderScopeTK, "675")

	ident, err := ParseIdentity(req)
	if err != nil {
		t.Fatalf("ParseIdentity failed: %v", err)
	}
	if ident.TieuKhu == nil || *ident.TieuKhu != "675" {
		t.Errorf("Expected legacy alias to populate tieukhu, got %v", ident.TieuKhu)
	}
}

func TestParseIdentityNoUser(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)

	ident, err := ParseIdentity(req)
	if err != nil {
		t.Fatalf("ParseIdentity failed: %v", err)
	}
	if ident != nil {
		t.Errorf("Expected nil identity without user header, got %+v", ident)
	}
}

func TestParseIdentityMalformedUserID(t *testing.T) {
	for _, bad := range []string{"abc", "-1", "0"} {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(HeaderUserID, bad)
		if _, err := ParseIdentity(req); err == nil {
			t.Errorf("Expected user ID %q to be rejected", bad)
		}
	}
}

func TestIdentityMiddlewareInjectsContext(t *testing.T) {
	var captured *identity.Identity
	handler := IdentityMiddleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = identity.FromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderUserID, "42")
	req.Header.Set(HeaderUsername, "nguyen")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if captured == nil || captured.UserID != 42 {
		t.Errorf("Expected identity in context, got %+v", captured)
	}
}

func TestIdentityMiddlewareRejectsMalformed(t *testing.T) {
	handler := IdentityMiddleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler must not run on malformed identity")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderUserID, "not-a-number")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}

func TestInternalAPIKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	serve := func(configured, provided string) int {
		handler := InternalAPIKey(configured, testLogger())(ok)
		req := httptest.NewRequest("GET", "/internal/roles", nil)
		if provided != "" {
			req.Header.Set(HeaderAPIKey, provided)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := serve("secret", "secret"); code != http.StatusOK {
		t.Errorf("Expected 200 for matching key, got %d", code)
	}
	if code := serve("secret", "wrong"); code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for wrong key, got %d", code)
	}
	if code := serve("secret", ""); code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for missing key, got %d", code)
	}
	// Unconfigured key closes the surface instead of opening it.
	if code := serve("", ""); code != http.StatusUnauthorized {
		t.Errorf("Expected 401 when key unconfigured, got %d", code)
	}
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	var fromCtx string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = observability.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	echoed := rec.Header().Get(HeaderRequestID)
	if echoed == "" || echoed != fromCtx {
		t.Errorf("Expected generated ID in header and context, got %q / %q", echoed, fromCtx)
	}

	// Gateway-supplied IDs pass through.
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderRequestID, "gw-123")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get(HeaderRequestID) != "gw-123" {
		t.Errorf("Expected gateway ID echoed, got %q", rec.Header().Get(HeaderRequestID))
	}
}
