package gate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paulmach/orb"

	"github.com/forestwatch-vn/forestwatch/pkg/identity"
	"github.com/forestwatch-vn/forestwatch/pkg/rbac"
	"github.com/forestwatch-vn/forestwatch/pkg/scope"
)

type fakePermissions struct {
	sets map[int64][]string
	err  error
}

func (f *fakePermissions) Permissions(_ context.Context, userID int64) (*rbac.PermissionSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	return rbac.NewPermissionSet(f.sets[userID]), nil
}

type fakeScopes struct {
	sets         map[int64]scope.ScopeSet
	visible      bool
	reconcileErr error
	predicateErr error
	visibleErr   error
}

func (f *fakeScopes) Reconcile(_ context.Context, ident *identity.Identity) (scope.ScopeSet, error) {
	if f.reconcileErr != nil {
		return scope.ScopeSet{}, f.reconcileErr
	}
	return f.sets[ident.UserID], nil
}

func (f *fakeScopes) BuildPredicate(_ context.Context, set scope.ScopeSet) (scope.Predicate, error) {
	if f.predicateErr != nil {
		return scope.Predicate{}, f.predicateErr
	}
	if set.Bypass {
		return scope.Predicate{}, nil
	}
	if set.IsEmpty() {
		return scope.Predicate{Empty: true}, nil
	}
	return scope.Predicate{Attributes: set.Attributes}, nil
}

func (f *fakeScopes) FeatureVisible(_ context.Context, _ scope.ScopeSet, _ orb.Point) (bool, error) {
	if f.visibleErr != nil {
		return false, f.visibleErr
	}
	return f.visible, nil
}

func strp(s string) *string { return &s }

func TestGateUnauthenticated(t *testing.T) {
	g := New(&fakePermissions{}, &fakeScopes{}, nil, nil)

	_, err := g.AuthorizeAndScope(context.Background(), nil, Require("gis.matrung.view"))
	var ue *rbac.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Errorf("Expected UnauthorizedError, got %v", err)
	}
}

func TestGateDeniesBeforeScoping(t *testing.T) {
	scopes := &fakeScopes{sets: map[int64]scope.ScopeSet{1: {Bypass: true}}}
	g := New(&fakePermissions{sets: map[int64][]string{1: {"report.matrung.view"}}}, scopes, nil, nil)

	_, err := g.AuthorizeAndScope(context.Background(),
		&identity.Identity{UserID: 1}, Require("gis.matrung.view"))
	var fe *rbac.ForbiddenError
	if !errors.As(err, &fe) {
		t.Errorf("Expected ForbiddenError even for bypass user, got %v", err)
	}
}

func TestGateBypassYieldsUnrestrictedPredicate(t *testing.T) {
	scopes := &fakeScopes{sets: map[int64]scope.ScopeSet{1: {Bypass: true}}}
	g := New(&fakePermissions{sets: map[int64][]string{1: {"gis.matrung.view"}}}, scopes, nil, nil)

	decision, err := g.AuthorizeAndScope(context.Background(),
		&identity.Identity{UserID: 1}, Require("gis.matrung.view"))
	if err != nil {
		t.Fatalf("AuthorizeAndScope failed: %v", err)
	}
	if !decision.Predicate.Unrestricted() {
		t.Errorf("Expected unrestricted predicate, got %+v", decision.Predicate)
	}
}

func TestGateScopelessUserGetsEmptyPredicate(t *testing.T) {
	scopes := &fakeScopes{sets: map[int64]scope.ScopeSet{}}
	g := New(&fakePermissions{sets: map[int64][]string{1: {"gis.matrung.view"}}}, scopes, nil, nil)

	decision, err := g.AuthorizeAndScope(context.Background(),
		&identity.Identity{UserID: 1}, Require("gis.matrung.view"))
	if err != nil {
		t.Fatalf("AuthorizeAndScope failed: %v", err)
	}
	if !decision.Predicate.Empty {
		t.Errorf("Expected empty predicate, got %+v", decision.Predicate)
	}
}

func TestGateResolutionFailureDeniesClosed(t *testing.T) {
	g := New(&fakePermissions{err: errors.New("auth db down")}, &fakeScopes{}, nil, nil)

	if _, err := g.AuthorizeAndScope(context.Background(),
		&identity.Identity{UserID: 1}, Require("gis.matrung.view")); err == nil {
		t.Error("Expected resolution failure to deny")
	}
}

func TestGatePredicateFailureDeniesClosed(t *testing.T) {
	scopes := &fakeScopes{
		sets:         map[int64]scope.ScopeSet{1: {Attributes: &scope.AttributeScope{Xa: strp("04975")}}},
		predicateErr: errors.New("boundary db down"),
	}
	g := New(&fakePermissions{sets: map[int64][]string{1: {"gis.matrung.view"}}}, scopes, nil, nil)

	if _, err := g.AuthorizeAndScope(context.Background(),
		&identity.Identity{UserID: 1}, Require("gis.matrung.view")); err == nil {
		t.Error("Expected predicate failure to deny")
	}
}

func TestGateModeAllAndPattern(t *testing.T) {
	scopes := &fakeScopes{sets: map[int64]scope.ScopeSet{1: {Bypass: true}}}
	perms := &fakePermissions{sets: map[int64][]string{
		1: {"gis.matrung.view", "gis.verification.verify"},
	}}
	g := New(perms, scopes, nil, nil)
	ident := &identity.Identity{UserID: 1}
	ctx := context.Background()

	if _, err := g.AuthorizeAndScope(ctx, ident,
		RequireAll("gis.matrung.view", "gis.verification.verify")); err != nil {
		t.Errorf("Expected all-mode to pass: %v", err)
	}
	if _, err := g.AuthorizeAndScope(ctx, ident,
		RequireAll("gis.matrung.view", "user.role.manage")); err == nil {
		t.Error("Expected all-mode to fail on missing code")
	}
	if _, err := g.AuthorizeAndScope(ctx, ident,
		Requirement{Codes: []string{"gis.verification.*"}, Mode: rbac.ModePattern}); err != nil {
		t.Errorf("Expected pattern-mode to pass: %v", err)
	}
}

func TestAuthorizeRecordReChecks(t *testing.T) {
	scopes := &fakeScopes{
		sets:    map[int64]scope.ScopeSet{1: {Attributes: &scope.AttributeScope{Xa: strp("04975")}}},
		visible: false,
	}
	g := New(&fakePermissions{sets: map[int64][]string{1: {"gis.verification.verify"}}}, scopes, nil, nil)
	ident := &identity.Identity{UserID: 1}
	ctx := context.Background()

	_, err := g.AuthorizeRecord(ctx, ident, Require("gis.verification.verify"), orb.Point{103.9, 21.1})
	var fe *rbac.ForbiddenError
	if !errors.As(err, &fe) {
		t.Errorf("Expected out-of-scope record to be forbidden, got %v", err)
	}

	scopes.visible = true
	if _, err := g.AuthorizeRecord(ctx, ident, Require("gis.verification.verify"), orb.Point{103.9, 21.1}); err != nil {
		t.Errorf("Expected in-scope record to pass: %v", err)
	}
}

func TestAuthorizeRecordVisibilityErrorDenies(t *testing.T) {
	scopes := &fakeScopes{
		sets:       map[int64]scope.ScopeSet{1: {Attributes: &scope.AttributeScope{Xa: strp("04975")}}},
		visibleErr: errors.New("boundary db down"),
	}
	g := New(&fakePermissions{sets: map[int64][]string{1: {"gis.verification.verify"}}}, scopes, nil, nil)

	if _, err := g.AuthorizeRecord(context.Background(),
		&identity.Identity{UserID: 1}, Require("gis.verification.verify"), orb.Point{1, 1}); err == nil {
		t.Error("Expected visibility failure to deny")
	}
}

type fakeScopeStore struct {
	scopes map[string]*rbac.DataScope
}

func (f *fakeScopeStore) GetDataScopeByCode(_ context.Context, code string) (*rbac.DataScope, error) {
	if ds, ok := f.scopes[code]; ok {
		return ds, nil
	}
	return nil, rbac.NewNotFoundError("data scope", code)
}

func TestRequireDataScopeMiddleware(t *testing.T) {
	store := &fakeScopeStore{scopes: map[string]*rbac.DataScope{
		"xa-04975": {ID: 3, Code: "xa-04975", Level: rbac.LevelXa, Path: "/1/2/3/"},
	}}
	granted := rbac.DataScope{ID: 2, Code: "huyen-133", Level: rbac.LevelHuyen, Path: "/1/2/"}
	scopes := &fakeScopes{sets: map[int64]scope.ScopeSet{
		1: {Paths: []rbac.DataScope{granted}},
		2: {Attributes: &scope.AttributeScope{Xa: strp("04975")}},
		3: {Bypass: true},
	}}
	g := New(&fakePermissions{}, scopes, nil, nil)

	handler := g.RequireDataScope(store, "xa-04975")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(userID int64) int {
		req := httptest.NewRequest("GET", "/scoped", nil)
		if userID != 0 {
			req = req.WithContext(identity.WithIdentity(req.Context(), &identity.Identity{UserID: userID}))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := serve(0); code != http.StatusUnauthorized {
		t.Errorf("Expected 401 unauthenticated, got %d", code)
	}
	// Ancestor grant covers the descendant node.
	if code := serve(1); code != http.StatusOK {
		t.Errorf("Expected 200 for ancestor grant, got %d", code)
	}
	// Attribute-only users do not satisfy hierarchy-gated routes.
	if code := serve(2); code != http.StatusForbidden {
		t.Errorf("Expected 403 for attribute-only user, got %d", code)
	}
	if code := serve(3); code != http.StatusOK {
		t.Errorf("Expected 200 for bypass user, got %d", code)
	}
}

func TestRequireDataScopeUnknownCodeDenies(t *testing.T) {
	scopes := &fakeScopes{sets: map[int64]scope.ScopeSet{
		1: {Paths: []rbac.DataScope{{ID: 2, Path: "/1/2/"}}},
	}}
	g := New(&fakePermissions{}, scopes, nil, nil)

	handler := g.RequireDataScope(&fakeScopeStore{}, "xa-00000")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("GET", "/scoped", nil)
	req = req.WithContext(identity.WithIdentity(req.Context(), &identity.Identity{UserID: 1}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected unknown scope code to deny with 403, got %d", rec.Code)
	}
}
