package rbac

import "testing"

func TestPermissionSetHas(t *testing.T) {
	set := NewPermissionSet([]string{"gis.matrung.view", "gis.verification.verify"})

	if !set.Has("gis.matrung.view") {
		t.Error("Expected exact code to match")
	}
	if set.Has("gis.matrung.export") {
		t.Error("Expected missing code to not match")
	}
	if set.Has("gis.matrung") {
		t.Error("Expected partial code to not match")
	}
}

func TestPermissionSetNormalizesLegacyCodes(t *testing.T) {
	set := NewPermissionSet([]string{"gis:matrung:view"})

	if !set.Has("gis.matrung.view") {
		t.Error("Expected legacy colon-delimited grant to satisfy dotted check")
	}
	if !set.Has("gis:matrung:view") {
		t.Error("Expected legacy check form to be normalized too")
	}
}

func TestPermissionSetWildcard(t *testing.T) {
	set := NewPermissionSet([]string{"*"})

	if !set.IsWildcard() {
		t.Fatal("Expected wildcard set")
	}
	if !set.Has("anything.at.all") {
		t.Error("Expected wildcard to grant any exact code")
	}
	if !set.HasAll("gis.matrung.view", "user.role.manage") {
		t.Error("Expected wildcard to pass all-mode checks")
	}
	ok, err := set.MatchesPattern("report.*.export")
	if err != nil {
		t.Fatalf("MatchesPattern failed: %v", err)
	}
	if !ok {
		t.Error("Expected wildcard to pass pattern checks")
	}
}

func TestPermissionSetHasAny(t *testing.T) {
	set := NewPermissionSet([]string{"gis.matrung.view"})

	if !set.HasAny("user.role.manage", "gis.matrung.view") {
		t.Error("Expected any-mode to pass when one code is held")
	}
	if set.HasAny("user.role.manage", "user.role.view") {
		t.Error("Expected any-mode to fail when no code is held")
	}
	if set.HasAny() {
		t.Error("Expected empty requirement list to never pass")
	}
}

func TestPermissionSetHasAll(t *testing.T) {
	set := NewPermissionSet([]string{"gis.matrung.view", "gis.matrung.export"})

	if !set.HasAll("gis.matrung.view", "gis.matrung.export") {
		t.Error("Expected all-mode to pass when every code is held")
	}
	if set.HasAll("gis.matrung.view", "user.role.manage") {
		t.Error("Expected all-mode to fail when one code is missing")
	}
	if set.HasAll() {
		t.Error("Expected empty requirement list to never pass")
	}
}

func TestPermissionSetMatchesPattern(t *testing.T) {
	set := NewPermissionSet([]string{"report.matrung.export", "gis.verification.verify"})

	cases := []struct {
		pattern string
		want    bool
	}{
		{"report.*.export", true},
		{"report.*", true},
		{"*.verify", true},
		{"gis.*.view", false},
		{"report.matrung.export", true},
		{"user.*", false},
	}
	for _, tc := range cases {
		got, err := set.MatchesPattern(tc.pattern)
		if err != nil {
			t.Fatalf("MatchesPattern(%q) failed: %v", tc.pattern, err)
		}
		if got != tc.want {
			t.Errorf("MatchesPattern(%q) = %v, want %v", tc.pattern, got, tc.want)
		}
	}
}

func TestPatternEscapesMetacharacters(t *testing.T) {
	// A dot in the pattern must match a literal dot only, never act as a
	// regexp wildcard.
	set := NewPermissionSet([]string{"gisXmatrungXview"})

	ok, err := set.MatchesPattern("gis.matrung.view")
	if err != nil {
		t.Fatalf("MatchesPattern failed: %v", err)
	}
	if ok {
		t.Error("Expected literal dot to not match arbitrary characters")
	}
}

func TestPatternEmptyIsRejected(t *testing.T) {
	set := NewPermissionSet([]string{"gis.matrung.view"})

	if _, err := set.MatchesPattern("  "); err == nil {
		t.Error("Expected empty pattern to be rejected")
	}
	if _, err := CompilePattern(""); err == nil {
		t.Error("Expected CompilePattern to reject empty input")
	}
}

func TestCheckModes(t *testing.T) {
	set := NewPermissionSet([]string{"gis.matrung.view", "report.matrung.export"})

	if ok, _ := set.Check(ModeAny, []string{"gis.matrung.view"}); !ok {
		t.Error("Expected any-mode check to pass")
	}
	if ok, _ := set.Check(ModeAll, []string{"gis.matrung.view", "user.role.view"}); ok {
		t.Error("Expected all-mode check to fail")
	}
	if ok, _ := set.Check(ModePattern, []string{"report.*"}); !ok {
		t.Error("Expected pattern-mode check to pass")
	}
	if _, err := set.Check(CheckMode("bogus"), []string{"x"}); err == nil {
		t.Error("Expected unknown mode to error")
	}
}

func TestParseCheckMode(t *testing.T) {
	if mode, err := ParseCheckMode(""); err != nil || mode != ModeAny {
		t.Errorf("Expected empty mode to default to any, got %q err %v", mode, err)
	}
	if mode, err := ParseCheckMode("ALL"); err != nil || mode != ModeAll {
		t.Errorf("Expected case-insensitive parse, got %q err %v", mode, err)
	}
	if _, err := ParseCheckMode("sometimes"); err == nil {
		t.Error("Expected unknown mode to be rejected")
	}
}

func TestParseCode(t *testing.T) {
	module, resource, action, err := ParseCode("gis.matrung.view")
	if err != nil {
		t.Fatalf("ParseCode failed: %v", err)
	}
	if module != "gis" || resource != "matrung" || action != "view" {
		t.Errorf("Unexpected segments: %s %s %s", module, resource, action)
	}

	for _, bad := range []string{"gis.matrung", "a.b.c.d", "gis..view", ""} {
		if _, _, _, err := ParseCode(bad); err == nil {
			t.Errorf("Expected ParseCode(%q) to fail", bad)
		}
	}

	if _, _, _, err := ParseCode(WildcardAll); err != nil {
		t.Errorf("Expected wildcard code to be valid: %v", err)
	}
}

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"gis:matrung:view":  "gis.matrung.view",
		"gis/matrung/view":  "gis.matrung.view",
		"gis.matrung.view":  "gis.matrung.view",
		" gis.matrung.view": "gis.matrung.view",
		"not-a-code":        "not-a-code",
	}
	for in, want := range cases {
		if got := NormalizeCode(in); got != want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", in, got, want)
		}
	}
}
