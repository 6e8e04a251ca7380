package rbac

import (
	"fmt"
	"regexp"
	"strings"
)

// CheckMode selects how a set of required permission codes is combined.
type CheckMode string

const (
	// ModeAny passes when the user holds at least one required code.
	ModeAny CheckMode = "any"
	// ModeAll passes only when the user holds every required code.
	ModeAll CheckMode = "all"
	// ModePattern treats each required code as a wildcard pattern and
	// passes when any held permission matches any pattern.
	ModePattern CheckMode = "pattern"
)

// ParseCheckMode validates a mode string, defaulting empty to ModeAny.
func ParseCheckMode(s string) (CheckMode, error) {
	switch CheckMode(strings.ToLower(s)) {
	case "", ModeAny:
		return ModeAny, nil
	case ModeAll:
		return ModeAll, nil
	case ModePattern:
		return ModePattern, nil
	default:
		return "", NewValidationError("mode", fmt.Sprintf("unknown check mode %q", s))
	}
}

// PermissionSet is a resolved permission collection with O(1) membership.
type PermissionSet struct {
	codes    map[string]struct{}
	wildcard bool
}

// NewPermissionSet builds a set from resolved permission codes. Codes are
// normalized so legacy colon-delimited grants still match dotted checks.
func NewPermissionSet(codes []string) *PermissionSet {
	set := &PermissionSet{codes: make(map[string]struct{}, len(codes))}
	for _, c := range codes {
		c = NormalizeCode(c)
		if c == WildcardAll {
			set.wildcard = true
		}
		set.codes[c] = struct{}{}
	}
	return set
}

// IsWildcard reports whether the set carries the super-admin wildcard.
func (s *PermissionSet) IsWildcard() bool { return s.wildcard }

// Len returns the number of distinct codes.
func (s *PermissionSet) Len() int { return len(s.codes) }

// Codes returns the codes in the set, unordered.
func (s *PermissionSet) Codes() []string {
	out := make([]string, 0, len(s.codes))
	for c := range s.codes {
		out = append(out, c)
	}
	return out
}

// Has reports whether the set grants the exact code.
func (s *PermissionSet) Has(code string) bool {
	if s.wildcard {
		return true
	}
	_, ok := s.codes[NormalizeCode(code)]
	return ok
}

// HasAny reports whether the set grants at least one of the codes. An
// empty requirement list never passes.
func (s *PermissionSet) HasAny(codes ...string) bool {
	if len(codes) == 0 {
		return false
	}
	for _, c := range codes {
		if s.Has(c) {
			return true
		}
	}
	return false
}

// HasAll reports whether the set grants every code. An empty requirement
// list never passes.
func (s *PermissionSet) HasAll(codes ...string) bool {
	if len(codes) == 0 {
		return false
	}
	for _, c := range codes {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// MatchesPattern reports whether any held permission matches the wildcard
// pattern. A '*' in the pattern matches any run of characters including
// dots; all other characters match literally. Malformed patterns deny and
// return the error.
func (s *PermissionSet) MatchesPattern(pattern string) (bool, error) {
	if s.wildcard {
		return true, nil
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return false, err
	}
	for c := range s.codes {
		if re.MatchString(c) {
			return true, nil
		}
	}
	return false, nil
}

// MatchesAnyPattern reports whether any held permission matches any of the
// patterns.
func (s *PermissionSet) MatchesAnyPattern(patterns ...string) (bool, error) {
	if len(patterns) == 0 {
		return false, nil
	}
	for _, p := range patterns {
		ok, err := s.MatchesPattern(p)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Check evaluates the required codes under the given mode.
func (s *PermissionSet) Check(mode CheckMode, codes []string) (bool, error) {
	switch mode {
	case ModeAny:
		return s.HasAny(codes...), nil
	case ModeAll:
		return s.HasAll(codes...), nil
	case ModePattern:
		return s.MatchesAnyPattern(codes...)
	default:
		return false, NewValidationError("mode", fmt.Sprintf("unknown check mode %q", mode))
	}
}

// CompilePattern turns a wildcard permission pattern into an anchored
// regexp. Every literal character is escaped so codes containing regexp
// metacharacters cannot change the match semantics.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, NewValidationError("pattern", "permission pattern is empty")
	}
	var b strings.Builder
	b.WriteString("^")
	for _, part := range strings.Split(pattern, "*") {
		if part != "" {
			b.WriteString(regexp.QuoteMeta(part))
		}
		b.WriteString(".*")
	}
	expr := strings.TrimSuffix(b.String(), ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, NewValidationError("pattern", fmt.Sprintf("invalid permission pattern %q", pattern))
	}
	return re, nil
}
