package scope

import (
	"github.com/paulmach/orb"

	"github.com/forestwatch-vn/forestwatch/pkg/identity"
	"github.com/forestwatch-vn/forestwatch/pkg/rbac"
)

// DefaultBypassRoles are role names whose holders see province-wide data
// with no scope predicate at all. Deployments can override the list in
// configuration; names follow the provincial staffing structure.
var DefaultBypassRoles = []string{"superadmin", "admin", "lanhdao", "congty"}

// AttributeScope is the legacy per-user scope: any subset of commune,
// sub-compartment and compartment codes. Nil fields are unconstrained.
type AttributeScope struct {
	Xa      *string `json:"xa,omitempty"`
	TieuKhu *string `json:"tieukhu,omitempty"`
	Khoanh  *string `json:"khoanh,omitempty"`
}

// IsZero reports whether no attribute is set.
func (a AttributeScope) IsZero() bool {
	return a.Xa == nil && a.TieuKhu == nil && a.Khoanh == nil
}

// FromIdentity extracts the attribute scope carried on the gateway
// identity, or nil when the identity carries none.
func FromIdentity(ident *identity.Identity) *AttributeScope {
	if ident == nil || !ident.HasAttributeScope() {
		return nil
	}
	return &AttributeScope{Xa: ident.Xa, TieuKhu: ident.TieuKhu, Khoanh: ident.Khoanh}
}

// Matches reports whether a feature attribution satisfies every set
// attribute. An attribute set only at a narrower level than the
// attribution provides is treated as unmatched, keeping the check
// fail-closed.
func (a AttributeScope) Matches(attr Attribution) bool {
	if a.Xa != nil && attr.Xa != *a.Xa {
		return false
	}
	if a.TieuKhu != nil && attr.TieuKhu != *a.TieuKhu {
		return false
	}
	if a.Khoanh != nil && attr.Khoanh != *a.Khoanh {
		return false
	}
	return true
}

// ScopeSet is the reconciled scope for one user. Exactly one of three
// states holds: bypass (no filtering), empty (no visible data), or a
// combination of attribute and path constraints that must all hold.
type ScopeSet struct {
	Bypass     bool             `json:"bypass"`
	Attributes *AttributeScope  `json:"attributes,omitempty"`
	Paths      []rbac.DataScope `json:"paths,omitempty"`
}

// IsEmpty reports whether the user has no scope at all. Empty scope means
// an empty result set.
func (s ScopeSet) IsEmpty() bool {
	return !s.Bypass && s.Attributes == nil && len(s.Paths) == 0
}

// Attribution is the administrative placement of one feature, resolved
// from its centroid. Resolved is false when the centroid fell outside
// every boundary polygon; unresolved features are excluded from scoped
// results.
type Attribution struct {
	Huyen    string `json:"huyen"`
	Xa       string `json:"xa"`
	TieuKhu  string `json:"tieukhu"`
	Khoanh   string `json:"khoanh"`
	Resolved bool   `json:"resolved"`
}

// Predicate is the query-ready form of a ScopeSet, produced once per
// request and applied by the feature stores.
type Predicate struct {
	// Empty short-circuits the query to zero rows.
	Empty bool
	// Geometry, when non-nil, restricts results to features intersecting
	// the union of the granted boundary geometries.
	Geometry orb.MultiPolygon
	// Attributes, when non-nil, restricts results by attribution equality.
	Attributes *AttributeScope
}

// Unrestricted reports whether the predicate applies no filtering.
func (p Predicate) Unrestricted() bool {
	return !p.Empty && p.Geometry == nil && p.Attributes == nil
}
