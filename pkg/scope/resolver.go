package scope

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/paulmach/orb"

	"github.com/forestwatch-vn/forestwatch/pkg/identity"
	"github.com/forestwatch-vn/forestwatch/pkg/observability"
	"github.com/forestwatch-vn/forestwatch/pkg/rbac"
)

// geometryCacheSize caps the number of cached union geometries. Distinct
// grant combinations are few (one per role shape), so a small cache holds
// the working set.
const geometryCacheSize = 256

// UserResolver supplies effective role resolutions. Satisfied by
// *rbac.Resolver.
type UserResolver interface {
	Resolve(ctx context.Context, userID int64) (*rbac.ResolvedUser, error)
}

// Resolver reconciles a caller's scopes and builds query predicates.
type Resolver struct {
	rbacResolver UserResolver
	boundary     BoundaryLookup
	bypassRoles  map[string]struct{}
	geomCache    *expirable.LRU[string, orb.MultiPolygon]
	logger       *observability.Logger
	metrics      *observability.Metrics
}

// NewResolver creates a scope resolver. bypassRoles may be nil to use
// DefaultBypassRoles; geometryTTL bounds how long union geometries are
// reused before re-reading the boundary layers.
func NewResolver(rbacResolver UserResolver, boundary BoundaryLookup, bypassRoles []string, geometryTTL time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	if bypassRoles == nil {
		bypassRoles = DefaultBypassRoles
	}
	byName := make(map[string]struct{}, len(bypassRoles))
	for _, name := range bypassRoles {
		byName[name] = struct{}{}
	}
	return &Resolver{
		rbacResolver: rbacResolver,
		boundary:     boundary,
		bypassRoles:  byName,
		geomCache:    expirable.NewLRU[string, orb.MultiPolygon](geometryCacheSize, nil, geometryTTL),
		logger:       logger,
		metrics:      metrics,
	}
}

// Reconcile combines the identity's attribute scope with the role-granted
// data scopes. When both mechanisms are present the result carries both,
// and they apply conjunctively: each can only narrow the other.
func (r *Resolver) Reconcile(ctx context.Context, ident *identity.Identity) (ScopeSet, error) {
	if ident == nil {
		return ScopeSet{}, rbac.NewUnauthorizedError("authentication required")
	}

	resolved, err := r.rbacResolver.Resolve(ctx, ident.UserID)
	if err != nil {
		return ScopeSet{}, err
	}

	if r.isBypass(ident, resolved) {
		return ScopeSet{Bypass: true}, nil
	}

	set := ScopeSet{
		Attributes: FromIdentity(ident),
		Paths:      resolved.DataScopes,
	}
	if r.logger != nil && set.IsEmpty() {
		r.logger.WithFields(map[string]interface{}{
			"user_id":  ident.UserID,
			"username": ident.Username,
		}).Warn("user has no data scope, result set will be empty")
	}
	return set, nil
}

func (r *Resolver) isBypass(ident *identity.Identity, resolved *rbac.ResolvedUser) bool {
	for _, name := range ident.Roles {
		if _, ok := r.bypassRoles[name]; ok {
			return true
		}
	}
	for _, role := range resolved.Roles {
		if _, ok := r.bypassRoles[role.Name]; ok {
			return true
		}
	}
	// The wildcard grant implies province-wide visibility too.
	return resolved.HasWildcard()
}

// BuildPredicate turns a reconciled scope into a query predicate. Failure
// anywhere returns an error and the caller must not run the query.
func (r *Resolver) BuildPredicate(ctx context.Context, set ScopeSet) (Predicate, error) {
	if set.Bypass {
		r.observeDecision("bypass")
		return Predicate{}, nil
	}
	if set.IsEmpty() {
		r.observeDecision("empty")
		return Predicate{Empty: true}, nil
	}

	pred := Predicate{Attributes: set.Attributes}
	if set.Attributes != nil {
		r.observeDecision("attribute")
	}

	if len(set.Paths) > 0 {
		// A province-level grant covers everything, so the spatial
		// constraint disappears while any attribute constraint remains.
		if hasProvinceGrant(set.Paths) {
			r.observeDecision("path")
			return pred, nil
		}
		geom, err := r.unionForPaths(ctx, set.Paths)
		if err != nil {
			return Predicate{}, err
		}
		if geom == nil {
			// Grants that match no boundary geometry grant nothing.
			r.observeDecision("empty")
			return Predicate{Empty: true}, nil
		}
		pred.Geometry = geom
		r.observeDecision("path")
	}
	return pred, nil
}

// Resolve is the request-path helper: reconcile then build the predicate.
func (r *Resolver) Resolve(ctx context.Context, ident *identity.Identity) (Predicate, error) {
	set, err := r.Reconcile(ctx, ident)
	if err != nil {
		return Predicate{}, err
	}
	return r.BuildPredicate(ctx, set)
}

// FeatureVisible re-checks one feature against a reconciled scope, used on
// write paths so a record-level mutation cannot slip outside the caller's
// scope. Unresolvable attribution denies.
func (r *Resolver) FeatureVisible(ctx context.Context, set ScopeSet, centroid orb.Point) (bool, error) {
	if set.Bypass {
		return true, nil
	}
	if set.IsEmpty() {
		return false, nil
	}

	attrs, err := r.boundary.ResolveAttribution(ctx, []orb.Point{centroid})
	if err != nil {
		return false, err
	}
	attr := attrs[0]
	if !attr.Resolved {
		return false, nil
	}

	if set.Attributes != nil && !set.Attributes.Matches(attr) {
		return false, nil
	}
	if len(set.Paths) > 0 && !matchesAnyPath(attr, set.Paths) {
		return false, nil
	}
	return true, nil
}

func (r *Resolver) unionForPaths(ctx context.Context, paths []rbac.DataScope) (orb.MultiPolygon, error) {
	byLevel := make(map[rbac.ScopeLevel][]string)
	for _, ds := range paths {
		byLevel[ds.Level] = append(byLevel[ds.Level], codeValue(ds))
	}

	key := cacheKey(byLevel)
	if geom, ok := r.geomCache.Get(key); ok {
		if r.metrics != nil {
			r.metrics.CacheHitsTotal.WithLabelValues("geometry").Inc()
		}
		return geom, nil
	}
	if r.metrics != nil {
		r.metrics.CacheMissesTotal.WithLabelValues("geometry").Inc()
	}

	var parts []orb.MultiPolygon
	for level, codes := range byLevel {
		geom, err := r.boundary.UnionGeometry(ctx, level, codes)
		if err != nil {
			return nil, err
		}
		if geom != nil {
			parts = append(parts, geom)
		}
	}
	merged := MergeMultiPolygons(parts...)
	if merged == nil {
		return nil, nil
	}
	r.geomCache.Add(key, merged)
	return merged, nil
}

func (r *Resolver) observeDecision(decision string) {
	if r.metrics != nil {
		r.metrics.ScopeDecisionsTotal.WithLabelValues(decision).Inc()
	}
}

func hasProvinceGrant(paths []rbac.DataScope) bool {
	for _, ds := range paths {
		if ds.Level == rbac.LevelTinh {
			return true
		}
	}
	return false
}

func matchesAnyPath(attr Attribution, paths []rbac.DataScope) bool {
	for _, ds := range paths {
		value := codeValue(ds)
		switch ds.Level {
		case rbac.LevelTinh:
			return true
		case rbac.LevelHuyen:
			if attr.Huyen == value {
				return true
			}
		case rbac.LevelXa:
			if attr.Xa == value {
				return true
			}
		case rbac.LevelTieuKhu:
			if attr.TieuKhu == value {
				return true
			}
		case rbac.LevelKhoanh:
			if attr.Khoanh == value {
				return true
			}
		}
	}
	return false
}

// codeValue strips the level prefix from a data-scope code ("xa-04975"
// yields "04975"), tolerating codes stored without a prefix.
func codeValue(ds rbac.DataScope) string {
	prefix := string(ds.Level) + "-"
	return strings.TrimPrefix(ds.Code, prefix)
}

func cacheKey(byLevel map[rbac.ScopeLevel][]string) string {
	var parts []string
	for level, codes := range byLevel {
		sorted := append([]string(nil), codes...)
		sort.Strings(sorted)
		parts = append(parts, string(level)+":"+strings.Join(sorted, ","))
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}
