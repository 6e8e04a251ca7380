// Package gate composes the permission check and the data-scope predicate
// into one decision per query. Every scoped read and write in the service
// goes through here; the decision order is fixed: permission first, then
// bypass, then the empty-scope short circuit, then the predicate.
package gate

import (
	"context"
	"time"

	"github.com/paulmach/orb"

	"github.com/forestwatch-vn/forestwatch/pkg/identity"
	"github.com/forestwatch-vn/forestwatch/pkg/observability"
	"github.com/forestwatch-vn/forestwatch/pkg/rbac"
	"github.com/forestwatch-vn/forestwatch/pkg/scope"
)

// Requirement names the permission codes a query needs and how they
// combine.
type Requirement struct {
	Codes []string
	Mode  rbac.CheckMode
}

// Require is shorthand for an any-mode requirement.
func Require(codes ...string) Requirement {
	return Requirement{Codes: codes, Mode: rbac.ModeAny}
}

// RequireAll is shorthand for an all-mode requirement.
func RequireAll(codes ...string) Requirement {
	return Requirement{Codes: codes, Mode: rbac.ModeAll}
}

// Decision is the gate's output for one request.
type Decision struct {
	// Scope is the reconciled scope, kept for per-record re-checks on
	// write paths.
	Scope scope.ScopeSet
	// Predicate is what the store applies to the query.
	Predicate scope.Predicate
}

// PermissionSource supplies effective permission sets. Satisfied by
// *rbac.Resolver.
type PermissionSource interface {
	Permissions(ctx context.Context, userID int64) (*rbac.PermissionSet, error)
}

// ScopeSource reconciles scopes and builds predicates. Satisfied by
// *scope.Resolver.
type ScopeSource interface {
	Reconcile(ctx context.Context, ident *identity.Identity) (scope.ScopeSet, error)
	BuildPredicate(ctx context.Context, set scope.ScopeSet) (scope.Predicate, error)
	FeatureVisible(ctx context.Context, set scope.ScopeSet, centroid orb.Point) (bool, error)
}

// Gate authorizes and scopes queries.
type Gate struct {
	permissions PermissionSource
	scopes      ScopeSource
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// New creates a gate.
func New(permissions PermissionSource, scopes ScopeSource, logger *observability.Logger, metrics *observability.Metrics) *Gate {
	return &Gate{permissions: permissions, scopes: scopes, logger: logger, metrics: metrics}
}

// AuthorizeAndScope checks the permission requirement and produces the
// scope decision for a query. Errors and denials are indistinguishable to
// the data layer: no decision, no query.
func (g *Gate) AuthorizeAndScope(ctx context.Context, ident *identity.Identity, req Requirement) (Decision, error) {
	if ident == nil {
		return Decision{}, rbac.NewUnauthorizedError("authentication required")
	}

	start := time.Now()
	set, err := g.permissions.Permissions(ctx, ident.UserID)
	if err != nil {
		g.observe(req.Mode, "error", start)
		return Decision{}, err
	}
	allowed, err := set.Check(req.Mode, req.Codes)
	if err != nil {
		g.observe(req.Mode, "error", start)
		return Decision{}, err
	}
	if !allowed {
		g.observe(req.Mode, "denied", start)
		if g.logger != nil {
			g.logger.WithFields(map[string]interface{}{
				"user_id":  ident.UserID,
				"required": req.Codes,
				"mode":     string(req.Mode),
			}).Warn("query permission denied")
		}
		return Decision{}, rbac.NewForbiddenError("insufficient permissions")
	}
	g.observe(req.Mode, "allowed", start)

	scopeSet, err := g.scopes.Reconcile(ctx, ident)
	if err != nil {
		return Decision{}, err
	}
	pred, err := g.scopes.BuildPredicate(ctx, scopeSet)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Scope: scopeSet, Predicate: pred}, nil
}

// AuthorizeRecord gates a single-record mutation: the standard decision
// plus a re-check that the specific record's centroid falls inside the
// caller's scope. The list predicate alone is not enough on writes since
// record IDs arrive from the client.
func (g *Gate) AuthorizeRecord(ctx context.Context, ident *identity.Identity, req Requirement, centroid orb.Point) (Decision, error) {
	decision, err := g.AuthorizeAndScope(ctx, ident, req)
	if err != nil {
		return Decision{}, err
	}
	visible, err := g.scopes.FeatureVisible(ctx, decision.Scope, centroid)
	if err != nil {
		return Decision{}, err
	}
	if !visible {
		return Decision{}, rbac.NewForbiddenError("record is outside your data scope")
	}
	return decision, nil
}

func (g *Gate) observe(mode rbac.CheckMode, result string, start time.Time) {
	if g.metrics == nil {
		return
	}
	g.metrics.PermissionChecksTotal.WithLabelValues(string(mode), result).Inc()
	g.metrics.PermissionCheckLatency.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
}
