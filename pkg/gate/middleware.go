package gate

import (
	"context"
	"net/http"
	"strings"

	"github.com/forestwatch-vn/forestwatch/pkg/httputil"
	"github.com/forestwatch-vn/forestwatch/pkg/identity"
	"github.com/forestwatch-vn/forestwatch/pkg/rbac"
	"github.com/forestwatch-vn/forestwatch/pkg/scope"
)

// ScopeStore looks up boundary nodes by code. Satisfied by *rbac.Store.
type ScopeStore interface {
	GetDataScopeByCode(ctx context.Context, code string) (*rbac.DataScope, error)
}

// RequireDataScope gates a handler on coverage of one named boundary
// node: the caller passes when a bypass role applies or when any granted
// scope is the node itself or an ancestor of it on the materialized path.
// Attribute-only users do not pass; routes gated this way are about the
// hierarchy, not the legacy attributes.
func (g *Gate) RequireDataScope(store ScopeStore, scopeCode string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := identity.FromContext(r.Context())
			if ident == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			set, err := g.scopes.Reconcile(r.Context(), ident)
			if err != nil {
				httputil.WriteError(w, rbac.HTTPStatus(err), err)
				return
			}
			if set.Bypass {
				next.ServeHTTP(w, r)
				return
			}

			target, err := store.GetDataScopeByCode(r.Context(), scopeCode)
			if err != nil {
				// An unknown scope code denies; a missing node must not
				// open the route.
				httputil.WriteForbidden(w, "data scope not available")
				return
			}
			if !coversPath(set, target.Path) {
				httputil.WriteForbidden(w, "outside your data scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func coversPath(set scope.ScopeSet, targetPath string) bool {
	for _, granted := range set.Paths {
		if granted.Path != "" && strings.HasPrefix(targetPath, granted.Path) {
			return true
		}
	}
	return false
}
