package rbac

import (
	"net/http"
	"time"

	"github.com/forestwatch-vn/forestwatch/pkg/httputil"
	"github.com/forestwatch-vn/forestwatch/pkg/identity"
	"github.com/forestwatch-vn/forestwatch/pkg/observability"
)

// Middleware provides permission-gating HTTP middleware backed by the
// resolver.
type Middleware struct {
	resolver *Resolver
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewMiddleware creates the permission middleware.
func NewMiddleware(resolver *Resolver, logger *observability.Logger, metrics *observability.Metrics) *Middleware {
	return &Middleware{resolver: resolver, logger: logger, metrics: metrics}
}

// RequirePermission gates a handler on the given permission codes under
// the given mode. Missing identity is 401, insufficient permissions 403,
// and any resolution failure denies with 500.
func (m *Middleware) RequirePermission(mode CheckMode, codes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := identity.FromContext(r.Context())
			if ident == nil {
				m.observe(mode, "unauthenticated", 0)
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			start := time.Now()
			set, err := m.resolver.Permissions(r.Context(), ident.UserID)
			if err != nil {
				m.observe(mode, "error", time.Since(start))
				m.logger.WithError(err).WithField("user_id", ident.UserID).
					Error("permission resolution failed")
				httputil.WriteInternalError(w, err)
				return
			}

			allowed, err := set.Check(mode, codes)
			if err != nil {
				m.observe(mode, "error", time.Since(start))
				httputil.WriteValidationError(w, err.Error())
				return
			}
			if !allowed {
				m.observe(mode, "denied", time.Since(start))
				m.logger.WithFields(map[string]interface{}{
					"user_id":  ident.UserID,
					"required": codes,
					"mode":     string(mode),
				}).Warn("permission denied")
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			m.observe(mode, "allowed", time.Since(start))
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Middleware) observe(mode CheckMode, result string, d time.Duration) {
	if m.metrics == nil {
		return
	}
	m.metrics.PermissionChecksTotal.WithLabelValues(string(mode), result).Inc()
	if d > 0 {
		m.metrics.PermissionCheckLatency.WithLabelValues(string(mode)).Observe(d.Seconds())
	}
}
