package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/forestwatch-vn/forestwatch/pkg/httputil"
	"github.com/forestwatch-vn/forestwatch/pkg/observability"
)

// HeaderAPIKey carries the shared key on service-to-service calls.
const HeaderAPIKey = "X-Api-Key"

// InternalAPIKey guards the /internal surface with the shared key. An
// empty configured key disables the surface entirely rather than leaving
// it open.
func InternalAPIKey(key string, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				logger.Warn("internal API key not configured, refusing internal request")
				httputil.WriteUnauthorized(w, "internal API disabled")
				return
			}
			provided := r.Header.Get(HeaderAPIKey)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				logger.WithField("path", r.URL.Path).Warn("internal API key mismatch")
				httputil.WriteUnauthorized(w, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
