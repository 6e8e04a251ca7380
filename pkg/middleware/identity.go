// Package middleware carries the HTTP middleware chain: gateway identity
// extraction, internal API key verification, request IDs and access
// logging.
package middleware

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/forestwatch-vn/forestwatch/pkg/httputil"
	"github.com/forestwatch-vn/forestwatch/pkg/identity"
	"github.com/forestwatch-vn/forestwatch/pkg/observability"
)

// Gateway identity headers. The gateway authenticates the user and
// forwards the resolved identity; this service never sees credentials.
const (
	HeaderUserID       = "X-User-Id"
	HeaderUsername     = "X-Username"
	HeaderRoles        = "X-User-Roles"
	HeaderPermissions  = "X-User-Permissions"
	HeaderScopeXa      = "X-Scope-Xa"
	HeaderScopeTieuKhu = "X-Scope-Tieukhu"
	// HeaderScopeTK is the legacy alias some gateway versions still send.
	HeaderScopeTK     = "X-Scope-Tk"
	HeaderScopeKhoanh = "X-Scope-Khoanh"
)

// IdentityMiddleware parses the gateway identity headers into the request
// context. Requests without a user ID pass through unauthenticated; the
// permission gates downstream turn that into 401 where it matters.
func IdentityMiddleware(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident, err := ParseIdentity(r)
			if err != nil {
				logger.WithError(err).Warn("malformed identity headers")
				httputil.WriteUnauthorized(w, "malformed identity")
				return
			}
			if ident != nil {
				r = r.WithContext(identity.WithIdentity(r.Context(), ident))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseIdentity reads the gateway headers. Returns nil when no user ID is
// present. Username, role and scope values are URL-decoded since the
// gateway percent-encodes non-ASCII names.
func ParseIdentity(r *http.Request) (*identity.Identity, error) {
	rawID := r.Header.Get(HeaderUserID)
	if rawID == "" {
		return nil, nil
	}
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || userID <= 0 {
		return nil, &malformedHeaderError{header: HeaderUserID, value: rawID}
	}

	username, err := url.QueryUnescape(r.Header.Get(HeaderUsername))
	if err != nil {
		return nil, &malformedHeaderError{header: HeaderUsername}
	}

	roles, err := splitEncodedList(r.Header.Get(HeaderRoles))
	if err != nil {
		return nil, &malformedHeaderError{header: HeaderRoles}
	}
	permissions, err := splitEncodedList(r.Header.Get(HeaderPermissions))
	if err != nil {
		return nil, &malformedHeaderError{header: HeaderPermissions}
	}

	ident := &identity.Identity{
		UserID:      userID,
		Username:    username,
		Roles:       roles,
		Permissions: permissions,
	}
	if ident.Xa, err = headerPtr(r, HeaderScopeXa); err != nil {
		return nil, err
	}
	if ident.Khoanh, err = headerPtr(r, HeaderScopeKhoanh); err != nil {
		return nil, err
	}
	// Prefer the canonical header, fall back to the legacy alias.
	if ident.TieuKhu, err = headerPtr(r, HeaderScopeTieuKhu); err != nil {
		return nil, err
	}
	if ident.TieuKhu == nil {
		if ident.TieuKhu, err = headerPtr(r, HeaderScopeTK); err != nil {
			return nil, err
		}
	}
	return ident, nil
}

// headerPtr distinguishes an absent header from an empty one: absent maps
// to nil, present (even empty) to a pointer. An empty scope value
// constrains to nothing rather than everything. Scope values are
// URL-decoded like usernames; commune names such as "Chiềng Khoong" arrive
// percent-encoded from the gateway.
func headerPtr(r *http.Request, name string) (*string, error) {
	values, ok := r.Header[http.CanonicalHeaderKey(name)]
	if !ok || len(values) == 0 {
		return nil, nil
	}
	decoded, err := url.QueryUnescape(strings.TrimSpace(values[0]))
	if err != nil {
		return nil, &malformedHeaderError{header: name, value: values[0]}
	}
	return &decoded, nil
}

func splitEncodedList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		decoded, err := url.QueryUnescape(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if decoded != "" {
			out = append(out, decoded)
		}
	}
	return out, nil
}

type malformedHeaderError struct {
	header string
	value  string
}

func (e *malformedHeaderError) Error() string {
	if e.value != "" {
		return "malformed " + e.header + " header: " + e.value
	}
	return "malformed " + e.header + " header"
}
