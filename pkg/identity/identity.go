// Package identity models the caller identity forwarded by the API gateway.
//
// The gateway terminates authentication and forwards the resolved identity as
// request headers. This service trusts those headers only when the request
// also carries the shared internal API key; the gateway-to-service hop is a
// trust boundary, not a courtesy.
package identity

import (
	"context"

	"github.com/forestwatch-vn/forestwatch/pkg/contextkeys"
)

// Identity is the resolved caller identity for one request.
//
// Scope attributes are pointers: absence of a header means "not set", which
// is different from an empty string. A user with no scope attributes and no
// data-scope assignments must see an empty result set, never everything.
type Identity struct {
	UserID   int64    `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`

	// Permissions optionally precomputed by the gateway. Advisory only;
	// authorization decisions always re-resolve from the auth database.
	Permissions []string `json:"permissions,omitempty"`

	// Legacy attribute scope: commune, sub-compartment, compartment.
	Xa      *string `json:"xa,omitempty"`
	TieuKhu *string `json:"tieukhu,omitempty"`
	Khoanh  *string `json:"khoanh,omitempty"`
}

// HasRole reports whether the identity carries the named role.
func (id *Identity) HasRole(name string) bool {
	for _, r := range id.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// HasAttributeScope reports whether any legacy scope attribute is set.
func (id *Identity) HasAttributeScope() bool {
	return id.Xa != nil || id.TieuKhu != nil || id.Khoanh != nil
}

// WithIdentity stores the identity in the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextkeys.IdentityKey, id)
}

// FromContext retrieves the identity from the context, or nil when the
// request is unauthenticated.
func FromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(contextkeys.IdentityKey).(*Identity); ok {
		return id
	}
	return nil
}
