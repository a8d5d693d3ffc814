// ABOUTME: Caller identity carried through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating tenant and user via context

package auth

import (
	"context"
)

// Identity is the tenant/user pair that owns every record the gateway keeps.
type Identity struct {
	TenantID string
	UserID   string
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with id attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from ctx. ok is false when none was attached.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// MustFromContext retrieves the Identity from ctx, panicking if not present.
// Handlers behind Middleware can rely on it.
func MustFromContext(ctx context.Context) Identity {
	id, ok := FromContext(ctx)
	if !ok {
		panic("auth: identity not found in context")
	}
	return id
}
