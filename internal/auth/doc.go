// Package auth resolves who is calling the gateway.
//
// Every request names its owner with the x-tenant-id and x-user-id headers.
// Records created by a caller are visible only to the same tenant and user.
//
// When auth.jwt_secret is configured the headers must be backed by an HS256
// bearer token whose "tenant" and "sub" claims match them:
//
//	v, err := NewJWTVerifier(secret)
//	token, err := v.Generate(Identity{TenantID: "t1", UserID: "u1"}, time.Hour)
//
// Handlers read the caller with FromContext or MustFromContext.
package auth
