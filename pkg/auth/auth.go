// Package auth validates bearer tokens on the SSE transport.
//
// Tokens are JWTs verified against a JWKS endpoint; the key set is cached
// and refreshed in the background so provider key rotation needs no restart.
// Stdio deployments never load this package: the local peer already owns
// the process.
package auth

import "context"

// Claims are the validated token claims a request carries. Only the
// subject participates in invocation records; everything else stays in
// Custom for handlers that want it.
type Claims struct {
	Subject string         `json:"sub"`
	Email   string         `json:"email,omitempty"`
	Custom  map[string]any `json:"-"`
}

// GetClaim retrieves a custom claim by key.
func (c *Claims) GetClaim(key string) (any, bool) {
	if c.Custom == nil {
		return nil, false
	}
	val, ok := c.Custom[key]
	return val, ok
}

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const claimsContextKey contextKey = "mcp_auth_claims"

// ClaimsFromContext extracts claims from a context. Returns nil if the
// request was not authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}

// ContextWithClaims returns a new context carrying the given claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
