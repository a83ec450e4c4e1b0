// Package ctxutil provides shared context key accessors for request-scoped
// auth state, kept separate from server so other packages (e.g. background
// maintenance jobs that synthesize a service principal) can read/write the
// same context values without importing the HTTP layer.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/turing-orchestrate/internal/auth"
)

type contextKey string

const (
	keyClaims   contextKey = "claims"
	keyTenantID contextKey = "tenant_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	ctx = context.WithValue(ctx, keyTenantID, claims.TenantID)
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// TenantIDFromContext extracts the tenant_id from the context. Returns ""
// if no claims were set.
func TenantIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyTenantID).(string); ok {
		return v
	}
	return ""
}
