package middleware

import (
	"context"

	"github.com/upb/authgate/token"
)

// Context key type to avoid collisions
type contextKey string

// PrincipalKey is the context key for the authenticated principal
const PrincipalKey contextKey = "principal"

// PrincipalFromContext retrieves the authenticated principal from context
func PrincipalFromContext(ctx context.Context) *token.Principal {
	if val := ctx.Value(PrincipalKey); val != nil {
		if principal, ok := val.(*token.Principal); ok {
			return principal
		}
	}
	return nil
}

// WithPrincipal adds the authenticated principal to the context
func WithPrincipal(ctx context.Context, principal *token.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}
