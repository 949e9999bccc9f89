// ABOUTME: Request-context plumbing for resolved identities
// ABOUTME: WithIdentity/FromContext pair shared by HTTP middleware and transport

package auth

import "context"

type contextKey struct{}

// WithIdentity returns a context carrying the resolved identity
func WithIdentity(ctx context.Context, ident *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, ident)
}

// FromContext returns the resolved identity, or nil for unauthenticated requests
func FromContext(ctx context.Context) *Identity {
	ident, _ := ctx.Value(contextKey{}).(*Identity)
	return ident
}
