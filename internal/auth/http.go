// ABOUTME: HTTP middleware that resolves connection identity before event handling
// ABOUTME: Reads bearer tokens from the Authorization header or a token query param

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// extractToken pulls a bearer token from the request. Browser websocket
// clients cannot set headers, so a "token" query parameter is also accepted.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Middleware resolves the request's identity and stores it in the context.
// A missing or unresolvable token leaves the request unauthenticated rather
// than rejecting it; identity-gated behavior downstream is simply skipped.
func Middleware(resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" || resolver == nil {
				next.ServeHTTP(w, r)
				return
			}

			ident, err := resolver.Resolve(token)
			if err != nil {
				logger.Debug("token resolution failed, continuing unauthenticated", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), ident)))
		})
	}
}
