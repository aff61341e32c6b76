// Package middleware provides HTTP authentication middleware for the
// resolver's own API, guarding it separately from the trust validation
// pkg/oidcfed performs against federation entities.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/trustresolve/pkg/auth/token"
)

// RequireBearerToken validates the Authorization header against validator
// and stores the resulting claims in the request context. A nil validator
// means bearer auth is disabled; the middleware then passes every request
// through unchanged.
func RequireBearerToken(validator *token.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if validator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(validator, false, ""))
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(validator, false, ""))
				http.Error(w, "invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := validator.ValidateToken(r.Context(), tokenString)
			if err != nil {
				w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(validator, true, err.Error()))
				http.Error(w, fmt.Sprintf("invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), token.ClaimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// buildWWWAuthenticate builds an RFC 6750 WWW-Authenticate header value.
func buildWWWAuthenticate(validator *token.Validator, includeError bool, errDescription string) string {
	parts := []string{fmt.Sprintf(`realm=%q`, validator.JWKSURL())}
	if includeError {
		parts = append(parts, `error="invalid_token"`)
		if errDescription != "" {
			parts = append(parts, fmt.Sprintf(`error_description=%q`, errDescription))
		}
	}
	return "Bearer " + strings.Join(parts, ", ")
}
