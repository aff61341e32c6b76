package token

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// ClaimsContextKey is the key used to store validated bearer-token claims
// in the request context.
type ClaimsContextKey struct{}

// GetClaimsFromContext retrieves the claims stored by
// middleware.RequireBearerToken, if any.
func GetClaimsFromContext(ctx context.Context) (jwt.MapClaims, bool) {
	if ctx == nil {
		return nil, false
	}
	claims, ok := ctx.Value(ClaimsContextKey{}).(jwt.MapClaims)
	return claims, ok
}
