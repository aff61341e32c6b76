// Package token validates bearer tokens presented to the resolver's own
// HTTP API. It is independent of pkg/oidcfed, which validates the JWS
// entity statements fetched *during* trust chain resolution; this package
// authenticates the caller making the /resolve request in the first place.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/trustresolve/pkg/auth/oidc"
	"github.com/stacklok/trustresolve/pkg/networking"
)

// Common errors
var (
	ErrNoToken                 = errors.New("no token provided")
	ErrInvalidToken            = errors.New("invalid token")
	ErrTokenExpired            = errors.New("token expired")
	ErrInvalidIssuer           = errors.New("invalid issuer")
	ErrInvalidAudience         = errors.New("invalid audience")
	ErrMissingIssuerAndJWKSURL = errors.New("either issuer or JWKS URL must be provided")
	ErrFailedToDiscoverOIDC    = errors.New("failed to discover OIDC configuration")
)

// Validator validates JWT bearer tokens against an issuer's published JWKS.
type Validator struct {
	issuer     string
	audience   string
	jwksURL    string
	jwksClient *jwk.Cache

	jwksRegistered      bool
	jwksRegistrationMu  sync.Mutex
	jwksRegistrationErr error
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// Issuer is the OIDC issuer URL used both for claim validation and,
	// when JWKSURL is empty, for discovering the JWKS endpoint.
	Issuer string

	// Audience is the expected aud claim. Empty disables the check.
	Audience string

	// JWKSURL is the JWKS endpoint. If empty it is discovered from Issuer.
	JWKSURL string

	// CACertPath is an additional CA bundle for the discovery/JWKS HTTP client.
	CACertPath string

	// AuthTokenFile carries a bearer token used to authenticate the
	// discovery/JWKS fetch itself (distinct from the token being validated).
	AuthTokenFile string

	// AllowPrivateIP allows the issuer/JWKS endpoints to resolve to
	// private or loopback addresses. Intended for local testing.
	AllowPrivateIP bool
}

// NewValidatorConfig builds a ValidatorConfig, returning nil if every field
// is left at its zero value (signalling "bearer auth disabled" to callers).
func NewValidatorConfig(issuer, audience, jwksURL string) *ValidatorConfig {
	if issuer == "" && audience == "" && jwksURL == "" {
		return nil
	}
	return &ValidatorConfig{Issuer: issuer, Audience: audience, JWKSURL: jwksURL}
}

// NewValidator builds a Validator, discovering the JWKS endpoint from the
// issuer's metadata document when config.JWKSURL is not set directly.
func NewValidator(ctx context.Context, config ValidatorConfig) (*Validator, error) {
	jwksURL := config.JWKSURL

	if jwksURL == "" && config.Issuer != "" {
		doc, err := oidc.DiscoverEndpointsWithOptions(
			ctx, config.Issuer, config.CACertPath, config.AuthTokenFile, config.AllowPrivateIP,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToDiscoverOIDC, err)
		}
		jwksURL = doc.JWKSURI
	}

	if jwksURL == "" {
		return nil, ErrMissingIssuerAndJWKSURL
	}

	httpClient, err := networking.NewHttpClientBuilder().
		WithCABundle(config.CACertPath).
		WithPrivateIPs(config.AllowPrivateIP).
		WithTokenFromFile(config.AuthTokenFile).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &Validator{
		issuer:     config.Issuer,
		audience:   config.Audience,
		jwksURL:    jwksURL,
		jwksClient: cache,
	}, nil
}

// ensureJWKSRegistered registers jwksURL with the refresh cache on first use.
func (v *Validator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := v.jwksClient.Register(registrationCtx, v.jwksURL)
	if err != nil {
		v.jwksRegistrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.jwksRegistrationErr = nil
	}

	v.jwksRegistered = true
	return v.jwksRegistrationErr
}

// getKeyFromJWKS resolves the RSA public key matching token's kid header.
func (v *Validator) getKeyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, fmt.Errorf("JWKS registration failed: %w", err)
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwksClient.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

// validateClaims checks issuer, audience and expiry on an already
// signature-verified token.
func (v *Validator) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		issuerClaim, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("failed to get issuer from claims: %w", err)
		}
		if strings.TrimSpace(issuerClaim) != strings.TrimSpace(v.issuer) {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	expirationTime, err := claims.GetExpirationTime()
	if err != nil || expirationTime == nil || expirationTime.Before(time.Now()) {
		return ErrTokenExpired
	}

	return nil
}

// ValidateToken verifies tokenString's signature against the issuer's JWKS
// and checks its issuer, audience and expiry claims.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.getKeyFromJWKS(ctx, token)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("failed to get claims from token")
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	return claims, nil
}

// JWKSURL returns the JWKS URL used by the validator.
func (v *Validator) JWKSURL() string {
	return v.jwksURL
}
