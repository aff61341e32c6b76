package oidcfed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"

	resolvererrors "github.com/stacklok/trustresolve/pkg/errors"
	"github.com/stacklok/trustresolve/pkg/logger"
)

// ClockSkew is the tolerance applied to the iat check. The exp check
// applies no tolerance.
const ClockSkew = 120 * time.Second

var errMissingJWKS = errors.New("jwks claim is missing")

// requiredClaims lists the claims validate_by_itself and
// validate_by_superior both require present.
var requiredClaims = []string{"iss", "sub", "iat", "exp", "jwks"}

// Parse decodes the JWS header and payload of raw without verifying the
// signature. It fails with MalformedJWT if the compact serialization or the
// JSON payload cannot be decoded.
func Parse(raw string) (*Statement, error) {
	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return nil, resolvererrors.NewMalformedJWTError("failed to parse JWS", err)
	}
	if len(msg.Signatures()) != 1 {
		return nil, resolvererrors.NewMalformedJWTError(
			fmt.Sprintf("expected exactly one signature, got %d", len(msg.Signatures())), nil)
	}

	var stmt Statement
	if err := json.Unmarshal(msg.Payload(), &stmt); err != nil {
		return nil, resolvererrors.NewMalformedJWTError("failed to decode statement payload", err)
	}
	stmt.RawJWT = raw

	headers := msg.Signatures()[0].ProtectedHeaders()
	hdrMap := map[string]any{}
	if kid := headers.KeyID(); kid != "" {
		hdrMap["kid"] = kid
	}
	if typ := headers.Type(); typ != "" {
		hdrMap["typ"] = typ
	}
	stmt.header = hdrMap

	return &stmt, nil
}

// checkRequiredClaims verifies the §4.2 MissingClaim set.
func (s *Statement) checkRequiredClaims() error {
	if s.Issuer == "" {
		return resolvererrors.NewMissingClaimError("missing iss claim", nil)
	}
	if s.Subject == "" {
		return resolvererrors.NewMissingClaimError("missing sub claim", nil)
	}
	if s.IssuedAt == 0 {
		return resolvererrors.NewMissingClaimError("missing iat claim", nil)
	}
	if s.ExpiresAt == 0 {
		return resolvererrors.NewMissingClaimError("missing exp claim", nil)
	}
	if len(s.JWKS) == 0 {
		return resolvererrors.NewMissingClaimError("missing jwks claim", nil)
	}
	return nil
}

// checkTemporalValidity applies the clock-skew rule to iat only: exp at or
// before now is expired, with no tolerance; iat more than ClockSkew in the
// future is not yet valid.
func (s *Statement) checkTemporalValidity(now time.Time) error {
	exp := time.Unix(s.ExpiresAt, 0)
	if !now.Before(exp) {
		return resolvererrors.NewExpiredError(fmt.Sprintf("statement for %s expired at %s", s.Subject, exp), nil)
	}
	iat := time.Unix(s.IssuedAt, 0)
	if iat.After(now.Add(ClockSkew)) {
		return resolvererrors.NewNotYetValidError(fmt.Sprintf("statement for %s not valid until %s", s.Subject, iat), nil)
	}
	return nil
}

// verifySignature checks raw's signature against keySet.
func verifySignature(raw string, keySet jwk.Set) error {
	_, err := jws.Verify([]byte(raw), jws.WithKeySet(keySet))
	if err != nil {
		return resolvererrors.NewUntrustedStatementError("signature verification failed", err)
	}
	return nil
}

// ValidateByItself verifies an entity configuration's signature using the
// keyset embedded in its own jwks claim, per §4.2. On success it marks the
// statement valid; on failure it returns a typed error and leaves the
// statement unvalidated.
func (s *Statement) ValidateByItself(now time.Time) error {
	if err := s.checkRequiredClaims(); err != nil {
		return err
	}
	if s.Issuer != s.Subject {
		return resolvererrors.NewUntrustedStatementError(
			fmt.Sprintf("entity configuration iss %q does not equal sub %q", s.Issuer, s.Subject), nil)
	}
	keySet, err := s.jwksSet()
	if err != nil {
		return resolvererrors.NewMissingClaimError("jwks claim could not be parsed", err)
	}
	if err := verifySignature(s.RawJWT, keySet); err != nil {
		return err
	}
	if err := s.checkTemporalValidity(now); err != nil {
		return err
	}
	s.isValid = true
	return nil
}

// Fetcher is the fetch surface statement validation depends on (implemented
// by fetch.HTTPFetcher), kept narrow so tests can supply a fake without
// importing the HTTP implementation.
type Fetcher interface {
	FetchEntityConfiguration(ctx context.Context, url string) (string, error)
	FetchSubordinateStatement(ctx context.Context, fetchEndpoint, iss, sub string) (string, error)
}

// ValidateBySuperior fetches the subordinate statement superiorEC's own
// federation_fetch_endpoint issues about self, verifies it under
// superiorEC's jwks, and checks the iss/sub claims per §4.2.
func ValidateBySuperior(ctx context.Context, f Fetcher, self *EntityConfiguration, superiorEC *EntityConfiguration, now time.Time) (*SubordinateStatement, error) {
	fetchEndpoint, err := federationFetchEndpoint(superiorEC)
	if err != nil {
		return nil, resolvererrors.NewMetadataDiscoveryExceptionError(
			fmt.Sprintf("superior %s does not advertise a federation_fetch_endpoint", superiorEC.Subject), err)
	}

	raw, err := f.FetchSubordinateStatement(ctx, fetchEndpoint, superiorEC.Subject, self.Subject)
	if err != nil {
		return nil, resolvererrors.NewNetworkError(
			fmt.Sprintf("fetching subordinate statement for %s from %s", self.Subject, superiorEC.Subject), err)
	}

	ss, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := ss.checkRequiredClaimsForSS(); err != nil {
		return nil, err
	}

	keySet, err := superiorEC.jwksSet()
	if err != nil {
		return nil, resolvererrors.NewMissingClaimError("superior jwks claim could not be parsed", err)
	}
	if err := verifySignature(ss.RawJWT, keySet); err != nil {
		return nil, err
	}
	if err := ss.checkTemporalValidity(now); err != nil {
		return nil, err
	}

	if ss.Issuer != superiorEC.Subject {
		return nil, resolvererrors.NewUntrustedStatementError(
			fmt.Sprintf("subordinate statement iss %q does not match superior sub %q", ss.Issuer, superiorEC.Subject), nil)
	}
	if ss.Subject != self.Subject {
		return nil, resolvererrors.NewUntrustedStatementError(
			fmt.Sprintf("subordinate statement sub %q does not match subject %q", ss.Subject, self.Subject), nil)
	}

	ss.isValid = true
	return &SubordinateStatement{Statement: *ss}, nil
}

// checkRequiredClaimsForSS applies the SS-specific required claim set: a
// subordinate statement carries jwks describing the DESCENDANT's keys, not
// its own, but otherwise shares the EC required-claim set.
func (s *Statement) checkRequiredClaimsForSS() error {
	return s.checkRequiredClaims()
}

// federationFetchEndpoint reads metadata.federation_entity.
// federation_fetch_endpoint from a verified EC.
func federationFetchEndpoint(ec *EntityConfiguration) (string, error) {
	raw, ok := ec.Metadata["federation_entity"]
	if !ok {
		return "", fmt.Errorf("no federation_entity metadata")
	}
	var fem FederationEntityMetadata
	if err := json.Unmarshal(raw, &fem); err != nil {
		return "", fmt.Errorf("invalid federation_entity metadata: %w", err)
	}
	if fem.FederationFetchEndpoint == "" {
		return "", fmt.Errorf("federation_entity metadata has no federation_fetch_endpoint")
	}
	return fem.FederationFetchEndpoint, nil
}

// GetSuperiors fetches and self-validates the EC of every URL in self's
// authority_hints that is also present in allowedSuperiors (an empty
// allowedSuperiors admits every hint), in authority_hints order, capped at
// maxAuthorityHints. Hints that fail to
// fetch or validate are logged and dropped rather than aborting the whole
// operation, per §4.2.
func GetSuperiors(
	ctx context.Context,
	f Fetcher,
	self *EntityConfiguration,
	allowedSuperiors map[string]bool,
	maxAuthorityHints int,
	now time.Time,
) map[string]*EntityConfiguration {
	result := make(map[string]*EntityConfiguration)
	tried := 0

	for _, hint := range self.AuthorityHints {
		if tried >= maxAuthorityHints {
			logger.Warnw("dropping authority hint beyond max_authority_hints",
				"sub", self.Subject, "hint", hint, "max_authority_hints", maxAuthorityHints)
			continue
		}
		if len(allowedSuperiors) > 0 && !allowedSuperiors[hint] {
			continue
		}
		tried++

		raw, err := f.FetchEntityConfiguration(ctx, hint)
		if err != nil {
			logger.Warnw("dropping authority hint: fetch failed", "sub", self.Subject, "superior", hint, "reason", err.Error())
			continue
		}
		ec, err := Parse(raw)
		if err != nil {
			logger.Warnw("dropping authority hint: parse failed", "sub", self.Subject, "superior", hint, "reason", err.Error())
			continue
		}
		if err := ec.ValidateByItself(now); err != nil {
			logger.Warnw("dropping authority hint: self-validation failed", "sub", self.Subject, "superior", hint, "reason", err.Error())
			continue
		}
		result[hint] = &EntityConfiguration{Statement: *ec}
	}

	return result
}

// SuperiorCandidate pairs a candidate superior's authority_hints URL with
// its self-validated EC. Callers that fetch candidates concurrently (chain
// discovery's per-hop fan-out) must still reassemble them into this slice in
// original authority_hints order before calling ValidateBySuperiors, since
// that order is what makes path selection deterministic.
type SuperiorCandidate struct {
	URL string
	EC  *EntityConfiguration
}

// ValidateBySuperiors obtains, for every candidate superior EC, the SS it
// issues about self and returns the subset of superiors that successfully
// attested self, plus verifiedOrder: the URLs of those that did, in the same
// order as candidates. candidates is walked sequentially (not fanned out),
// so verifiedOrder is a deterministic function of the input order alone,
// never of fetch completion timing.
func ValidateBySuperiors(
	ctx context.Context,
	f Fetcher,
	self *EntityConfiguration,
	candidates []SuperiorCandidate,
	now time.Time,
) (verifiedBy map[string]*EntityConfiguration, statements map[string]*SubordinateStatement, verifiedOrder []string) {
	verifiedBy = make(map[string]*EntityConfiguration)
	statements = make(map[string]*SubordinateStatement)

	for _, c := range candidates {
		ss, err := ValidateBySuperior(ctx, f, self, c.EC, now)
		if err != nil {
			logger.Warnw("superior did not attest subject", "sub", self.Subject, "superior", c.URL, "reason", err.Error())
			continue
		}
		verifiedBy[c.URL] = c.EC
		statements[c.URL] = ss
		verifiedOrder = append(verifiedOrder, c.URL)
	}

	return verifiedBy, statements, verifiedOrder
}
