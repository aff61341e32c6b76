// Package trustmark validates a subject's declared trust marks against a
// resolver's required-trust-mark filter.
package trustmark

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"

	resolvererrors "github.com/stacklok/trustresolve/pkg/errors"
	"github.com/stacklok/trustresolve/pkg/logger"
	"github.com/stacklok/trustresolve/pkg/oidcfed"
)

// IssuerKeySource fetches the published keyset of a trust mark issuer. The
// default implementation resolves it by fetching and self-validating the
// issuer's own entity configuration; tests can supply a fake.
type IssuerKeySource interface {
	IssuerKeySet(ctx context.Context, issuer string) (jwk.Set, error)
}

// ECFetcher is the narrow Fetcher surface IssuerKeySource needs.
type ECFetcher interface {
	FetchEntityConfiguration(ctx context.Context, url string) (string, error)
}

// FetcherKeySource is the default IssuerKeySource: it resolves an issuer's
// keyset by fetching and self-validating that issuer's entity
// configuration, per §4.4 ("fetched via the Fetcher using the trust mark's
// iss claim").
type FetcherKeySource struct {
	Fetcher ECFetcher
	Now     func() time.Time
}

// IssuerKeySet fetches and self-validates issuer's EC, returning its jwks.
func (s *FetcherKeySource) IssuerKeySet(ctx context.Context, issuer string) (jwk.Set, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	raw, err := s.Fetcher.FetchEntityConfiguration(ctx, issuer)
	if err != nil {
		return nil, resolvererrors.NewNetworkError(
			fmt.Sprintf("fetching trust mark issuer %s entity configuration", issuer), err)
	}
	ec, err := oidcfed.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := ec.ValidateByItself(now()); err != nil {
		return nil, err
	}
	return jwk.Parse(ec.JWKS)
}

// trustMarkPayload is the decoded payload of a trust mark JWS: an
// identifier claim and issuer/subject/validity claims shared with EC/SS.
type trustMarkPayload struct {
	ID        string `json:"id"`
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// Validate checks required against subject's declared trust marks, per
// §4.4: success iff at least one required ID is present and its JWS
// verifies under its declared issuer's published keyset. An empty required
// list short-circuits to success without inspecting marks at all.
func Validate(
	ctx context.Context,
	keys IssuerKeySource,
	required []string,
	marks []oidcfed.TrustMarkClaim,
	subject string,
	now time.Time,
) error {
	if len(required) == 0 {
		return nil
	}

	byID := make(map[string]oidcfed.TrustMarkClaim, len(marks))
	for _, m := range marks {
		byID[m.ID] = m
	}

	for _, id := range required {
		mark, ok := byID[id]
		if !ok {
			continue
		}
		if err := validateOne(ctx, keys, mark, subject, now); err != nil {
			logger.Warnw("trust mark failed validation", "id", id, "reason", err.Error())
			continue
		}
		return nil
	}

	return resolvererrors.NewInvalidRequiredTrustMarkError(
		fmt.Sprintf("subject %s satisfies none of the required trust marks %v", subject, required), nil)
}

// validateOne parses, signature-verifies, and temporally validates a single
// trust mark claim, and confirms it names subject as its holder.
func validateOne(ctx context.Context, keys IssuerKeySource, mark oidcfed.TrustMarkClaim, subject string, now time.Time) error {
	msg, err := jws.Parse([]byte(mark.TrustMark))
	if err != nil {
		return resolvererrors.NewMalformedJWTError("failed to parse trust mark JWS", err)
	}

	var payload trustMarkPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		return resolvererrors.NewMalformedJWTError("failed to decode trust mark payload", err)
	}
	if payload.Issuer == "" {
		return resolvererrors.NewMissingClaimError("trust mark missing iss claim", nil)
	}
	if payload.Subject != subject {
		return resolvererrors.NewUntrustedStatementError(
			fmt.Sprintf("trust mark sub %q does not match subject %q", payload.Subject, subject), nil)
	}
	if payload.ExpiresAt != 0 && !now.Before(time.Unix(payload.ExpiresAt, 0)) {
		return resolvererrors.NewExpiredError(fmt.Sprintf("trust mark %s expired", mark.ID), nil)
	}

	keySet, err := keys.IssuerKeySet(ctx, payload.Issuer)
	if err != nil {
		return err
	}
	if _, err := jws.Verify([]byte(mark.TrustMark), jws.WithKeySet(keySet)); err != nil {
		return resolvererrors.NewUntrustedStatementError("trust mark signature verification failed", err)
	}
	return nil
}
