package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/trustresolve/pkg/auth/token"
	resolvererrors "github.com/stacklok/trustresolve/pkg/errors"
	"github.com/stacklok/trustresolve/pkg/oidcfed/chain"
	"github.com/stacklok/trustresolve/pkg/oidcfed/oidcfedtest"
)

// newUnreachableValidatorForTest builds a Validator pointed at a JWKS URL
// that these tests never dial, since a missing Authorization header is
// rejected before any token validation runs.
func newUnreachableValidatorForTest() (*token.Validator, error) {
	return token.NewValidator(context.Background(), token.ValidatorConfig{
		JWKSURL: "https://issuer.example.org/jwks",
	})
}

// signingNow provides the iat/exp basis for fixture signing. handleResolve
// leaves chain.Config.Now unset, so the resolver checks temporal validity
// against the real clock; fixtures are signed against it too rather than a
// fixed timestamp.
func signingNow() time.Time {
	return time.Now()
}

// fakeFetcher serves canned EC/SS bodies for a small fixed federation graph.
type fakeFetcher struct {
	ecs        map[string]string
	statements map[string]string
}

func (f *fakeFetcher) FetchEntityConfiguration(_ context.Context, url string) (string, error) {
	raw, ok := f.ecs[url]
	if !ok {
		return "", assert.AnError
	}
	return raw, nil
}

func (f *fakeFetcher) FetchSubordinateStatement(_ context.Context, fetchEndpoint, iss, sub string) (string, error) {
	raw, ok := f.statements[fetchEndpoint+"|"+iss+"|"+sub]
	if !ok {
		return "", assert.AnError
	}
	return raw, nil
}

// newDirectTrustFixture builds a fetcher serving a one-hop leaf-to-anchor
// trust chain, with the leaf's entity URL and the anchor's entity URL
// returned for use in request query params.
func newDirectTrustFixture(t *testing.T) (fetcher *fakeFetcher, leafSubject, anchorSubject string) {
	t.Helper()

	leaf, err := oidcfedtest.NewEntity("https://rp.example.org")
	require.NoError(t, err)
	anchor, err := oidcfedtest.NewEntity("https://anchor.example.org")
	require.NoError(t, err)

	f := &fakeFetcher{ecs: map[string]string{}, statements: map[string]string{}}

	anchorMetadata := map[string]json.RawMessage{
		"federation_entity": oidcfedtest.FederationEntityMetadata(anchor.Subject + "/fetch"),
	}
	anchorRaw, err := anchor.SignedEntityConfiguration(signingNow().Unix(), oidcfedtest.ECOptions{Metadata: anchorMetadata})
	require.NoError(t, err)
	f.ecs[anchor.Subject] = anchorRaw

	opMetadataRaw, err := json.Marshal(map[string]any{"issuer": leaf.Subject})
	require.NoError(t, err)
	leafRaw, err := leaf.SignedEntityConfiguration(signingNow().Unix(), oidcfedtest.ECOptions{
		AuthorityHints: []string{anchor.Subject},
		Metadata:       map[string]json.RawMessage{"openid_provider": opMetadataRaw},
	})
	require.NoError(t, err)
	f.ecs[leaf.Subject] = leafRaw

	ssRaw, err := anchor.SignedSubordinateStatement(leaf, signingNow().Unix(), oidcfedtest.SSOptions{})
	require.NoError(t, err)
	f.statements[anchor.Subject+"/fetch|"+anchor.Subject+"|"+leaf.Subject] = ssRaw

	return f, leaf.Subject, anchor.Subject
}

func testDeps(fetcher chain.Fetcher) Deps {
	return Deps{
		Resolver: chain.NewResolver(),
		Fetcher:  fetcher,
	}
}

func TestHandleResolve_MissingQueryParams(t *testing.T) {
	t.Parallel()

	srv := NewServer(testDeps(&fakeFetcher{}))
	req := httptest.NewRequest(http.MethodGet, "/resolve", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp resolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, resolvererrors.ErrInvalidConfiguration, resp.ErrorKind)
}

func TestHandleResolve_InvalidMaxAuthorityHints(t *testing.T) {
	t.Parallel()

	srv := NewServer(testDeps(&fakeFetcher{}))
	req := httptest.NewRequest(http.MethodGet, "/resolve?sub=https://rp.example.org&anchor=https://anchor.example.org&max_authority_hints=not-a-number", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleResolve_Success(t *testing.T) {
	t.Parallel()

	f, leafSubject, anchorSubject := newDirectTrustFixture(t)
	srv := NewServer(testDeps(f))

	req := httptest.NewRequest(http.MethodGet, "/resolve?sub="+leafSubject+"&anchor="+anchorSubject, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp resolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.IsValid)
	assert.Equal(t, leafSubject, resp.FinalMetadata["issuer"])
}

func TestHandleResolve_UnreachableAnchorMapsToBadGateway(t *testing.T) {
	t.Parallel()

	srv := NewServer(testDeps(&fakeFetcher{}))
	req := httptest.NewRequest(http.MethodGet, "/resolve?sub=https://rp.example.org&anchor=https://anchor.example.org", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleHealthz(t *testing.T) {
	t.Parallel()

	srv := NewServer(testDeps(&fakeFetcher{}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatusForErrorKind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, statusForErrorKind(resolvererrors.ErrInvalidConfiguration))
	assert.Equal(t, http.StatusBadRequest, statusForErrorKind(resolvererrors.ErrInvalidRequiredTrustMark))
	assert.Equal(t, http.StatusGatewayTimeout, statusForErrorKind(resolvererrors.ErrDeadlineExceeded))
	assert.Equal(t, http.StatusGatewayTimeout, statusForErrorKind(resolvererrors.ErrCancelled))
	assert.Equal(t, http.StatusBadGateway, statusForErrorKind(resolvererrors.ErrNetwork))
}

func TestHandleResolve_RequiresBearerTokenWhenConfigured(t *testing.T) {
	t.Parallel()

	validator, err := newUnreachableValidatorForTest()
	require.NoError(t, err)

	deps := testDeps(&fakeFetcher{})
	deps.Authenticator = validator
	srv := NewServer(deps)

	req := httptest.NewRequest(http.MethodGet, "/resolve?sub=https://rp.example.org&anchor=https://anchor.example.org", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// /healthz is never gated by bearer auth.
	req2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}
