// Package fetch implements the Fetcher component: HTTPS retrieval of entity
// configuration and subordinate statement documents, returning raw compact
// JWS bytes for pkg/oidcfed to parse and verify.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	resolvererrors "github.com/stacklok/trustresolve/pkg/errors"
	"github.com/stacklok/trustresolve/pkg/networking"
)

// Config carries the recognized fetch options of §4.1: per-request and
// connect timeouts, TLS verification toggle, and a response size cap
// (enforced with io.LimitReader to bound a malicious or misbehaving
// superior's response body). A positive Timeout replaces the client's
// overall request timeout. ConnectTimeout is not applied: connection setup
// uses pkg/networking's own dialer and handshake settings.
type Config struct {
	Timeout           int // seconds
	ConnectTimeout    int // seconds
	VerifyTLS         bool
	MaxResponseBytes  int64
	CACertPath        string
	AuthTokenFilePath string
	AllowPrivateIPs   bool
}

// DefaultMaxResponseBytes bounds a single fetch response when Config.
// MaxResponseBytes is left at zero.
const DefaultMaxResponseBytes = 1 << 20 // 1 MiB

// HTTPFetcher is the production Fetcher: an *http.Client built through
// pkg/networking's hardened builder, issuing the two wire calls §6
// specifies.
type HTTPFetcher struct {
	client           *http.Client
	maxResponseBytes int64
}

// New builds an HTTPFetcher from cfg. VerifyTLS=false is refused: this
// resolver only ever talks to federation endpoints over verified HTTPS, per
// §4.1 and the HTTPS-only ValidatingTransport that backs every client this
// builder produces.
func New(cfg Config) (*HTTPFetcher, error) {
	if !cfg.VerifyTLS {
		return nil, resolvererrors.NewInvalidConfigurationError("verify_tls=false is not supported", nil)
	}

	builder := networking.NewHttpClientBuilder().WithPrivateIPs(cfg.AllowPrivateIPs)
	if cfg.CACertPath != "" {
		builder = builder.WithCABundle(cfg.CACertPath)
	}
	if cfg.AuthTokenFilePath != "" {
		builder = builder.WithTokenFromFile(cfg.AuthTokenFilePath)
	}

	client, err := builder.Build()
	if err != nil {
		return nil, resolvererrors.NewInvalidConfigurationError("failed to build HTTP client", err)
	}
	if cfg.Timeout > 0 {
		client.Timeout = time.Duration(cfg.Timeout) * time.Second
	}

	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}

	return &HTTPFetcher{client: client, maxResponseBytes: maxBytes}, nil
}

// FetchEntityConfiguration performs the §6 entity configuration GET:
// {url}/.well-known/openid-federation.
func (f *HTTPFetcher) FetchEntityConfiguration(ctx context.Context, entityURL string) (string, error) {
	target := strings.TrimSuffix(entityURL, "/") + "/.well-known/openid-federation"
	return f.fetchJWS(ctx, target)
}

// FetchSubordinateStatement performs the §6 fetch-endpoint GET with iss and
// sub query parameters.
func (f *HTTPFetcher) FetchSubordinateStatement(ctx context.Context, fetchEndpoint, iss, sub string) (string, error) {
	u, err := url.Parse(fetchEndpoint)
	if err != nil {
		return "", resolvererrors.NewMalformedResponseError(
			fmt.Sprintf("invalid federation_fetch_endpoint %q", fetchEndpoint), err)
	}
	q := u.Query()
	q.Set("iss", iss)
	q.Set("sub", sub)
	u.RawQuery = q.Encode()

	return f.fetchJWS(ctx, u.String())
}

// fetchJWS performs the shared GET-and-validate path both wire calls need:
// transport failures and non-2xx responses become NetworkError; a body
// that isn't plausibly a compact JWS becomes MalformedResponse.
func (f *HTTPFetcher) fetchJWS(ctx context.Context, target string) (string, error) {
	if !networking.IsURL(target) {
		return "", resolvererrors.NewMalformedResponseError(fmt.Sprintf("not a valid URL: %s", target), nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", resolvererrors.NewNetworkError("failed to create request", err)
	}
	req.Header.Set("Accept", "application/entity-statement+jwt, application/jwt, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", resolvererrors.NewNetworkError(fmt.Sprintf("fetching %s", target), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseBytes))
	if err != nil {
		return "", resolvererrors.NewNetworkError(fmt.Sprintf("reading response body from %s", target), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resolvererrors.NewNetworkError(
			fmt.Sprintf("%s returned %s", target, resp.Status), networking.NewHTTPError(resp.StatusCode, target, resp.Status))
	}

	raw := strings.TrimSpace(string(body))
	if !isCompactJWS(raw) {
		return "", resolvererrors.NewMalformedResponseError(
			fmt.Sprintf("response body from %s is not a compact JWS", target), nil)
	}

	return raw, nil
}

// isCompactJWS reports whether raw has the three-dot-separated-segment
// shape of a compact JWS, without attempting to decode it — full decoding
// is pkg/oidcfed's job.
func isCompactJWS(raw string) bool {
	if raw == "" {
		return false
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}
