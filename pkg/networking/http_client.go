// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package networking builds hardened HTTP clients for talking to remote
// federation entities and fetches/decodes their JSON responses.
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
)

// HttpTimeout is the default overall timeout applied to clients built by
// HttpClientBuilder.
const HttpTimeout = 30 * time.Second

// HttpClientBuilder constructs an *http.Client hardened for fetching entity
// configurations and subordinate statements from federation endpoints: TLS
// enforced, optional custom CA bundle, optional bearer token, and optional
// blocking of private/loopback addresses.
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	authTokenFile         string
	allowPrivate          bool
}

// NewHttpClientBuilder returns a builder with the resolver's default
// timeouts and private-IP fetches disallowed.
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithCABundle sets a PEM file of additional trusted CA certificates.
func (b *HttpClientBuilder) WithCABundle(path string) *HttpClientBuilder {
	b.caCertPath = path
	return b
}

// WithTokenFromFile sets a file whose contents are sent as a bearer token on
// every request (used for authenticated fetch/list federation endpoints).
func (b *HttpClientBuilder) WithTokenFromFile(path string) *HttpClientBuilder {
	b.authTokenFile = path
	return b
}

// WithPrivateIPs controls whether the resulting client is allowed to dial
// loopback, link-local, and RFC1918 addresses. Federation fetches default to
// disallowing this; test fixtures and local development opt in.
func (b *HttpClientBuilder) WithPrivateIPs(allow bool) *HttpClientBuilder {
	b.allowPrivate = allow
	return b
}

// Build assembles the *http.Client described by the builder.
func (b *HttpClientBuilder) Build() (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if b.caCertPath != "" {
		pemBytes, err := os.ReadFile(b.caCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle: %s", b.caCertPath)
		}
		tlsConfig.RootCAs = pool
	}

	httpTransport := &http.Transport{
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}
	if !b.allowPrivate {
		httpTransport.DialContext = dialerDisallowingPrivateIPs().DialContext
	}

	var transport http.RoundTripper = &ValidatingTransport{Transport: httpTransport}

	if b.authTokenFile != "" {
		tokenSource, err := createTokenSourceFromFile(b.authTokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create token source: %w", err)
		}
		transport = &oauth2.Transport{
			Source: tokenSource,
			Base:   transport,
		}
	}

	return &http.Client{
		Timeout:   b.clientTimeout,
		Transport: transport,
	}, nil
}

// dialerDisallowingPrivateIPs returns a net.Dialer whose DialContext refuses
// to connect to loopback, link-local, and RFC1918 addresses, preventing a
// malicious authority_hints entry from redirecting fetches at internal
// infrastructure.
func dialerDisallowingPrivateIPs() *net.Dialer {
	base := &net.Dialer{Timeout: 10 * time.Second}
	dialer := &net.Dialer{
		Timeout: base.Timeout,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				host = address
			}
			if IsLocalhost(host) {
				return fmt.Errorf("connections to localhost are not allowed: %s", address)
			}
			ip := net.ParseIP(host)
			if ip != nil && (ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsLoopback()) {
				return fmt.Errorf("connections to private address %s are not allowed", host)
			}
			return nil
		},
	}
	return dialer
}

// ValidatingTransport wraps an http.RoundTripper and rejects any request
// that is not HTTPS. Every federation fetch goes through this transport.
type ValidatingTransport struct {
	Transport http.RoundTripper
}

// RoundTrip enforces HTTPS before delegating to the wrapped transport.
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || req.URL.Scheme != "https" {
		return nil, fmt.Errorf("url %q is not HTTPS scheme", req.URL)
	}
	return t.Transport.RoundTrip(req)
}

// createTokenSourceFromFile reads a bearer token from path and returns a
// static oauth2.TokenSource for it.
func createTokenSourceFromFile(path string) (oauth2.TokenSource, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth token file: %w", err)
	}
	token := strings.TrimSpace(string(contents))
	if token == "" {
		return nil, fmt.Errorf("auth token file is empty: %s", path)
	}
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}), nil
}
