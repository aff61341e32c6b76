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

package networking

import (
	"fmt"
	"net/url"
	"strings"
)

// IsURL reports whether raw is a well-formed http(s) URL with a host.
func IsURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

// IsRemoteURL reports whether raw is a well-formed http(s) URL whose host is
// not localhost or a loopback address. The Fetcher does not call it: it
// checks URLs with IsURL, and private-address dialing is governed by the
// client builder's WithPrivateIPs setting.
func IsRemoteURL(raw string) bool {
	if !IsURL(raw) {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return !IsLocalhost(u.Host)
}

// IsLocalhost reports whether host (optionally "host:port") names the
// loopback interface. It is a cheap prefix check, not a DNS resolution or
// port validation: malformed ports still count as loopback, but whitespace
// or case variation does not match.
func IsLocalhost(host string) bool {
	switch {
	case host == "localhost", strings.HasPrefix(host, "localhost:"):
		return true
	case host == "127.0.0.1", strings.HasPrefix(host, "127.0.0.1:"):
		return true
	case host == "[::1]", strings.HasPrefix(host, "[::1]:"):
		return true
	}
	return false
}

// ValidateEndpointURL checks that raw is a well-formed URL suitable for an
// OAuth/OIDC endpoint: http(s) scheme, a host, and HTTPS unless the host is
// localhost. Callers use it to reject metadata that points at a plausible
// but unsafe endpoint before ever dialing it.
func ValidateEndpointURL(raw string) error {
	if !IsURL(raw) {
		return fmt.Errorf("not a well-formed http(s) URL: %q", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing endpoint URL: %w", err)
	}
	if u.Scheme != "https" && !IsLocalhost(u.Host) {
		return fmt.Errorf("endpoint must use HTTPS: %q", raw)
	}
	return nil
}
