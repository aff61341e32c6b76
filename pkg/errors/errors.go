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

// Package errors defines the resolver's error taxonomy: a single Error type
// carrying a stable Type string, a human-readable Message, and an optional
// wrapped Cause.
package errors

import (
	"errors"
	"fmt"
)

// Error kind constants, one per failure mode a trust chain resolution can
// hit. Kept as strings (rather than an int enum) so they serialize directly
// into logs and the /resolve JSON error body.
const (
	ErrNetwork                    = "network_error"
	ErrMalformedResponse          = "malformed_response"
	ErrMalformedJWT               = "malformed_jwt"
	ErrUntrustedStatement         = "untrusted_statement"
	ErrMissingClaim               = "missing_claim"
	ErrExpired                    = "expired"
	ErrNotYetValid                = "not_yet_valid"
	ErrInvalidRequiredTrustMark   = "invalid_required_trust_mark"
	ErrMetadataDiscoveryException = "metadata_discovery_exception"
	ErrPolicyViolation            = "policy_violation"
	ErrTrustAnchorNeeded          = "trust_anchor_needed"
	ErrDeadlineExceeded           = "deadline_exceeded"
	ErrCancelled                  = "cancelled"
	ErrInvalidConfiguration       = "invalid_configuration"
)

// Error is the resolver's structured error type. Type is one of the Err*
// constants above, Message is a human-readable description, and Cause, if
// set, is the underlying error it wraps.
type Error struct {
	Type    string
	Message string
	Cause   error
}

// NewError builds an *Error of the given type.
func NewError(errType, message string, cause error) *Error {
	return &Error{Type: errType, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes Cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewNetworkError reports a transport-level failure fetching an entity
// configuration or subordinate statement.
func NewNetworkError(message string, cause error) *Error {
	return NewError(ErrNetwork, message, cause)
}

// IsNetworkError reports whether err is a network-fetch failure.
func IsNetworkError(err error) bool {
	return hasType(err, ErrNetwork)
}

// NewMalformedResponseError reports a response that was not a validly
// encoded entity statement (bad JSON, bad compact JWS framing).
func NewMalformedResponseError(message string, cause error) *Error {
	return NewError(ErrMalformedResponse, message, cause)
}

// IsMalformedResponseError reports whether err is a malformed-response error.
func IsMalformedResponseError(err error) bool {
	return hasType(err, ErrMalformedResponse)
}

// NewMalformedJWTError reports a JWS that failed to parse or had an
// unexpected header/claim shape.
func NewMalformedJWTError(message string, cause error) *Error {
	return NewError(ErrMalformedJWT, message, cause)
}

// IsMalformedJWTError reports whether err is a malformed-JWT error.
func IsMalformedJWTError(err error) bool {
	return hasType(err, ErrMalformedJWT)
}

// NewUntrustedStatementError reports a statement whose signature did not
// verify against the key it claims to be signed with.
func NewUntrustedStatementError(message string, cause error) *Error {
	return NewError(ErrUntrustedStatement, message, cause)
}

// IsUntrustedStatementError reports whether err is a signature-verification
// failure.
func IsUntrustedStatementError(err error) bool {
	return hasType(err, ErrUntrustedStatement)
}

// NewMissingClaimError reports an entity statement missing a claim required
// by the operation being performed (e.g. no metadata, no jwks).
func NewMissingClaimError(message string, cause error) *Error {
	return NewError(ErrMissingClaim, message, cause)
}

// IsMissingClaimError reports whether err is a missing-claim error.
func IsMissingClaimError(err error) bool {
	return hasType(err, ErrMissingClaim)
}

// NewExpiredError reports a statement whose exp claim is in the past.
func NewExpiredError(message string, cause error) *Error {
	return NewError(ErrExpired, message, cause)
}

// IsExpiredError reports whether err is an expiration error.
func IsExpiredError(err error) bool {
	return hasType(err, ErrExpired)
}

// NewNotYetValidError reports a statement whose iat/nbf claim is in the
// future.
func NewNotYetValidError(message string, cause error) *Error {
	return NewError(ErrNotYetValid, message, cause)
}

// IsNotYetValidError reports whether err is a not-yet-valid error.
func IsNotYetValidError(err error) bool {
	return hasType(err, ErrNotYetValid)
}

// NewInvalidRequiredTrustMarkError reports that a subject did not carry a
// trust mark required by the caller or by policy.
func NewInvalidRequiredTrustMarkError(message string, cause error) *Error {
	return NewError(ErrInvalidRequiredTrustMark, message, cause)
}

// IsInvalidRequiredTrustMarkError reports whether err is a missing/invalid
// required-trust-mark error.
func IsInvalidRequiredTrustMarkError(err error) bool {
	return hasType(err, ErrInvalidRequiredTrustMark)
}

// NewMetadataDiscoveryExceptionError reports that discovery could not
// complete: the subject's entity configuration could not be resolved, a
// superior advertises no usable federation_fetch_endpoint, no path reaches
// the anchor, or the subject lacks the requested metadata type.
func NewMetadataDiscoveryExceptionError(message string, cause error) *Error {
	return NewError(ErrMetadataDiscoveryException, message, cause)
}

// IsMetadataDiscoveryExceptionError reports whether err is a metadata
// discovery error.
func IsMetadataDiscoveryExceptionError(err error) bool {
	return hasType(err, ErrMetadataDiscoveryException)
}

// NewPolicyViolationError reports that applying metadata policy operators
// produced a contradiction (e.g. one_of excludes the value, subset_of
// violated).
func NewPolicyViolationError(message string, cause error) *Error {
	return NewError(ErrPolicyViolation, message, cause)
}

// IsPolicyViolationError reports whether err is a policy violation.
func IsPolicyViolationError(err error) bool {
	return hasType(err, ErrPolicyViolation)
}

// NewTrustAnchorNeededError reports that the configured trust anchor could
// not be resolved: its entity configuration failed to fetch, parse, or
// self-validate.
func NewTrustAnchorNeededError(message string, cause error) *Error {
	return NewError(ErrTrustAnchorNeeded, message, cause)
}

// IsTrustAnchorNeededError reports whether err means the trust anchor could
// not be resolved.
func IsTrustAnchorNeededError(err error) bool {
	return hasType(err, ErrTrustAnchorNeeded)
}

// NewDeadlineExceededError reports that the caller's deadline elapsed before
// resolution completed.
func NewDeadlineExceededError(message string, cause error) *Error {
	return NewError(ErrDeadlineExceeded, message, cause)
}

// IsDeadlineExceededError reports whether err is a deadline error.
func IsDeadlineExceededError(err error) bool {
	return hasType(err, ErrDeadlineExceeded)
}

// NewCancelledError reports that the caller's context was cancelled.
func NewCancelledError(message string, cause error) *Error {
	return NewError(ErrCancelled, message, cause)
}

// IsCancelledError reports whether err is a cancellation error.
func IsCancelledError(err error) bool {
	return hasType(err, ErrCancelled)
}

// NewInvalidConfigurationError reports resolver or fetcher configuration
// (chain.Config, fetch.Config) that failed validation before any fetch was
// attempted.
func NewInvalidConfigurationError(message string, cause error) *Error {
	return NewError(ErrInvalidConfiguration, message, cause)
}

// IsInvalidConfigurationError reports whether err is a configuration error.
func IsInvalidConfigurationError(err error) bool {
	return hasType(err, ErrInvalidConfiguration)
}

func hasType(err error, errType string) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}
