// Package oidcfed implements the core data model and per-statement
// validation logic of an OpenID Connect Federation trust chain resolver:
// entity configurations, subordinate statements, and the verified nodes a
// chain builder assembles from them.
package oidcfed

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Recognized metadata type tags. Any other value is an InvalidConfiguration
// error at the resolver entry point.
const (
	MetadataOpenIDProvider     = "openid_provider"
	MetadataOpenIDRelyingParty = "openid_relying_party"
	MetadataOAuthResource      = "oauth_resource"
)

// IsRecognizedMetadataType reports whether t is one of the metadata type
// tags the resolver knows how to compose.
func IsRecognizedMetadataType(t string) bool {
	switch t {
	case MetadataOpenIDProvider, MetadataOpenIDRelyingParty, MetadataOAuthResource:
		return true
	}
	return false
}

// TrustMarkClaim is one entry of an entity's declared trust_marks claim: an
// identifier and the compact JWS asserting it.
type TrustMarkClaim struct {
	ID        string `json:"id"`
	TrustMark string `json:"trust_mark"`
}

// Constraints carries the subset of OIDC-Fed's constraints claim the
// resolver enforces.
type Constraints struct {
	MaxPathLength *int `json:"max_path_length,omitempty"`
}

// FederationEntityMetadata is the federation_entity metadata document,
// carrying the endpoints the Fetcher needs to talk to a superior.
type FederationEntityMetadata struct {
	FederationFetchEndpoint  string `json:"federation_fetch_endpoint,omitempty"`
	FederationListEndpoint   string `json:"federation_list_endpoint,omitempty"`
	FederationResolveEndpoint string `json:"federation_resolve_endpoint,omitempty"`
}

// Statement is the common payload shape of both an entity configuration and
// a subordinate statement: both are JSON objects signed as a compact JWS
// with these claims, differing only in which claims are populated and
// which key verifies the signature.
type Statement struct {
	Issuer         string                     `json:"iss"`
	Subject        string                     `json:"sub"`
	IssuedAt       int64                      `json:"iat"`
	ExpiresAt      int64                      `json:"exp"`
	JWKS           json.RawMessage            `json:"jwks,omitempty"`
	AuthorityHints []string                   `json:"authority_hints,omitempty"`
	Metadata       map[string]json.RawMessage `json:"metadata,omitempty"`
	MetadataPolicy map[string]json.RawMessage `json:"metadata_policy,omitempty"`
	TrustMarks     []TrustMarkClaim           `json:"trust_marks,omitempty"`
	Constraints    *Constraints               `json:"constraints,omitempty"`

	// RawJWT is the original compact JWS serialization, kept for
	// serialize() and re-verification.
	RawJWT string `json:"-"`

	// header holds the decoded but unverified JWS header, set by Parse.
	header map[string]any

	// isValid is set true only once signature and temporal checks pass.
	isValid bool
}

// EntityConfiguration is a Statement known to be an entity's self-issued EC:
// Issuer == Subject, and jwks is this entity's own public keyset.
type EntityConfiguration struct {
	Statement
}

// SubordinateStatement is a Statement issued by a superior about an
// immediate descendant: Issuer is the superior's sub, Subject is the
// descendant's sub.
type SubordinateStatement struct {
	Statement
}

// VerifiedNode is one node of a resolved trust path: a validated EC plus the
// superiors that attested it during chain building. Superiors are indexed
// by URL rather than held as direct pointers, so there is never a true
// object cycle between a node and its superiors.
type VerifiedNode struct {
	EC                          *EntityConfiguration
	VerifiedBySuperiors         map[string]*EntityConfiguration
	VerifiedDescendantStatements map[string]*SubordinateStatement
}

// TrustChain is the resolved output of a chain-building run.
type TrustChain struct {
	IsValid      bool
	Subject      string
	Anchor       string
	SubjectEC    *EntityConfiguration
	AnchorEC     *EntityConfiguration
	TrustPath    []*VerifiedNode
	FinalMetadata map[string]any
	MetadataType string
	Exp          time.Time
	ErrorKind    string
	Diagnostics  []string
}

// jwksSet parses the entity's own embedded jwks claim into a jwk.Set,
// returning an error if the claim is absent or malformed.
func (s *Statement) jwksSet() (jwk.Set, error) {
	if len(s.JWKS) == 0 {
		return nil, errMissingJWKS
	}
	set, err := jwk.Parse(s.JWKS)
	if err != nil {
		return nil, err
	}
	return set, nil
}

// IsValid reports whether this statement has passed signature and temporal
// verification.
func (s *Statement) IsValid() bool {
	return s.isValid
}

// Serialize returns the canonical wire representation of a resolved chain,
// per §6: the interleaved sequence of EC raw JWTs and the list of SS raw
// JWTs attesting each non-terminal node, in subject-to-anchor order —
// [ec_0, [ss attesting ec_0, ...], ec_1, [ss attesting ec_1, ...], ..., ec_n].
// The anchor (last element) carries no trailing SS list, since nothing in
// the resolved path attests it. Each SS list is ordered by issuing
// superior URL.
func (c *TrustChain) Serialize() []any {
	out := make([]any, 0, len(c.TrustPath)*2)
	for i, node := range c.TrustPath {
		out = append(out, node.EC.RawJWT)
		if i == len(c.TrustPath)-1 {
			continue
		}
		superiors := make([]string, 0, len(node.VerifiedDescendantStatements))
		for url := range node.VerifiedDescendantStatements {
			superiors = append(superiors, url)
		}
		sort.Strings(superiors)
		statements := make([]string, 0, len(superiors))
		for _, url := range superiors {
			statements = append(statements, node.VerifiedDescendantStatements[url].RawJWT)
		}
		out = append(out, statements)
	}
	return out
}
