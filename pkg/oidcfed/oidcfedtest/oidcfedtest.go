// Package oidcfedtest provides signed entity-configuration and
// subordinate-statement fixtures for tests across pkg/oidcfed and its
// subpackages, so each test file doesn't reimplement key generation and
// JWS signing.
package oidcfedtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
)

// Entity is a test fixture: an RSA keypair plus the entity URL it signs
// statements for.
type Entity struct {
	Subject string
	private jwk.Key
	public  jwk.Key
}

// NewEntity generates a fresh RSA keypair for subject.
func NewEntity(subject string) (*Entity, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating test key: %w", err)
	}

	privKey, err := jwk.Import(priv)
	if err != nil {
		return nil, fmt.Errorf("importing private key: %w", err)
	}
	pubKey, err := jwk.Import(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("importing public key: %w", err)
	}
	kid := subject + "#key-1"
	for _, key := range []jwk.Key{privKey, pubKey} {
		if err := key.Set(jwk.KeyIDKey, kid); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.AlgorithmKey, jwa.RS256().String()); err != nil {
			return nil, err
		}
	}

	return &Entity{Subject: subject, private: privKey, public: pubKey}, nil
}

// PublicJWKS returns this entity's public keyset as a jwks claim body.
func (e *Entity) PublicJWKS() json.RawMessage {
	set := jwk.NewSet()
	_ = set.AddKey(e.public)
	raw, _ := json.Marshal(set)
	return raw
}

// SignPayload signs an arbitrary payload as a compact JWS under this
// entity's private key.
func (e *Entity) SignPayload(payload []byte) (string, error) {
	signed, err := jws.Sign(payload, jws.WithKey(jwa.RS256(), e.private))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// rawJSON marshals v to a json.RawMessage, panicking on a marshal failure
// since every caller passes fixture literals known to be encodable.
func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("oidcfedtest: marshal fixture value: %v", err))
	}
	return b
}

// FederationEntityMetadata builds the federation_entity metadata claim
// value pointing at fetchEndpoint, ready to pass as Metadata["federation_entity"].
func FederationEntityMetadata(fetchEndpoint string) json.RawMessage {
	return rawJSON(map[string]string{"federation_fetch_endpoint": fetchEndpoint})
}

// ECOptions customizes a generated entity configuration.
type ECOptions struct {
	IssuedAtOffsetSeconds  int64
	ExpiresAtOffsetSeconds int64
	AuthorityHints         []string
	Metadata               map[string]json.RawMessage
	TrustMarks             []TrustMark
	MaxPathLength          *int
}

// TrustMark is a test-fixture trust_marks claim entry: ID plus the already
// signed compact JWS asserting it.
type TrustMark struct {
	ID        string
	TrustMark string
}

// SignedEntityConfiguration builds and signs a self-issued entity
// configuration for e, i.e. iss == sub == e.Subject, using e's own keyset.
func (e *Entity) SignedEntityConfiguration(now int64, opts ECOptions) (string, error) {
	claims := map[string]any{
		"iss":  e.Subject,
		"sub":  e.Subject,
		"iat":  now + opts.IssuedAtOffsetSeconds,
		"exp":  now + defaultIfZero(opts.ExpiresAtOffsetSeconds, 3600),
		"jwks": json.RawMessage(e.PublicJWKS()),
	}
	if len(opts.AuthorityHints) > 0 {
		claims["authority_hints"] = opts.AuthorityHints
	}
	if len(opts.Metadata) > 0 {
		claims["metadata"] = opts.Metadata
	}
	if len(opts.TrustMarks) > 0 {
		marks := make([]map[string]string, 0, len(opts.TrustMarks))
		for _, tm := range opts.TrustMarks {
			marks = append(marks, map[string]string{"id": tm.ID, "trust_mark": tm.TrustMark})
		}
		claims["trust_marks"] = marks
	}
	if opts.MaxPathLength != nil {
		claims["constraints"] = map[string]any{"max_path_length": *opts.MaxPathLength}
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return e.SignPayload(payload)
}

// SSOptions customizes a generated subordinate statement.
type SSOptions struct {
	IssuedAtOffsetSeconds  int64
	ExpiresAtOffsetSeconds int64
	MetadataPolicy         map[string]json.RawMessage
}

// SignedSubordinateStatement builds and signs a statement issued by
// superior (e) about subject, using superior's private key. The jwks
// claim carries subject's own public keyset, per the subordinate
// statement's required-claims shape.
func (e *Entity) SignedSubordinateStatement(subject *Entity, now int64, opts SSOptions) (string, error) {
	claims := map[string]any{
		"iss":  e.Subject,
		"sub":  subject.Subject,
		"iat":  now + opts.IssuedAtOffsetSeconds,
		"exp":  now + defaultIfZero(opts.ExpiresAtOffsetSeconds, 3600),
		"jwks": json.RawMessage(subject.PublicJWKS()),
	}
	if len(opts.MetadataPolicy) > 0 {
		claims["metadata_policy"] = opts.MetadataPolicy
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return e.SignPayload(payload)
}

func defaultIfZero(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}
