// Package chain implements the Chain Builder: orchestrated discovery of a
// trust path from a subject entity up to a trust anchor, metadata
// composition along that path, and the resulting TrustChain value.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	resolvererrors "github.com/stacklok/trustresolve/pkg/errors"
	"github.com/stacklok/trustresolve/pkg/logger"
	"github.com/stacklok/trustresolve/pkg/oidcfed"
	"github.com/stacklok/trustresolve/pkg/oidcfed/policy"
	"github.com/stacklok/trustresolve/pkg/oidcfed/trustmark"
)

// DefaultMaxPathLength bounds discovery depth when an anchor declares no
// constraints.max_path_length, per §4.5 step 1.
const DefaultMaxPathLength = 8

// DefaultMaxAuthorityHints is the per-hop fan-out cap when a Config leaves
// MaxAuthorityHints unset.
const DefaultMaxAuthorityHints = 10

// DefaultMetadataType is the metadata_type used when a Config leaves it
// unset.
const DefaultMetadataType = oidcfed.MetadataOpenIDProvider

// Fetcher is the full Fetcher surface the chain builder and its
// subordinate components (Statement, trust mark validation) need.
type Fetcher interface {
	FetchEntityConfiguration(ctx context.Context, url string) (string, error)
	FetchSubordinateStatement(ctx context.Context, fetchEndpoint, iss, sub string) (string, error)
}

// Config is the resolver entry point's input, per §4.5.
type Config struct {
	Subject            string
	TrustAnchor        string
	MetadataType       string
	RequiredTrustMarks []string
	MaxAuthorityHints  int
	Fetcher            Fetcher
	TrustMarkKeys      trustmark.IssuerKeySource
	Now                func() time.Time
}

// Resolver builds trust chains; the Fetcher, trust mark key source and
// every other input arrive per call in the Config passed to Resolve.
type Resolver struct{}

// NewResolver constructs a Resolver. The type carries no state of its own
// today — every dependency travels through Config — but exists as a named
// entry point so future cross-call state (a superior-EC cache, for
// instance) has somewhere to live without changing Resolve's signature.
func NewResolver() *Resolver {
	return &Resolver{}
}

// node is one entry of the BFS frontier: a validated EC together with the
// attestations its own superiors have issued about it (verifiedBy/
// statements are keyed by superior URL, populated when this node is
// expanded — mirroring VerifiedNode.VerifiedBySuperiors/
// VerifiedDescendantStatements). parentSub is the sub of the node directly
// below this one in the tree (the node this one is a superior of), used to
// walk the chosen path back from the anchor to the subject.
type node struct {
	ec         *oidcfed.EntityConfiguration
	verifiedBy map[string]*oidcfed.EntityConfiguration
	statements map[string]*oidcfed.SubordinateStatement
	parentSub  string // "" for the subject (root)
}

// Resolve runs the full §4.5 algorithm and returns a TrustChain. A failed
// resolution still returns a non-nil TrustChain with IsValid=false and
// ErrorKind set; the accompanying error is the same failure, returned for
// callers who prefer Go's usual error-checking idiom.
func (r *Resolver) Resolve(ctx context.Context, cfg Config) (*oidcfed.TrustChain, error) {
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}
	metadataType := cfg.MetadataType
	if metadataType == "" {
		metadataType = DefaultMetadataType
	}
	if !oidcfed.IsRecognizedMetadataType(metadataType) {
		return r.fail(cfg, resolvererrors.NewInvalidConfigurationError(
			fmt.Sprintf("unrecognized metadata_type %q", metadataType), nil))
	}
	maxHints := cfg.MaxAuthorityHints
	if maxHints <= 0 {
		maxHints = DefaultMaxAuthorityHints
	}

	if err := ctxErr(ctx, "resolution"); err != nil {
		return r.fail(cfg, err)
	}

	// Step 1: anchor resolution.
	anchorEC, err := r.resolveAnchor(ctx, cfg, now)
	if err != nil {
		return r.fail(cfg, err)
	}
	maxPathLength := DefaultMaxPathLength
	if anchorEC.Constraints != nil && anchorEC.Constraints.MaxPathLength != nil {
		maxPathLength = *anchorEC.Constraints.MaxPathLength
	}

	// Step 2: subject resolution.
	subjectEC, err := r.resolveSubject(ctx, cfg, now)
	if err != nil {
		return r.fail(cfg, err)
	}
	if err := trustmark.Validate(ctx, cfg.TrustMarkKeys, cfg.RequiredTrustMarks, subjectEC.TrustMarks, subjectEC.Subject, now()); err != nil {
		return r.fail(cfg, err)
	}

	// Step 3: BFS discovery.
	path, diagnostics, err := r.discover(ctx, cfg, subjectEC, anchorEC, maxHints, maxPathLength, now)
	if err != nil {
		return r.failWithDiagnostics(cfg, err, diagnostics)
	}

	// Step 5: metadata composition.
	finalMetadata, err := composeMetadata(path, metadataType)
	if err != nil {
		return r.failWithDiagnostics(cfg, err, diagnostics)
	}

	// Step 6: expiration.
	exp := chainExpiration(path)
	if !exp.After(now()) {
		return r.failWithDiagnostics(cfg, resolvererrors.NewExpiredError(
			fmt.Sprintf("resolved chain for %s expired at %s", cfg.Subject, exp), nil), diagnostics)
	}

	return &oidcfed.TrustChain{
		IsValid:       true,
		Subject:       cfg.Subject,
		Anchor:        cfg.TrustAnchor,
		SubjectEC:     subjectEC,
		AnchorEC:      anchorEC,
		TrustPath:     path,
		FinalMetadata: finalMetadata,
		MetadataType:  metadataType,
		Exp:           exp,
		Diagnostics:   diagnostics,
	}, nil
}

func (r *Resolver) resolveAnchor(ctx context.Context, cfg Config, now func() time.Time) (*oidcfed.EntityConfiguration, error) {
	raw, err := cfg.Fetcher.FetchEntityConfiguration(ctx, cfg.TrustAnchor)
	if err != nil {
		return nil, resolvererrors.NewTrustAnchorNeededError(
			fmt.Sprintf("fetching trust anchor %s", cfg.TrustAnchor), err)
	}
	stmt, err := oidcfed.Parse(raw)
	if err != nil {
		return nil, resolvererrors.NewTrustAnchorNeededError("parsing trust anchor entity configuration", err)
	}
	if err := stmt.ValidateByItself(now()); err != nil {
		return nil, resolvererrors.NewTrustAnchorNeededError("validating trust anchor entity configuration", err)
	}
	return &oidcfed.EntityConfiguration{Statement: *stmt}, nil
}

func (r *Resolver) resolveSubject(ctx context.Context, cfg Config, now func() time.Time) (*oidcfed.EntityConfiguration, error) {
	raw, err := cfg.Fetcher.FetchEntityConfiguration(ctx, cfg.Subject)
	if err != nil {
		return nil, resolvererrors.NewMetadataDiscoveryExceptionError(
			fmt.Sprintf("fetching subject %s", cfg.Subject), err)
	}
	stmt, err := oidcfed.Parse(raw)
	if err != nil {
		return nil, resolvererrors.NewMetadataDiscoveryExceptionError("parsing subject entity configuration", err)
	}
	if err := stmt.ValidateByItself(now()); err != nil {
		return nil, resolvererrors.NewMetadataDiscoveryExceptionError("validating subject entity configuration", err)
	}
	return &oidcfed.EntityConfiguration{Statement: *stmt}, nil
}

// discover runs the BFS of §4.5 step 3, then selects the path to the
// anchor per step 4. tree[0] is the subject; the returned path runs
// subject-to-anchor inclusive.
func (r *Resolver) discover(
	ctx context.Context,
	cfg Config,
	subject *oidcfed.EntityConfiguration,
	anchor *oidcfed.EntityConfiguration,
	maxHints int,
	maxPathLength int,
	now func() time.Time,
) ([]*oidcfed.VerifiedNode, []string, error) {
	// Per-hop fan-out is unrestricted: an intermediate authority's own sub
	// is not the anchor, so restricting candidate superiors to the anchor
	// alone would make multi-hop paths unreachable. Path selection below is
	// what actually requires the chosen path's terminal node to be anchor.
	var allowedSuperiors map[string]bool

	tree := map[int][]*node{0: {{ec: subject}}}
	visited := map[string]bool{}
	var diagnostics []string

	depth := 0
	for depth < maxPathLength && len(tree[depth]) > 0 {
		if err := ctxErr(ctx, "discovery"); err != nil {
			return nil, diagnostics, err
		}

		var next []*node
		anySuperiorAttached := false

		for _, n := range tree[depth] {
			if visited[n.ec.Subject] {
				continue
			}
			visited[n.ec.Subject] = true

			candidates, err := fetchSuperiors(ctx, cfg.Fetcher, n.ec, allowedSuperiors, maxHints, now)
			if err != nil {
				return nil, diagnostics, err
			}

			verifiedBy, statements, verifiedOrder := oidcfed.ValidateBySuperiors(ctx, cfg.Fetcher, n.ec, candidates, now())
			n.verifiedBy = verifiedBy
			n.statements = statements
			for _, url := range verifiedOrder {
				diagnostics = append(diagnostics, fmt.Sprintf("%s attested by superior %s", n.ec.Subject, url))
				anySuperiorAttached = true
				next = append(next, &node{ec: verifiedBy[url], parentSub: n.ec.Subject})
			}
		}

		if !anySuperiorAttached {
			break
		}
		depth++
		tree[depth] = next
	}

	return selectPath(tree, depth, subject, anchor, maxPathLength, diagnostics)
}

// fetchSuperiors bounds superior fan-out concurrently per hop, capped at
// maxHints. Fetches run in parallel, but results land in a slice indexed by
// each hint's position in self.AuthorityHints, and the final reassembly
// walks that slice in index order — so which hint resolved first over the
// network never affects the order candidates are returned in, and in turn
// never affects which path selectPath later prefers.
func fetchSuperiors(
	ctx context.Context,
	f Fetcher,
	self *oidcfed.EntityConfiguration,
	allowedSuperiors map[string]bool,
	maxHints int,
	now func() time.Time,
) ([]oidcfed.SuperiorCandidate, error) {
	hints := make([]string, 0, len(self.AuthorityHints))
	for _, hint := range self.AuthorityHints {
		if len(hints) >= maxHints {
			logger.Warnw("dropping authority hint beyond max_authority_hints",
				"sub", self.Subject, "hint", hint, "max_authority_hints", maxHints)
			continue
		}
		if len(allowedSuperiors) > 0 && !allowedSuperiors[hint] {
			continue
		}
		hints = append(hints, hint)
	}

	results := make([]*oidcfed.SuperiorCandidate, len(hints))
	g, gctx := errgroup.WithContext(ctx)
	for i, hint := range hints {
		i, hint := i, hint
		g.Go(func() error {
			raw, err := f.FetchEntityConfiguration(gctx, hint)
			if err != nil {
				if errors.Is(gctx.Err(), context.DeadlineExceeded) {
					return resolvererrors.NewDeadlineExceededError(
						fmt.Sprintf("fetching authority hint %s for %s", hint, self.Subject), gctx.Err())
				}
				logger.Warnw("dropping authority hint: fetch failed", "sub", self.Subject, "superior", hint, "reason", err.Error())
				return nil
			}
			stmt, err := oidcfed.Parse(raw)
			if err != nil {
				logger.Warnw("dropping authority hint: parse failed", "sub", self.Subject, "superior", hint, "reason", err.Error())
				return nil
			}
			if err := stmt.ValidateByItself(now()); err != nil {
				logger.Warnw("dropping authority hint: self-validation failed", "sub", self.Subject, "superior", hint, "reason", err.Error())
				return nil
			}
			results[i] = &oidcfed.SuperiorCandidate{URL: hint, EC: &oidcfed.EntityConfiguration{Statement: *stmt}}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]oidcfed.SuperiorCandidate, 0, len(hints))
	for _, res := range results {
		if res != nil {
			out = append(out, *res)
		}
	}
	return out, nil
}

// selectPath implements §4.5 step 4: walk the BFS tree from the anchor's
// depth back to the subject, preferring the descendant's authority_hints
// order at each level and backtracking on dead ends. Because every non-root
// node in tree is reachable from exactly one parent (the descendant it
// attests, recorded as parentSub), "backtracking" reduces to: find any
// anchor node at any depth ≤ maxPathLength, then walk parent pointers back
// to the subject.
func selectPath(
	tree map[int][]*node,
	maxDepthReached int,
	subject *oidcfed.EntityConfiguration,
	anchor *oidcfed.EntityConfiguration,
	maxPathLength int,
	diagnostics []string,
) ([]*oidcfed.VerifiedNode, []string, error) {
	bySub := map[string]*node{}
	for depth := 0; depth <= maxDepthReached; depth++ {
		for _, n := range tree[depth] {
			bySub[n.ec.Subject] = n
		}
	}

	var anchorNode *node
	for depth := 1; depth <= maxDepthReached && depth <= maxPathLength; depth++ {
		for _, n := range tree[depth] {
			if n.ec.Subject == anchor.Subject {
				anchorNode = n
				break
			}
		}
		if anchorNode != nil {
			break
		}
	}
	if anchorNode == nil {
		return nil, diagnostics, resolvererrors.NewMetadataDiscoveryExceptionError(
			fmt.Sprintf("no path from %s to anchor %s within max_path_length=%d", subject.Subject, anchor.Subject, maxPathLength), nil)
	}

	// Walk parent pointers from the anchor node back to the subject.
	var reversed []*node
	cur := anchorNode
	for {
		reversed = append(reversed, cur)
		if cur.parentSub == "" {
			break
		}
		parent, ok := bySub[cur.parentSub]
		if !ok {
			return nil, diagnostics, resolvererrors.NewMetadataDiscoveryExceptionError(
				"internal discovery inconsistency: dangling parent reference", nil)
		}
		cur = parent
	}

	path := make([]*oidcfed.VerifiedNode, len(reversed))
	for i, n := range reversed {
		path[len(reversed)-1-i] = &oidcfed.VerifiedNode{
			EC:                           n.ec,
			VerifiedBySuperiors:          n.verifiedBy,
			VerifiedDescendantStatements: n.statements,
		}
	}
	return path, diagnostics, nil
}

// composeMetadata implements §4.5 step 5: start from the subject's own
// metadata document, then walk anchor-end toward subject-end (excluding
// the subject itself) applying each hop's metadata_policy.
func composeMetadata(path []*oidcfed.VerifiedNode, metadataType string) (map[string]any, error) {
	if len(path) == 0 {
		return nil, resolvererrors.NewMetadataDiscoveryExceptionError("empty trust path", nil)
	}
	subjectNode := path[0]
	rawMetadata, ok := subjectNode.EC.Metadata[metadataType]
	if !ok {
		return nil, resolvererrors.NewMetadataDiscoveryExceptionError(
			fmt.Sprintf("subject %s has no %s metadata", subjectNode.EC.Subject, metadataType), nil)
	}

	var metadata map[string]any
	if err := json.Unmarshal(rawMetadata, &metadata); err != nil {
		return nil, resolvererrors.NewMalformedResponseError("subject metadata is not a JSON object", err)
	}

	// path[0] is the subject; path[len-1] is the anchor. Walk from the
	// anchor end (len-1) down to the first hop above the subject (1): at
	// each step the descendant (path[i-1]) carries the SS its superior
	// (path[i]) issued about it, keyed by the superior's sub.
	for i := len(path) - 1; i >= 1; i-- {
		superior := path[i]
		descendant := path[i-1]
		ss, ok := descendant.VerifiedDescendantStatements[superior.EC.Subject]
		if !ok {
			continue
		}
		rawPolicy, ok := ss.MetadataPolicy[metadataType]
		if !ok {
			continue
		}
		var policyDoc map[string]json.RawMessage
		if err := json.Unmarshal(rawPolicy, &policyDoc); err != nil {
			return nil, resolvererrors.NewMalformedResponseError(
				fmt.Sprintf("metadata_policy from %s is not a JSON object", ss.Issuer), err)
		}
		applied, err := policy.ApplyPolicy(metadata, policyDoc)
		if err != nil {
			return nil, err
		}
		metadata = applied
	}

	return metadata, nil
}

// chainExpiration returns the minimum exp across every EC in path, per
// §4.5 step 6.
func chainExpiration(path []*oidcfed.VerifiedNode) time.Time {
	var earliest time.Time
	for i, n := range path {
		exp := time.Unix(n.EC.ExpiresAt, 0)
		if i == 0 || exp.Before(earliest) {
			earliest = exp
		}
	}
	return earliest
}

// ctxErr reports ctx's cancellation, distinguishing an elapsed deadline from
// an ordinary cancellation per §7's separate DeadlineExceeded/Cancelled
// taxonomy entries. Returns nil if ctx is not yet done.
func ctxErr(ctx context.Context, stage string) error {
	select {
	case <-ctx.Done():
	default:
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return resolvererrors.NewDeadlineExceededError(fmt.Sprintf("%s deadline exceeded", stage), ctx.Err())
	}
	return resolvererrors.NewCancelledError(fmt.Sprintf("%s cancelled", stage), ctx.Err())
}

func (r *Resolver) fail(cfg Config, err error) (*oidcfed.TrustChain, error) {
	return r.failWithDiagnostics(cfg, err, nil)
}

func (r *Resolver) failWithDiagnostics(cfg Config, err error, diagnostics []string) (*oidcfed.TrustChain, error) {
	kind := "unknown"
	var resErr *resolvererrors.Error
	if errors.As(err, &resErr) {
		kind = resErr.Type
	}
	logger.Warnw("trust chain resolution failed", "subject", cfg.Subject, "anchor", cfg.TrustAnchor, "kind", kind, "reason", err.Error())
	return &oidcfed.TrustChain{
		IsValid:     false,
		Subject:     cfg.Subject,
		Anchor:      cfg.TrustAnchor,
		ErrorKind:   kind,
		Diagnostics: diagnostics,
	}, err
}
