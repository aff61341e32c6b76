package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/stacklok/trustresolve/pkg/errors"
	"github.com/stacklok/trustresolve/pkg/oidcfed/chain"
)

// resolveResponse is the JSON body of a /resolve response.
type resolveResponse struct {
	IsValid       bool           `json:"is_valid"`
	Subject       string         `json:"subject"`
	Anchor        string         `json:"anchor"`
	MetadataType  string         `json:"metadata_type"`
	FinalMetadata map[string]any `json:"final_metadata,omitempty"`
	Exp           string         `json:"exp,omitempty"`
	Diagnostics   []string       `json:"diagnostics,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// handleResolve serves GET /resolve?sub=&anchor=&type=&required_trust_mark=.
func handleResolve(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		subject := q.Get("sub")
		anchor := q.Get("anchor")
		if subject == "" || anchor == "" {
			writeJSONError(w, http.StatusBadRequest, errors.ErrInvalidConfiguration, "sub and anchor query parameters are required")
			return
		}

		metadataType := q.Get("type")
		if metadataType == "" {
			metadataType = chain.DefaultMetadataType
		}

		maxHints := chain.DefaultMaxAuthorityHints
		if raw := q.Get("max_authority_hints"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, errors.ErrInvalidConfiguration, "max_authority_hints must be an integer")
				return
			}
			maxHints = parsed
		}

		result, err := deps.Resolver.Resolve(r.Context(), chain.Config{
			Subject:            subject,
			TrustAnchor:        anchor,
			MetadataType:       metadataType,
			RequiredTrustMarks: q["required_trust_mark"],
			MaxAuthorityHints:  maxHints,
			Fetcher:            deps.Fetcher,
			TrustMarkKeys:      deps.TrustMarkKeys,
		})

		resp := resolveResponse{
			IsValid:       result.IsValid,
			Subject:       result.Subject,
			Anchor:        result.Anchor,
			MetadataType:  result.MetadataType,
			FinalMetadata: result.FinalMetadata,
			Diagnostics:   result.Diagnostics,
			ErrorKind:     result.ErrorKind,
		}
		if result.IsValid {
			resp.Exp = result.Exp.UTC().Format(time.RFC3339)
		}

		status := http.StatusOK
		if err != nil {
			resp.Error = err.Error()
			status = statusForErrorKind(result.ErrorKind)
		}

		writeJSON(w, status, resp)
	}
}

// statusForErrorKind maps a resolver failure kind to the HTTP status a
// client should see: client-correctable input errors are 4xx, cancellation
// and deadline expiry are 504, and everything else (network, discovery, or
// signature failures the caller can't fix by changing their request) is 502.
func statusForErrorKind(kind string) int {
	switch kind {
	case errors.ErrInvalidConfiguration, errors.ErrInvalidRequiredTrustMark:
		return http.StatusBadRequest
	case errors.ErrCancelled, errors.ErrDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, resolveResponse{ErrorKind: kind, Error: message})
}
