// Package api implements the HTTP front end of the trust chain resolver: a
// single /resolve endpoint plus health and metrics endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	authmiddleware "github.com/stacklok/trustresolve/pkg/auth/middleware"
	"github.com/stacklok/trustresolve/pkg/auth/token"
	"github.com/stacklok/trustresolve/pkg/logger"
	"github.com/stacklok/trustresolve/pkg/oidcfed/chain"
	"github.com/stacklok/trustresolve/pkg/oidcfed/trustmark"
)

// DefaultRequestTimeout bounds a single /resolve call when Deps.
// RequestTimeout is left at zero.
const DefaultRequestTimeout = 30 * time.Second

// Deps are the server's external collaborators, shared across requests.
type Deps struct {
	Resolver       *chain.Resolver
	Fetcher        chain.Fetcher
	TrustMarkKeys  trustmark.IssuerKeySource
	RequestTimeout time.Duration

	// Authenticator validates the bearer token on inbound requests. Nil
	// disables authentication, leaving /resolve open.
	Authenticator *token.Validator
}

func (d Deps) requestTimeout() time.Duration {
	if d.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return d.RequestTimeout
}

// NewServer builds the chi router for the resolver HTTP API.
func NewServer(deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Timeout(deps.requestTimeout()))

	r.Get("/healthz", handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.With(authmiddleware.RequireBearerToken(deps.Authenticator)).
		Get("/resolve", handleResolve(deps))

	return r
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// LoggingMiddleware logs one line per request at completion, matching the
// teacher's own registry-API request-logging middleware shape (method,
// path, status, duration) but through this project's logger package.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Infow("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
