package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/trustresolve/pkg/api"
	"github.com/stacklok/trustresolve/pkg/auth/token"
	"github.com/stacklok/trustresolve/pkg/logger"
	"github.com/stacklok/trustresolve/pkg/oidcfed/chain"
	"github.com/stacklok/trustresolve/pkg/oidcfed/fetch"
	"github.com/stacklok/trustresolve/pkg/oidcfed/trustmark"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the trust chain resolver as an HTTP service",
	Long:  `serve starts an HTTP server exposing /resolve, /healthz, and /metrics.`,
	RunE:  runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 45 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	flags := serveCmd.Flags()
	flags.String("address", ":8080", "Address to listen on")
	flags.Duration("request-timeout", api.DefaultRequestTimeout, "Per-request resolution deadline")
	flags.String("ca-cert", "", "Path to an additional CA bundle for federation HTTPS endpoints")
	flags.String("auth-token-file", "", "Path to a bearer token used to authenticate fetches")
	flags.Bool("allow-private-ips", false, "Allow fetches to resolve to private/loopback addresses (testing only)")
	flags.String("api-oidc-issuer", "", "OIDC issuer trusted to authenticate callers of this API; enables bearer auth on /resolve")
	flags.String("api-oidc-audience", "", "Expected audience claim for caller bearer tokens")
	flags.String("api-jwks-url", "", "JWKS URL for caller bearer tokens, overriding issuer discovery")

	for _, name := range []string{
		"address", "request-timeout", "ca-cert", "auth-token-file", "allow-private-ips",
		"api-oidc-issuer", "api-oidc-audience", "api-jwks-url",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			logger.Errorf("error binding %s flag: %v", name, err)
		}
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	address := viper.GetString("address")

	f, err := fetch.New(fetch.Config{
		VerifyTLS:         true,
		CACertPath:        viper.GetString("ca-cert"),
		AuthTokenFilePath: viper.GetString("auth-token-file"),
		AllowPrivateIPs:   viper.GetBool("allow-private-ips"),
	})
	if err != nil {
		return fmt.Errorf("failed to build fetcher: %w", err)
	}

	var authenticator *token.Validator
	if cfg := token.NewValidatorConfig(
		viper.GetString("api-oidc-issuer"), viper.GetString("api-oidc-audience"), viper.GetString("api-jwks-url"),
	); cfg != nil {
		cfg.CACertPath = viper.GetString("ca-cert")
		cfg.AllowPrivateIP = viper.GetBool("allow-private-ips")
		authenticator, err = token.NewValidator(context.Background(), *cfg)
		if err != nil {
			return fmt.Errorf("failed to build bearer token validator: %w", err)
		}
	}

	router := api.NewServer(api.Deps{
		Resolver:       chain.NewResolver(),
		Fetcher:        f,
		TrustMarkKeys:  &trustmark.FetcherKeySource{Fetcher: f},
		RequestTimeout: viper.GetDuration("request-timeout"),
		Authenticator:  authenticator,
	})

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infof("trust chain resolver listening on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("server forced to shutdown: %v", err)
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
