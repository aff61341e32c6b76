package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/trustresolve/pkg/logger"
	"github.com/stacklok/trustresolve/pkg/oidcfed/chain"
	"github.com/stacklok/trustresolve/pkg/oidcfed/fetch"
	"github.com/stacklok/trustresolve/pkg/oidcfed/trustmark"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve a trust chain from a subject entity to a trust anchor",
	Long: `resolve fetches and validates the subject's entity configuration, walks its
authority_hints up to the named trust anchor, composes the requested
metadata document, and prints the resulting trust chain as JSON.`,
	RunE: runResolve,
}

func init() {
	flags := resolveCmd.Flags()
	flags.String("subject", "", "Subject entity URL (required)")
	flags.String("anchor", "", "Trust anchor entity URL (required)")
	flags.String("metadata-type", chain.DefaultMetadataType, "Metadata type to resolve (openid_provider, openid_relying_party, oauth_resource)")
	flags.StringArray("required-trust-mark", nil, "Required trust mark ID; may be repeated")
	flags.Int("max-authority-hints", chain.DefaultMaxAuthorityHints, "Maximum authority_hints followed per hop")
	flags.Duration("timeout", 30*time.Second, "Overall resolution deadline")
	flags.String("ca-cert", "", "Path to an additional CA bundle for federation HTTPS endpoints")
	flags.String("auth-token-file", "", "Path to a bearer token used to authenticate fetches")
	flags.Bool("allow-private-ips", false, "Allow fetches to resolve to private/loopback addresses (testing only)")

	for _, name := range []string{
		"subject", "anchor", "metadata-type", "required-trust-mark",
		"max-authority-hints", "timeout", "ca-cert", "auth-token-file", "allow-private-ips",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			logger.Errorf("error binding %s flag: %v", name, err)
		}
	}

	if err := resolveCmd.MarkFlagRequired("subject"); err != nil {
		logger.Errorf("error marking subject flag required: %v", err)
	}
	if err := resolveCmd.MarkFlagRequired("anchor"); err != nil {
		logger.Errorf("error marking anchor flag required: %v", err)
	}
}

func runResolve(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
	defer cancel()

	f, err := fetch.New(fetch.Config{
		VerifyTLS:         true,
		CACertPath:        viper.GetString("ca-cert"),
		AuthTokenFilePath: viper.GetString("auth-token-file"),
		AllowPrivateIPs:   viper.GetBool("allow-private-ips"),
	})
	if err != nil {
		return fmt.Errorf("failed to build fetcher: %w", err)
	}

	resolver := chain.NewResolver()
	result, err := resolver.Resolve(ctx, chain.Config{
		Subject:            viper.GetString("subject"),
		TrustAnchor:        viper.GetString("anchor"),
		MetadataType:       viper.GetString("metadata-type"),
		RequiredTrustMarks: viper.GetStringSlice("required-trust-mark"),
		MaxAuthorityHints:  viper.GetInt("max-authority-hints"),
		Fetcher:            f,
		TrustMarkKeys:      &trustmark.FetcherKeySource{Fetcher: f},
	})

	output := resolveOutput{
		IsValid:       result.IsValid,
		Subject:       result.Subject,
		Anchor:        result.Anchor,
		MetadataType:  result.MetadataType,
		FinalMetadata: result.FinalMetadata,
		Diagnostics:   result.Diagnostics,
		ErrorKind:     result.ErrorKind,
	}
	if result.IsValid {
		output.Expiry = result.Exp.UTC().Format(time.RFC3339)
	}
	if err != nil {
		output.Error = err.Error()
	}

	encoded, encErr := json.MarshalIndent(output, "", "  ")
	if encErr != nil {
		return fmt.Errorf("failed to encode result: %w", encErr)
	}
	cmd.Println(string(encoded))

	if !result.IsValid {
		return fmt.Errorf("trust chain resolution failed: %s", output.ErrorKind)
	}
	return nil
}

// resolveOutput is the CLI's JSON result shape; kept distinct from
// oidcfed.TrustChain so unexported validation state never leaks into the
// printed document.
type resolveOutput struct {
	IsValid       bool           `json:"is_valid"`
	Subject       string         `json:"subject"`
	Anchor        string         `json:"anchor"`
	MetadataType  string         `json:"metadata_type"`
	FinalMetadata map[string]any `json:"final_metadata,omitempty"`
	Expiry        string         `json:"exp,omitempty"`
	Diagnostics   []string       `json:"diagnostics,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	Error         string         `json:"error,omitempty"`
}
