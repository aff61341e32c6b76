// Package app provides the entry point for the trustresolve command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/trustresolve/pkg/logger"
)

// NewRootCmd creates a new root command for the trustresolve CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "trustresolve",
		DisableAutoGenTag: true,
		Short:             "trustresolve resolves OpenID Connect Federation trust chains",
		Long: `trustresolve walks an OpenID Connect Federation entity's authority_hints
up to a named trust anchor, verifying signatures and applying metadata
policy at every hop, and reports the resulting trust chain and composed
metadata document.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Debug flag (bound to viper; the log level stays at info)")
	rootCmd.PersistentFlags().String("config", "", "Config file path (bound to viper; no config file is read)")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("error binding debug flag: %v", err)
	}
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("error binding config flag: %v", err)
	}

	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.SilenceUsage = true

	return rootCmd
}
