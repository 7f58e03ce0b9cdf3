// Package main is the entry point for the tokenswipe binary.
// It serves the swap API and offers quote and certificate helpers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "1.0.0"

const (
	defaultEnvFile  = ".env"
	defaultLogLevel = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tokenswipe",
		Short: "Swap quote aggregation and custodial wallet service",
		Long: `tokenswipe signs users in with Google, provisions a custodial wallet per
user, aggregates quotes across liquidity venues and signs swap transactions.

Example:
  tokenswipe serve --config tokenswipe.yaml
  tokenswipe quote --in WETH --out USDC --amount 1.5`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().String("env-file", defaultEnvFile, "Path to a .env file loaded before configuration")

	rootCmd.AddCommand(newServeCmd(), newQuoteCmd(), newCertCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "tokenswipe %s\n", version)
			return err
		},
	}
}

// configFlags reads the persistent flags shared by all subcommands.
func configFlags(cmd *cobra.Command) (configPath, envFile string, err error) {
	configPath, err = cmd.Flags().GetString("config")
	if err != nil {
		return "", "", fmt.Errorf("failed to get config flag: %w", err)
	}
	envFile, err = cmd.Flags().GetString("env-file")
	if err != nil {
		return "", "", fmt.Errorf("failed to get env-file flag: %w", err)
	}
	return configPath, envFile, nil
}
