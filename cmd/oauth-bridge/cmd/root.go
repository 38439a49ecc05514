// Package cmd implements the oauth-bridge command line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the oauth-bridge binary.
var rootCmd = &cobra.Command{
	Use:   "oauth-bridge",
	Short: "OAuth 2.1 authorization-code broker",
	Long: `oauth-bridge brokers the OAuth 2.1 Authorization Code + PKCE flow
between downstream clients and an upstream OAuth provider. Upstream tokens
stay server-side; downstream clients receive broker-minted proxy tokens.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from main with
// the build-time version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "oauth-bridge version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
