package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. Configuration comes from the
// environment (and a .env file) for every subcommand except
// hash-password.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "oauth1-provider",
		Short: "OAuth 1.0a service provider",
		Long: `oauth1-provider issues, authorizes and verifies OAuth 1.0a tokens so
consumer applications can act on behalf of a user without seeing the
user's password.

Run "oauth1-provider serve" to start the HTTP endpoints. The consumer and
token subcommands administer the same store the server uses.`,
		Version: Version,
		// Errors are already printed by cobra; usage on every failed
		// store call is noise.
		SilenceUsage: true,
	}

	root.SetVersionTemplate(`{{printf "oauth1-provider version %s\n" .Version}}`)

	root.AddCommand(
		newServeCmd(),
		newConsumerCmd(),
		newTokenCmd(),
		newHashPasswordCmd(),
	)

	return root
}
