package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect and revoke issued tokens",
	}

	cmd.AddCommand(
		newTokenListCmd(),
		newTokenRevokeCmd(),
		newTokenSweepCmd(),
	)

	return cmd
}

func newTokenListCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the access tokens a user has granted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openAdmin(cmd)
			if err != nil {
				return err
			}
			defer env.backend.Close()

			tokens, err := env.service.ListAccessTokens(cmd.Context(), user)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TOKEN\tCONSUMER\tCREATED\tEXPIRES")

			for _, t := range tokens {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					t.Value,
					t.ConsumerKey,
					time.UnixMilli(t.CreationTime).UTC().Format(time.RFC3339),
					t.ExpiresAt().UTC().Format(time.RFC3339),
				)
			}

			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user whose tokens to list")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newTokenRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke TOKEN",
		Short: "Revoke an access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openAdmin(cmd)
			if err != nil {
				return err
			}
			defer env.backend.Close()

			if err := env.service.RevokeAccessToken(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "token revoked")

			return nil
		},
	}
}

func newTokenSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openAdmin(cmd)
			if err != nil {
				return err
			}
			defer env.backend.Close()

			n, err := env.service.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired token(s)\n", n)

			return nil
		},
	}
}
