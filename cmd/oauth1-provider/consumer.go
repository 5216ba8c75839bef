package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/alexjbarnes/oauth1-provider/internal/consumer"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/spf13/cobra"
)

// generatedSecretBytes is the entropy of a consumer secret created by
// "consumer add" when none is given.
const generatedSecretBytes = 24

func newConsumerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "Manage registered consumers",
	}

	cmd.AddCommand(
		newConsumerAddCmd(),
		newConsumerListCmd(),
		newConsumerRemoveCmd(),
		newConsumerImportCmd(),
	)

	return cmd
}

func newConsumerAddCmd() *cobra.Command {
	var (
		name           string
		description    string
		method         string
		consumerSecret string
		publicKeyFile  string
		callback       string
	)

	cmd := &cobra.Command{
		Use:   "add KEY",
		Short: "Register a consumer",
		Long: `Registers a consumer under KEY. HMAC-SHA1 consumers get a generated
secret unless --secret is given; RSA-SHA1 consumers need --public-key-file
pointing at a PEM encoded public key or certificate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sm, err := models.ParseSignatureMethod(method)
			if err != nil {
				return err
			}

			opts := []models.ConsumerOption{
				models.WithDescription(description),
				models.WithDefaultCallback(callback),
			}

			env, err := openAdmin(cmd)
			if err != nil {
				return err
			}
			defer env.backend.Close()

			if !env.backend.persistent {
				return errNoPersistentRegistry
			}

			generated := false

			switch sm {
			case models.RSASHA1:
				if publicKeyFile == "" {
					return fmt.Errorf("--public-key-file is required for RSA-SHA1")
				}

				data, err := os.ReadFile(publicKeyFile)
				if err != nil {
					return fmt.Errorf("reading public key: %w", err)
				}

				key, err := models.ParsePublicKey(string(data))
				if err != nil {
					return err
				}

				opts = append(opts, models.WithPublicKey(key))
			default:
				if consumerSecret == "" {
					consumerSecret = env.gen.Hex(generatedSecretBytes)
					generated = true
				}

				opts = append(opts, models.WithConsumerSecret(consumerSecret))
			}

			if name == "" {
				name = args[0]
			}

			c, err := models.NewConsumer(args[0], name, sm, opts...)
			if err != nil {
				return err
			}

			if err := env.backend.consumers.Add(cmd.Context(), c); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "registered consumer %q (%s)\n", c.Key, c.SignatureMethod)
			if generated {
				fmt.Fprintf(out, "consumer secret: %s\n", consumerSecret)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name shown on the authorize page (defaults to KEY)")
	cmd.Flags().StringVar(&description, "description", "", "description shown on the authorize page")
	cmd.Flags().StringVar(&method, "signature-method", string(models.HMACSHA1), "HMAC-SHA1 or RSA-SHA1")
	cmd.Flags().StringVar(&consumerSecret, "secret", "", "shared secret for HMAC-SHA1 (generated when empty)")
	cmd.Flags().StringVar(&publicKeyFile, "public-key-file", "", "PEM public key or certificate for RSA-SHA1")
	cmd.Flags().StringVar(&callback, "callback", "", "default callback URL")

	return cmd
}

func newConsumerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered consumers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openAdmin(cmd)
			if err != nil {
				return err
			}
			defer env.backend.Close()

			consumers, err := env.backend.consumers.GetAll(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tNAME\tMETHOD\tCALLBACK")

			for _, c := range consumers {
				callback := c.DefaultCallback
				if callback == "" {
					callback = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Key, c.Name, c.SignatureMethod, callback)
			}

			return tw.Flush()
		},
	}
}

func newConsumerRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove KEY",
		Short: "Deregister a consumer and revoke its tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openAdmin(cmd)
			if err != nil {
				return err
			}
			defer env.backend.Close()

			if !env.backend.persistent {
				return errNoPersistentRegistry
			}

			ctx := cmd.Context()

			if err := env.backend.consumers.Delete(ctx, args[0]); err != nil {
				return err
			}

			n, err := env.service.RevokeConsumerTokens(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed consumer %q and %d token(s)\n", args[0], n)

			return nil
		},
	}
}

func newConsumerImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Register or update the consumers in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			consumers, err := consumer.LoadFile(args[0])
			if err != nil {
				return err
			}

			env, err := openAdmin(cmd)
			if err != nil {
				return err
			}
			defer env.backend.Close()

			if !env.backend.persistent {
				return errNoPersistentRegistry
			}

			if err := consumer.Sync(cmd.Context(), env.backend.consumers, consumers, env.logger); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "imported %d consumer(s)\n", len(consumers))

			return nil
		},
	}
}
