package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/mesa-payments/internal/credentials"
	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/security"
)

var sealableColumns = map[string]bool{"secret_key": true, "webhook_secret": true}

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored provider secrets",
	}
	var id, column string
	seal := &cobra.Command{
		Use:   "seal [secret]",
		Short: "Encrypt a secret for one gateway_credentials column",
		Long: `Prints the sealed value to store in gateway_credentials. The value only
opens for the credential row and column it was sealed for.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			credentialID, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("invalid credential id %q", id)
			}
			if !sealableColumns[column] {
				return fmt.Errorf("column %q is not sealable", column)
			}
			// Only the credentials section is needed; sealing works offline.
			_ = godotenv.Load()
			var cfg config.CredentialsConfig
			if err := envconfig.Process(config.EnvPrefix, &cfg); err != nil {
				return fmt.Errorf("load credentials config: %w", err)
			}
			sealer, err := security.NewSealer(cfg)
			if err != nil {
				return err
			}
			sealed, err := sealer.Seal(args[0], credentials.SealBinding(credentialID, column))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
	seal.Flags().StringVar(&id, "id", "", "gateway_credentials row id")
	seal.Flags().StringVar(&column, "column", "secret_key", "secret_key or webhook_secret")
	_ = seal.MarkFlagRequired("id")
	cmd.AddCommand(seal)
	return cmd
}
