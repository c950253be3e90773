package proxycmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"interceptproxy/internal/cert"
	"interceptproxy/internal/config"
)

// gencaCmd forces CA (re)generation, mirroring the rollback/backup
// messaging of the teacher's rename-aside-then-replace idiom
// (_teacher_ref/upgradepackage.go): an identical regeneration is reported as
// a no-op rather than an error.
func gencaCmd() *cobra.Command {
	var certPath, keyPath string

	cmd := &cobra.Command{
		Use:   "genca",
		Short: "Generate (or rotate) the root CA used for TLS interception",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := cert.NewStore(certPath, keyPath, config.New(config.Values{}))
			_, err := store.GenerateCA()
			switch {
			case errors.Is(err, cert.ErrIdenticalCA):
				fmt.Fprintln(cmd.OutOrStdout(), "regenerated CA was identical to the existing one; rolled back, nothing changed")
				return nil
			case err != nil:
				return fmt.Errorf("generating CA: %w", err)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "generated new CA at %s\n", certPath)
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&certPath, "ca-cert", "./certs/ca_cert.pem", "path to the CA certificate file")
	cmd.Flags().StringVar(&keyPath, "ca-key", "./certs/ca_key.pem", "path to the CA private key file")
	return cmd
}
