package operator

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/walletd/cmd/helpers"
)

var sealCmd = &cobra.Command{
	Use:           "seal",
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "Seal the Walletd server",
	Long: `
Seal the Walletd server. Sealing discards the in-memory root key, so the
server stops serving requests until the threshold number of unseal key
shares is provided again.

Usage:
  $ walletd operator seal
`,
	Args: cobra.NoArgs,
	RunE: runSeal,
}

func runSeal(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}

	if err := c.Sys().Seal(); err != nil {
		return fmt.Errorf("failed to seal server: %w", err)
	}

	fmt.Println("Success! Walletd is sealed.")
	return nil
}
