package operator

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/stephnangue/walletd/api"
	"github.com/stephnangue/walletd/cmd/helpers"
)

var sealStatusCmd = &cobra.Command{
	Use:           "seal-status",
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "Show the seal status of the Walletd server",
	Long: `
Show whether the Walletd server is initialized and sealed, along with
the seal type and unseal progress.

Usage:
  $ walletd operator seal-status
`,
	Args: cobra.NoArgs,
	RunE: runSealStatus,
}

func runSealStatus(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}

	status, err := c.Sys().SealStatus()
	if err != nil {
		return fmt.Errorf("failed to read seal status: %w", err)
	}

	printSealStatus(status)
	return nil
}

func printSealStatus(status *api.SealStatusResponse) {
	rows := [][]any{
		{"seal_type", status.Type},
		{"initialized", strconv.FormatBool(status.Initialized)},
		{"sealed", strconv.FormatBool(status.Sealed)},
		{"storage_type", status.StorageType},
	}
	if status.Sealed {
		rows = append(rows,
			[]any{"unseal_progress", fmt.Sprintf("%d/%d", status.Progress, status.T)},
			[]any{"unseal_nonce", status.Nonce},
		)
	}
	rows = append(rows, []any{"key_shares", strconv.Itoa(status.N)}, []any{"key_threshold", strconv.Itoa(status.T)})

	helpers.PrintTable([]string{"Property", "Value"}, rows)
}
