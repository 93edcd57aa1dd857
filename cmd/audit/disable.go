package audit

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/walletd/cmd/helpers"
)

var DisableCmd = &cobra.Command{
	Use:           "disable PATH",
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "This command disables an audit device.",
	Long: `
Usage: walletd audit disable PATH

  Disables the audit device enabled at PATH.

  WARNING: Disabling an audit device discards its HMAC salt, so entries
  in historical audit logs can no longer be correlated. Re-enabling a
  device at the same path creates a fresh salt.

  Disable the audit device enabled at file/:

      $ walletd audit disable file/
`,
	Args: cobra.ExactArgs(1),
	RunE: runDisable,
}

func runDisable(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}

	path := args[0]
	if err := c.Sys().DisableAudit(path); err != nil {
		return fmt.Errorf("error disabling audit device at path %s: %w", path, err)
	}

	fmt.Printf("Success! Disabled audit device at: %s\n", path)
	return nil
}
