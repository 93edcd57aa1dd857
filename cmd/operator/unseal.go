package operator

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stephnangue/walletd/cmd/helpers"
	"golang.org/x/term"
)

var (
	unsealReset bool

	unsealCmd = &cobra.Command{
		Use:           "unseal [KEY]",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Provide one unseal key share",
		Long: `
Provide a portion of the root key to unseal a Walletd server.

Walletd starts sealed and must be presented with the threshold number of
unseal key shares before it can decrypt its storage and serve requests.
The key may be given as an argument, otherwise it is read from the
terminal without echo.

Usage:
  # Provide one share, prompted without echo
  $ walletd operator unseal

  # Provide one share directly (shell history will record it)
  $ walletd operator unseal <key>

  # Discard any previously entered shares and start over
  $ walletd operator unseal --reset
`,
		Args: cobra.MaximumNArgs(1),
		RunE: runUnseal,
	}
)

func init() {
	unsealCmd.Flags().BoolVar(&unsealReset, "reset", false, "Discard previously entered unseal key shares")
}

func runUnseal(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}

	if unsealReset {
		status, err := c.Sys().ResetUnsealProcess()
		if err != nil {
			return fmt.Errorf("failed to reset unseal process: %w", err)
		}
		fmt.Println("Unseal progress reset")
		printSealStatus(status)
		return nil
	}

	var key string
	if len(args) == 1 {
		key = strings.TrimSpace(args[0])
	} else {
		fmt.Fprint(os.Stderr, "Unseal Key (will be hidden): ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read unseal key: %w", err)
		}
		key = strings.TrimSpace(string(raw))
	}
	if key == "" {
		return fmt.Errorf("unseal key cannot be empty")
	}

	status, err := c.Sys().Unseal(key)
	if err != nil {
		return fmt.Errorf("unseal failed: %w", err)
	}

	printSealStatus(status)
	return nil
}
