package operator

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	OperatorCmd = &cobra.Command{
		Use:   "operator",
		Short: "Perform administrative operations on Walletd",
		Long: `The operator command provides administrative operations for managing Walletd.

This includes system initialization, seal/unseal operations, and other
operational tasks required to maintain and manage a Walletd server.

Available subcommands:
  - init: Initialize Walletd and generate unseal key shares
  - unseal: Provide one unseal key share
  - seal: Seal the server
  - seal-status: Show the seal status

Usage:
  $ walletd operator <subcommand> [options]

Examples:
  $ walletd operator init
  $ walletd operator unseal
  $ walletd operator seal-status
`,
	}
)

func Execute() {
	if err := OperatorCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	OperatorCmd.AddCommand(initCmd)
	OperatorCmd.AddCommand(unsealCmd)
	OperatorCmd.AddCommand(sealCmd)
	OperatorCmd.AddCommand(sealStatusCmd)
}