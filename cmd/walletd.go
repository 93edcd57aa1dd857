package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/walletd/cmd/audit"
	"github.com/stephnangue/walletd/cmd/basic"
	"github.com/stephnangue/walletd/cmd/operator"
	"github.com/stephnangue/walletd/cmd/server"
)

var walletdCmd = &cobra.Command{
	Use:   "walletd",
	Short: "Walletd is a sealed credential wallet for keys, users and tokens",
	Long: `Walletd manages a wallet of cryptographic keys and users behind an
encrypted storage barrier. Keys never leave the server: members generate or
import key material, then sign and verify compact tokens through the API,
while admins manage wallet membership.`,
}

func Execute() {
	if err := walletdCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	walletdCmd.AddCommand(server.ServerCmd)
	walletdCmd.AddCommand(operator.OperatorCmd)
	walletdCmd.AddCommand(audit.AuditCmd)
	walletdCmd.AddCommand(basic.ReadCmd)
	walletdCmd.AddCommand(basic.WriteCmd)
	walletdCmd.AddCommand(basic.ListCmd)
	walletdCmd.AddCommand(basic.DeleteCmd)
	walletdCmd.AddCommand(basic.PathHelpCmd)
}
