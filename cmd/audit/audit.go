package audit

import "github.com/spf13/cobra"

var (
	AuditCmd = &cobra.Command{
		Use:   "audit",
		Short: "This command groups subcommands for managing Walletd's audit devices.",
		Long: `
Usage: walletd audit <subcommand> [options]

  This command groups subcommands for managing Walletd's audit devices.
  Audit devices are responsible for logging all requests and responses
  for security compliance and forensics.

  List all enabled audit devices:

      $ walletd audit list

  Enable a new audit device:

      $ walletd audit enable --type=file --file-path=/var/log/walletd-audit.log

  Read audit device details:

      $ walletd audit read file/

  Disable an audit device:

      $ walletd audit disable file/

  Please see the individual subcommand help for detailed usage information.
`,
	}
)

func init() {
	AuditCmd.AddCommand(EnableCmd)
	AuditCmd.AddCommand(DisableCmd)
	AuditCmd.AddCommand(ListCmd)
	AuditCmd.AddCommand(ReadCmd)
}
