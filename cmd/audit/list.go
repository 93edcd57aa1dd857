package audit

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/stephnangue/walletd/cmd/helpers"
)

var ListCmd = &cobra.Command{
	Use:           "list",
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "Lists the enabled audit devices on the Walletd server",
	Long: `
Usage: walletd audit list

  Lists the enabled audit devices along with each device's type,
  accessor and description.

  List all enabled audit devices:

      $ walletd audit list
`,
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}

	audits, err := c.Sys().ListAudit()
	if err != nil {
		return fmt.Errorf("error listing audit devices: %w", err)
	}

	if len(audits) == 0 {
		fmt.Println("No audit devices enabled")
		return nil
	}

	paths := make([]string, 0, len(audits))
	for path := range audits {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	rows := make([][]any, 0, len(paths))
	for _, path := range paths {
		device := audits[path]
		rows = append(rows, []any{path, device.Type, device.Accessor, device.Description})
	}

	helpers.PrintTable([]string{"Path", "Type", "Accessor", "Description"}, rows)
	return nil
}
