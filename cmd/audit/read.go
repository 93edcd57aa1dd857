package audit

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/stephnangue/walletd/cmd/helpers"
)

var ReadCmd = &cobra.Command{
	Use:           "read PATH",
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "Show information on an audit device",
	Long: `
Usage: walletd audit read PATH

  Show information on an audit device enabled on the provided PATH.

  Read the audit device enabled at file/:

      $ walletd audit read file/
`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

func runRead(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}

	path := normalizeDevicePath(args, "")

	// The server only exposes the full table, so look the path up there
	audits, err := c.Sys().ListAudit()
	if err != nil {
		return fmt.Errorf("error listing audit devices: %w", err)
	}
	auditInfo, ok := audits[path]
	if !ok {
		return fmt.Errorf("no audit device enabled at path %s", path)
	}

	data := [][]any{
		{"path", path},
		{"type", auditInfo.Type},
		{"accessor", auditInfo.Accessor},
		{"description", auditInfo.Description},
	}

	// Options are keyed alphabetically so output stays stable
	optionKeys := make([]string, 0, len(auditInfo.Options))
	for key := range auditInfo.Options {
		optionKeys = append(optionKeys, key)
	}
	sort.Strings(optionKeys)
	for _, key := range optionKeys {
		data = append(data, []any{"options." + key, auditInfo.Options[key]})
	}

	helpers.PrintTable([]string{"Key", "Value"}, data)
	return nil
}
