package basic

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/walletd/cmd/helpers"
)

var ReadCmd = &cobra.Command{
	Use:           "read",
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "Read data from a path",
	Long: `
Usage: walletd read PATH

  Reads the resource at the given path. Paths take the form
  "wallet/resource" or "sys/path/to/resource" and map directly onto
  the server's API routes.

  Examples:

    Read the wallet metadata:

      $ walletd read wallet/

    Read one key's metadata:

      $ walletd read wallet/keys/k-5f2d

    Read system mounts:

      $ walletd read sys/mounts
`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

var readFormat string

func init() {
	ReadCmd.Flags().StringVarP(&readFormat, "format", "f", "table", "Output format: table, json")
}

func runRead(cmd *cobra.Command, args []string) error {
	path := args[0]

	c, err := helpers.Client()
	if err != nil {
		return err
	}

	resource, err := c.Operator().Read(path)
	if err != nil {
		return fmt.Errorf("failed to read from %s: %w", path, err)
	}
	if resource == nil || resource.Data == nil {
		fmt.Fprintf(os.Stderr, "No data found at path: %s\n", path)
		return nil
	}

	if readFormat == "json" {
		return printJSON(resource.Data)
	}
	if readFormat != "table" {
		return fmt.Errorf("unknown output format: %s", readFormat)
	}
	helpers.PrintMapAsTable(resource.Data)
	return nil
}

// printJSON renders a response body as indented JSON on stdout. Shared
// by the read and delete subcommands.
func printJSON(data map[string]any) error {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
