package basic

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/walletd/cmd/helpers"
)

var DeleteCmd = &cobra.Command{
	Use:           "delete",
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "Delete data at a path",
	Long: `
Usage: walletd delete PATH

  Deletes the resource at the given path. Paths take the form
  "wallet/resource" or "sys/path/to/resource" and map directly onto
  the server's API routes.

  Examples:

    Remove a key from the wallet:

      $ walletd delete wallet/keys/k-5f2d

    Remove a user from the wallet:

      $ walletd delete wallet/users/bob
`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

var deleteFormat string

func init() {
	DeleteCmd.Flags().StringVarP(&deleteFormat, "format", "f", "table", "Output format: table, json")
}

func runDelete(cmd *cobra.Command, args []string) error {
	path := args[0]

	c, err := helpers.Client()
	if err != nil {
		return err
	}

	resource, err := c.Operator().Delete(path)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}

	// Many delete routes respond with an empty body on success.
	if resource == nil || resource.Data == nil {
		fmt.Printf("Successfully deleted: %s\n", path)
		return nil
	}

	switch deleteFormat {
	case "json":
		return printJSON(resource.Data)
	case "table":
		if msg, ok := resource.Data["message"]; ok {
			fmt.Println(msg)
		} else {
			helpers.PrintMapAsTable(resource.Data)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", deleteFormat)
	}
}
