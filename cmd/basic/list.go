package basic

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/walletd/cmd/helpers"
)

var (
	ListCmd = &cobra.Command{
		Use:           "list",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "List data from a path",
		Long: `
Usage: walletd list PATH

  Lists the keys found under the given path, for paths in the form
  "wallet/resource" or "sys/path/to/resource".

  Examples:

    List wallet keys:

      $ walletd list wallet/keys

    List wallet users:

      $ walletd list wallet/users
`,
		Args: cobra.ExactArgs(1),
		RunE: runList,
	}

	// Output format flag for list
	listOutputFormat string
)

func init() {
	ListCmd.Flags().StringVarP(&listOutputFormat, "format", "f", "table", "Output format: table, json")
}

func runList(cmd *cobra.Command, args []string) error {
	path := args[0]

	c, err := helpers.Client()
	if err != nil {
		return err
	}

	resource, err := c.Operator().List(path)
	if err != nil {
		return fmt.Errorf("failed to list from %s: %w", path, err)
	}

	if resource == nil || resource.Data == nil {
		fmt.Fprintf(os.Stderr, "No data found at path: %s\n", path)
		return nil
	}

	switch listOutputFormat {
	case "json":
		output, err := json.MarshalIndent(resource.Data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal response: %w", err)
		}
		fmt.Println(string(output))
		return nil
	case "table":
		printKeys(resource.Data)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", listOutputFormat)
	}
}

// keyStrings pulls the "keys" entry out of a list response. The server
// encodes it as []string, but after a JSON round trip it arrives as
// []interface{}.
func keyStrings(data map[string]any) []string {
	switch v := data["keys"].(type) {
	case []string:
		return v
	case []interface{}:
		keys := make([]string, 0, len(v))
		for _, key := range v {
			keys = append(keys, fmt.Sprintf("%v", key))
		}
		return keys
	default:
		return nil
	}
}

// printKeys prints the keys in the format:
//
//	Keys
//	  key1
//	  key2
func printKeys(data map[string]any) {
	keys := keyStrings(data)
	if len(keys) == 0 {
		fmt.Println("No keys found")
		return
	}

	fmt.Println("Keys")
	for _, key := range keys {
		fmt.Printf("  %s\n", key)
	}
}
