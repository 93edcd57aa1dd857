package basic

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stephnangue/walletd/cmd/helpers"
)

var WriteCmd = &cobra.Command{
	Use:           "write",
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "Write data to a path",
	Long: `
Usage: walletd write PATH [DATA]

  Write data to the given path. The data can be provided as JSON via stdin,
  as JSON arguments, or as key=value pairs. The path should be in the format
  "wallet/resource" or "sys/path/to/resource" and will be converted to the
  appropriate API path.

  Generate a key using JSON via stdin:

      $ walletd write wallet/keys <<EOF
      {
        "description": "team signing key",
        "algorithm": "Ed25519"
      }
      EOF

  Add a user using key=value format:

      $ walletd write wallet/users user_id=bob role=user

  Import a key, reading the PEM from a file with the @ syntax:

      $ walletd write wallet/keys/import format=pem key_data=@signing-key.pem algorithm=Ed25519
`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWrite,
}

func runWrite(cmd *cobra.Command, args []string) error {
	path := args[0]

	c, err := helpers.Client()
	if err != nil {
		return err
	}

	data, err := collectWriteData(args[1:])
	if err != nil {
		return err
	}

	if _, err := c.Operator().Write(path, data); err != nil {
		return fmt.Errorf("failed to write to %s: %w", path, err)
	}

	fmt.Printf("Success! Data written to: %s\n", path)
	return nil
}

// collectWriteData builds the request body. Piped stdin wins and must
// be JSON; otherwise the remaining arguments are treated as key=value
// pairs, or as a single JSON document when the first one carries no
// "=".
func collectWriteData(args []string) (map[string]interface{}, error) {
	if stat, _ := os.Stdin.Stat(); stat != nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		return readStdinData()
	}
	if len(args) == 0 {
		return nil, nil
	}
	if strings.Contains(args[0], "=") {
		return parseKeyValuePairs(args)
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(strings.Join(args, " ")), &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from arguments: %w", err)
	}
	return data, nil
}

func readStdinData() (map[string]interface{}, error) {
	bytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read from stdin: %w", err)
	}
	if len(bytes) == 0 {
		return nil, nil
	}

	var data map[string]interface{}
	if err := json.Unmarshal(bytes, &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return data, nil
}

func parseKeyValuePairs(args []string) (map[string]interface{}, error) {
	raw := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found {
			return nil, fmt.Errorf("invalid key=value format: %s", arg)
		}
		raw[key] = value
	}

	// Values given as @file are replaced with the file contents,
	// e.g. key_data=@signing-key.pem for wallet/keys/import.
	raw, err := helpers.ResolveFileRefs(raw)
	if err != nil {
		return nil, err
	}

	data := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		data[key] = inferType(value)
	}
	return data, nil
}

// inferType guesses a concrete type for a key=value string: JSON
// documents, then integers, floats, booleans, falling back to the
// raw string.
func inferType(value string) interface{} {
	if strings.HasPrefix(value, "[") || strings.HasPrefix(value, "{") {
		var jsonValue interface{}
		if err := json.Unmarshal([]byte(value), &jsonValue); err == nil {
			return jsonValue
		}
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
