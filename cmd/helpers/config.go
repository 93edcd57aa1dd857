package helpers

import (
	"fmt"
	"os"
	"strings"
)

// ResolveFileRefs replaces values prefixed with "@" with the contents of
// the referenced file, curl-style. It lets users import PEM keys without
// pasting them on the command line: key_data=@signing-key.pem.
func ResolveFileRefs(data map[string]string) (map[string]string, error) {
	for key, value := range data {
		if strings.HasPrefix(value, "@") {
			contents, err := os.ReadFile(value[1:])
			if err != nil {
				return nil, fmt.Errorf("failed to read file for %q: %w", key, err)
			}
			data[key] = string(contents)
		}
	}
	return data, nil
}
