package helpers

import (
	"fmt"

	"github.com/stephnangue/walletd/api"
)

// cached client, shared by every CLI command in the process. Tests may
// pre-seed it.
var c *api.Client

// Client builds (once) the API client the CLI commands share, configured
// from the WALLETD_* environment.
func Client() (*api.Client, error) {
	if c != nil {
		return c, nil
	}

	config := api.DefaultConfig()
	if err := config.ReadEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	// The CLI fails fast unless the user asked for retries explicitly.
	if api.ReadWalletdVariable(api.EnvWalletdMaxRetries) == "" {
		client.SetMaxRetries(0)
	}

	c = client
	return client, nil
}
