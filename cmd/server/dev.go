package server

import (
	"context"
	"fmt"
	"io"

	"github.com/stephnangue/walletd/config"
	"github.com/stephnangue/walletd/core"
)

// devModeConfig returns the built-in configuration for dev mode: in-memory
// storage and a single plaintext TCP listener on the default client address.
func devModeConfig() *config.Config {
	return &config.Config{
		LogLevel:  "debug",
		LogFormat: "text",
		Storage:   &config.StorageBlock{Type: "inmem"},
		Listeners: []config.ListenerBlock{
			{
				Name:     "dev",
				Protocol: listenerTypeTCP,
				Address:  "127.0.0.1:5000",
			},
		},
	}
}

// devModeInit performs auto-initialization and auto-unseal for dev mode.
// Dev mode always runs with an auto seal, so the recovery config is
// required and the stored barrier share unseals the core directly.
func devModeInit(c *core.Core) (*core.InitResult, error) {
	ctx := context.Background()

	initParams := &core.InitParams{
		BarrierConfig: &core.SealConfig{
			SecretShares:    1,
			SecretThreshold: 1,
		},
		RecoveryConfig: &core.SealConfig{
			SecretShares:    1,
			SecretThreshold: 1,
		},
	}

	result, err := c.Initialize(ctx, initParams)
	if err != nil {
		return nil, fmt.Errorf("auto-initialization failed: %w", err)
	}

	if err := c.UnsealWithStoredKeys(ctx); err != nil {
		return nil, fmt.Errorf("auto-unseal failed: %w", err)
	}

	return result, nil
}

// printDevBanner prints the dev mode startup banner with the generated keys.
func printDevBanner(w io.Writer, result *core.InitResult) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "==> Walletd server started in dev mode! <==\n")
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "WARNING! dev mode is enabled! In this mode, Walletd runs entirely\n")
	fmt.Fprintf(w, "in-memory and starts automatically initialized and unsealed.\n")
	fmt.Fprintf(w, "All data is lost on restart. Do NOT run dev mode in production!\n")
	fmt.Fprintf(w, "\n")

	for i, share := range result.RecoveryShares {
		fmt.Fprintf(w, "Recovery Key %d: %x\n", i+1, share)
	}
	if len(result.RecoveryShares) > 0 {
		fmt.Fprintf(w, "\n")
	}

	fmt.Fprintf(w, "Set your identity for wallet operations, e.g.:\n")
	fmt.Fprintf(w, "  export WALLETD_ADDR=http://127.0.0.1:5000\n")
	fmt.Fprintf(w, "  export WALLETD_USER=admin\n")
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Development mode should NOT be used in production installations!\n")
	fmt.Fprintf(w, "\n")
}
