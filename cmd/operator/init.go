package operator

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/walletd/api"
	"github.com/stephnangue/walletd/cmd/helpers"
)

type initFlags struct {
	secretShares      int
	secretThreshold   int
	pgpKeys           []string
	storedShares      int
	recoveryShares    int
	recoveryThreshold int
	recoveryPGPKeys   []string
}

var initArgs initFlags

var initCmd = &cobra.Command{
	Use:           "init",
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "Initialize Walletd and generate unseal keys",
	Long: `
Initialize a Walletd server using Shamir secret sharing to split the root key.

Shamir Secret Sharing:
  The root key is split into multiple shares using Shamir's secret sharing algorithm.
  A threshold number of shares is required to reconstruct the root key and unseal Walletd.

  Default: 5 shares with a threshold of 3 (5 shares generated, 3 needed to unseal)

Usage:
  # Initialize with default settings (5 shares, threshold 3)
  $ walletd operator init

  # Initialize with custom shares and threshold
  $ walletd operator init --secret-shares=7 --secret-threshold=4

  # Initialize with PGP encryption for unseal keys
  $ walletd operator init --pgp-keys="keybase:user1,keybase:user2,keybase:user3,keybase:user4,keybase:user5"

IMPORTANT: The unseal keys are displayed only once. Store them securely.
You will need the threshold number of unseal keys to unseal Walletd after restart.
`,
	RunE: runInit,
}

func init() {
	f := initCmd.Flags()
	f.IntVar(&initArgs.secretShares, "secret-shares", 5, "Number of key shares to generate")
	f.IntVar(&initArgs.secretThreshold, "secret-threshold", 3, "Number of key shares required to unseal")
	f.StringSliceVar(&initArgs.pgpKeys, "pgp-keys", nil, "Comma-separated list of PGP public keys for encrypting unseal keys (base64-encoded or keybase:username)")

	// Only meaningful against an auto-unseal server.
	f.IntVar(&initArgs.storedShares, "stored-shares", 0, "Number of shares to store (auto-unseal only)")
	f.IntVar(&initArgs.recoveryShares, "recovery-shares", 5, "Number of recovery key shares (auto-unseal only)")
	f.IntVar(&initArgs.recoveryThreshold, "recovery-threshold", 3, "Number of recovery shares required (auto-unseal only)")
	f.StringSliceVar(&initArgs.recoveryPGPKeys, "recovery-pgp-keys", nil, "Comma-separated list of PGP public keys for encrypting recovery keys (auto-unseal only)")
}

func runInit(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}

	initResp, err := c.Sys().Init(&api.InitRequest{
		SecretShares:      initArgs.secretShares,
		SecretThreshold:   initArgs.secretThreshold,
		PGPKeys:           initArgs.pgpKeys,
		StoredShares:      initArgs.storedShares,
		RecoveryShares:    initArgs.recoveryShares,
		RecoveryThreshold: initArgs.recoveryThreshold,
		RecoveryPGPKeys:   initArgs.recoveryPGPKeys,
	})
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	printInitResult(os.Stdout, initResp, initArgs)
	return nil
}

// printInitResult renders the one-time key material banner. The keys
// are never persisted server side, so this output is the only place
// an operator can capture them.
func printInitResult(w *os.File, resp *api.InitResponse, flags initFlags) {
	banner := "========================================="
	fmt.Fprintln(w)
	fmt.Fprintln(w, banner)
	fmt.Fprintln(w, "   WALLETD INITIALIZATION COMPLETE")
	fmt.Fprintln(w, banner)
	fmt.Fprintln(w)

	printKeyList(w, "Unseal Key", resp.Keys)
	printKeyList(w, "Recovery Key", resp.RecoveryKeys)

	fmt.Fprintln(w, "IMPORTANT: These keys will not be shown again!")
	fmt.Fprintln(w, "Store them securely. You will need:")
	if len(resp.Keys) > 0 {
		fmt.Fprintf(w, "  - %d of %d unseal keys to unseal Walletd\n", flags.secretThreshold, flags.secretShares)
	}
	if len(resp.RecoveryKeys) > 0 {
		fmt.Fprintf(w, "  - %d of %d recovery keys for recovery operations\n", flags.recoveryThreshold, flags.recoveryShares)
	}
	fmt.Fprintln(w, banner)
	fmt.Fprintln(w)
}

func printKeyList(w *os.File, label string, keys []string) {
	if len(keys) == 0 {
		return
	}
	fmt.Fprintf(w, "%ss:\n", label)
	for i, key := range keys {
		fmt.Fprintf(w, "%s %d: %s\n", label, i+1, key)
	}
	fmt.Fprintln(w)
}
