package api

import (
	"os"
	"strings"
)

const (
	WalletdEnvPrefix = "WALLETD_"
)

func ReadWalletdVariable(name string) string {
	if strings.HasPrefix(name, WalletdEnvPrefix) {
		return os.Getenv(name)
	}
	return ""
}
