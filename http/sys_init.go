package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stephnangue/walletd/core"
	"github.com/stephnangue/walletd/logger"
)

// InitRequest is the body accepted by PUT /v1/sys/init. Shares and
// thresholds default to 5/3 when left at zero. The recovery fields are
// only honored when the active seal supports recovery keys.
type InitRequest struct {
	SecretShares    int `json:"secret_shares"`
	SecretThreshold int `json:"secret_threshold"`

	// PGPKeys encrypt the returned unseal keys. Each entry is the
	// base64 encoding of a binary PGP public key, and the slice length
	// must equal SecretShares.
	PGPKeys []string `json:"pgp_keys,omitempty"`

	// StoredShares is the number of shares the seal stores for
	// auto-unseal. Must equal SecretShares when set.
	StoredShares int `json:"stored_shares,omitempty"`

	RecoveryShares    int      `json:"recovery_shares,omitempty"`
	RecoveryThreshold int      `json:"recovery_threshold,omitempty"`
	RecoveryPGPKeys   []string `json:"recovery_pgp_keys,omitempty"`
}

// InitResponse carries the generated key shares back to the caller,
// hex in Keys and base64 in KeysBase64. This is the only time the
// shares are ever available.
type InitResponse struct {
	Keys               []string `json:"keys,omitempty"`
	KeysBase64         []string `json:"keys_base64,omitempty"`
	RecoveryKeys       []string `json:"recovery_keys,omitempty"`
	RecoveryKeysBase64 []string `json:"recovery_keys_base64,omitempty"`
}

// InitStatusResponse is the body of GET /v1/sys/init.
type InitStatusResponse struct {
	Initialized bool `json:"initialized"`
}

// handleSysInit serves /v1/sys/init: GET reports whether the node is
// initialized, PUT/POST performs initialization.
func handleSysInit(c *core.Core, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleSysInitGet(c, w, r, log)
		case http.MethodPut, http.MethodPost:
			handleSysInitPut(c, w, r, log)
		default:
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

func handleSysInitGet(c *core.Core, w http.ResponseWriter, r *http.Request, log logger.Logger) {
	initialized, err := c.Initialized(r.Context())
	if err != nil {
		log.Error("failed to check initialization status", logger.Err(err))
		respondError(w, http.StatusInternalServerError, "failed to check initialization status")
		return
	}
	respondOk(w, &InitStatusResponse{Initialized: initialized})
}

func handleSysInitPut(c *core.Core, w http.ResponseWriter, r *http.Request, log logger.Logger) {
	initialized, err := c.Initialized(r.Context())
	if err != nil {
		log.Error("failed to check initialization status", logger.Err(err))
		respondError(w, http.StatusInternalServerError, "failed to check initialization status")
		return
	}
	if initialized {
		log.Warn("attempted to initialize already initialized Walletd")
		respondError(w, http.StatusBadRequest, "Walletd is already initialized")
		return
	}

	var req InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to parse init request", logger.Err(err))
		respondError(w, http.StatusBadRequest, "failed to parse request body")
		return
	}

	barrierConfig, errMsg := buildShareConfig("secret", req.SecretShares, req.SecretThreshold, req.PGPKeys)
	if errMsg != "" {
		respondError(w, http.StatusBadRequest, errMsg)
		return
	}
	barrierConfig.StoredShares = uint(req.StoredShares)

	var recoveryConfig *core.SealConfig
	if c.SealAccess().RecoveryKeySupported() {
		recoveryConfig, errMsg = buildShareConfig("recovery", req.RecoveryShares, req.RecoveryThreshold, req.RecoveryPGPKeys)
		if errMsg != "" {
			respondError(w, http.StatusBadRequest, errMsg)
			return
		}
	}

	log.Info("initializing Walletd with Shamir secret sharing",
		logger.Int("secret_shares", barrierConfig.SecretShares),
		logger.Int("secret_threshold", barrierConfig.SecretThreshold))

	result, err := c.Initialize(r.Context(), &core.InitParams{
		BarrierConfig:  barrierConfig,
		RecoveryConfig: recoveryConfig,
	})
	if err != nil {
		log.Error("failed to initialize Walletd", logger.Err(err))
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to initialize Walletd: %v", err))
		return
	}

	log.Info("Walletd initialized successfully")

	resp := &InitResponse{}
	resp.Keys, resp.KeysBase64 = encodeShares(result.SecretShares)
	resp.RecoveryKeys, resp.RecoveryKeysBase64 = encodeShares(result.RecoveryShares)
	respondOk(w, resp)
}

// buildShareConfig applies the 5/3 defaults, validates the share and
// threshold counts, and checks the PGP key count against the share
// count. A non-empty second return is the client-facing error message.
func buildShareConfig(kind string, shares, threshold int, pgpKeys []string) (*core.SealConfig, string) {
	if shares == 0 {
		shares = 5
	}
	if threshold == 0 {
		threshold = 3
	}
	switch {
	case shares < 1:
		return nil, fmt.Sprintf("%s_shares must be at least 1", kind)
	case threshold < 1:
		return nil, fmt.Sprintf("%s_threshold must be at least 1", kind)
	case threshold > shares:
		return nil, fmt.Sprintf("%s_threshold cannot be greater than %s_shares", kind, kind)
	}
	if len(pgpKeys) > 0 && len(pgpKeys) != shares {
		return nil, fmt.Sprintf("number of %s_pgp_keys (%d) must match %s_shares (%d)", kind, len(pgpKeys), kind, shares)
	}
	return &core.SealConfig{
		SecretShares:    shares,
		SecretThreshold: threshold,
		PGPKeys:         pgpKeys,
	}, ""
}

// encodeShares renders each share as hex and base64, in matching order.
func encodeShares(shares [][]byte) (hexKeys, b64Keys []string) {
	if len(shares) == 0 {
		return nil, nil
	}
	hexKeys = make([]string, len(shares))
	b64Keys = make([]string, len(shares))
	for i, share := range shares {
		hexKeys[i] = fmt.Sprintf("%x", share)
		b64Keys[i] = base64.StdEncoding.EncodeToString(share)
	}
	return hexKeys, b64Keys
}
