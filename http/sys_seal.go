package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stephnangue/walletd/core"
	"github.com/stephnangue/walletd/logger"
)

// UnsealRequest represents the request body for the unseal operation
type UnsealRequest struct {
	// Key is a single unseal key share, hex or base64 encoded.
	Key string `json:"key"`

	// Reset discards the unseal key parts collected so far and aborts
	// the attempt in progress.
	Reset bool `json:"reset"`
}

// handleSysUnseal returns an HTTP handler for the /v1/sys/unseal
// endpoint. It runs before routing so key shares can be submitted while
// the core is sealed. Each call returns the current seal status.
func handleSysUnseal(c *core.Core, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut, http.MethodPost:
		default:
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req UnsealRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "failed to parse request body")
			return
		}

		switch {
		case req.Reset:
			c.ResetUnsealProcess()

		case req.Key == "":
			respondError(w, http.StatusBadRequest, "'key' must be specified in request body as JSON, or 'reset' set to true")
			return

		default:
			key, err := core.DecodeUnsealKey(req.Key)
			if err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}

			if _, err := c.Unseal(key); err != nil {
				var invalidKey *core.ErrInvalidKey
				switch {
				case errors.As(err, &invalidKey):
					respondError(w, http.StatusBadRequest, err.Error())
				case errors.Is(err, core.ErrNotInit):
					respondError(w, http.StatusBadRequest, err.Error())
				default:
					log.Error("unseal failed", logger.Err(err))
					respondError(w, http.StatusInternalServerError, err.Error())
				}
				return
			}
		}

		handleSysSealStatusRaw(c, w, r)
	})
}

// handleSysSealStatus returns an HTTP handler for /v1/sys/seal-status.
// Unlike the system backend route it works on a sealed core, which is
// what unseal clients poll.
func handleSysSealStatus(c *core.Core) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		handleSysSealStatusRaw(c, w, r)
	})
}

func handleSysSealStatusRaw(c *core.Core, w http.ResponseWriter, r *http.Request) {
	status, err := c.SealStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOk(w, status)
}
