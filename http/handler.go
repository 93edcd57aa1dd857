package http

import (
	"net/http"
	"strings"

	"github.com/stephnangue/walletd/core"
	"github.com/stephnangue/walletd/logger"
)

// HandlerProperties contains configuration for the HTTP handler
type HandlerProperties struct {
	Core   *core.Core
	Logger logger.Logger
}

// Handler creates and returns the main HTTP handler for Walletd.
func Handler(props *HandlerProperties) http.Handler {
	mux := http.NewServeMux()
	core := props.Core
	log := props.Logger

	// Seal lifecycle endpoints are handled before routing so they keep
	// working while the core is sealed. They must be registered before
	// the /v1/sys/ catch-all.
	mux.Handle("/v1/sys/init", handleSysInit(core, log))
	mux.Handle("/v1/sys/unseal", handleSysUnseal(core, log))
	mux.Handle("/v1/sys/seal-status", handleSysSealStatus(core))

	// System backend endpoints - catch-all for /v1/sys/
	// Handles seal, health, audit devices and mount listings.
	mux.Handle("/v1/sys/", handleLogical(core, log))

	// Logical backend endpoints - catch-all for /v1/
	// Handles wallet operations (e.g., /v1/wallet/keys/...).
	mux.Handle("/v1/", handleLogical(core, log))

	handler := wrapGenericHandler(core, mux, log)

	return handler
}

// wrapGenericHandler rejects anything outside the versioned API space
// before the mux sees it.
func wrapGenericHandler(core *core.Core, handler http.Handler, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			respondError(w, http.StatusNotFound, "path must begin with /v1/")
			return
		}

		handler.ServeHTTP(w, r)
	})
}
