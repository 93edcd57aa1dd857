package logical

import (
	"context"

	sdklogical "github.com/openbao/openbao/sdk/v2/logical"
	"github.com/stephnangue/walletd/logger"
)

// Factory is the function signature used to construct a logical backend
// during mounting.
type Factory func(ctx context.Context, conf *BackendConfig) (Backend, error)

// Backend is the interface every mountable backend implements. Requests
// routed to a mount are dispatched through HandleRequest.
type Backend interface {
	// HandleRequest processes a single logical request and returns the
	// response, or an error if the request could not be dispatched at all.
	// Domain failures are reported through the response, not the error.
	HandleRequest(ctx context.Context, req *Request) (*Response, error)

	// SpecialPaths returns path categorizations the router consults for
	// special handling, or nil if the backend has none.
	SpecialPaths() *Paths

	// Setup is used to set up the backend based on the provided backend
	// configuration.
	Setup(ctx context.Context, conf *BackendConfig) error

	// Initialize is invoked after the mount is routed and storage is
	// writable, giving the backend a chance to load or migrate state.
	Initialize(ctx context.Context) error

	// Cleanup is invoked during an unmount so the backend can release
	// anything it holds.
	Cleanup(ctx context.Context)

	// Type returns the backend type name, e.g. "wallet" or "system".
	Type() string
}

// BackendConfig is provided to a Factory when constructing a backend.
type BackendConfig struct {
	// StorageView is the storage the backend may use, already scoped to
	// the mount's prefix beneath the security barrier.
	StorageView sdklogical.Storage

	// Logger is scoped to the backend's subsystem.
	Logger logger.Logger

	// Config holds mount-specific options.
	Config map[string]string

	// BackendUUID is a unique identifier for this backend instance.
	BackendUUID string
}
