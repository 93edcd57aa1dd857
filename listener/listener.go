package listener

import "context"

// Listener is a network front end that feeds requests into the core.
// Start blocks until the listener stops or the context is canceled.
type Listener interface {
	Addr() string
	Start(ctx context.Context) error
	Stop() error
	Type() string
}
