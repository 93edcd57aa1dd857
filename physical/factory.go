package physical

import (
	"github.com/stephnangue/walletd/logger"
)

// Factory is the factory function to create a storage.
type Factory func(config map[string]string, log logger.Logger) (Storage, error)
