package seal

import (
	"context"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"
	wrapping "github.com/openbao/go-kms-wrapping/v2"
)

// StoredKeysSupport describes what kind of stored key support a seal provides.
type StoredKeysSupport int

const (
	// The 0 value of StoredKeysSupport is an invalid option
	StoredKeysInvalid StoredKeysSupport = iota
	StoredKeysNotSupported
	StoredKeysSupportedGeneric
	StoredKeysSupportedShamirRoot
)

func (s StoredKeysSupport) String() string {
	switch s {
	case StoredKeysNotSupported:
		return "Old-style Shamir"
	case StoredKeysSupportedGeneric:
		return "AutoUnseal"
	case StoredKeysSupportedShamirRoot:
		return "Shamir"
	default:
		return "Invalid StoredKeys type"
	}
}

// Access is the embedded implementation of the seal that contains logic
// specific to encrypting and decrypting data, or in this case keys.
type Access interface {
	wrapping.Wrapper
	wrapping.InitFinalizer

	GetWrapper() wrapping.Wrapper
}

type access struct {
	wrapping.Wrapper
}

var _ Access = (*access)(nil)

// NewAccess creates a new Access from a wrapping.Wrapper
func NewAccess(w wrapping.Wrapper) Access {
	return &access{
		Wrapper: w,
	}
}

func (a *access) GetWrapper() wrapping.Wrapper {
	return a.Wrapper
}

func (a *access) Init(ctx context.Context, options ...wrapping.Option) error {
	if initWrapper, ok := a.Wrapper.(wrapping.InitFinalizer); ok {
		return initWrapper.Init(ctx, options...)
	}
	return nil
}

func (a *access) Finalize(ctx context.Context, options ...wrapping.Option) error {
	if finalizeWrapper, ok := a.Wrapper.(wrapping.InitFinalizer); ok {
		return finalizeWrapper.Finalize(ctx, options...)
	}
	return nil
}

func (a *access) Encrypt(ctx context.Context, plaintext []byte, options ...wrapping.Option) (blob *wrapping.BlobInfo, err error) {
	wTyp, err := a.Wrapper.Type(ctx)
	if err != nil {
		return nil, err
	}

	defer func(now time.Time) {
		metrics.MeasureSince([]string{"seal", "encrypt", "time"}, now)
		metrics.MeasureSince([]string{"seal", wTyp.String(), "encrypt", "time"}, now)

		if err != nil {
			metrics.IncrCounter([]string{"seal", "encrypt", "error"}, 1)
			metrics.IncrCounter([]string{"seal", wTyp.String(), "encrypt", "error"}, 1)
		}
	}(time.Now())

	metrics.IncrCounter([]string{"seal", "encrypt"}, 1)
	metrics.IncrCounter([]string{"seal", wTyp.String(), "encrypt"}, 1)

	return a.Wrapper.Encrypt(ctx, plaintext, options...)
}

func (a *access) Decrypt(ctx context.Context, data *wrapping.BlobInfo, options ...wrapping.Option) (pt []byte, err error) {
	wTyp, err := a.Wrapper.Type(ctx)
	if err != nil {
		return nil, err
	}

	defer func(now time.Time) {
		metrics.MeasureSince([]string{"seal", "decrypt", "time"}, now)
		metrics.MeasureSince([]string{"seal", wTyp.String(), "decrypt", "time"}, now)

		if err != nil {
			metrics.IncrCounter([]string{"seal", "decrypt", "error"}, 1)
			metrics.IncrCounter([]string{"seal", wTyp.String(), "decrypt", "error"}, 1)
		}
	}(time.Now())

	metrics.IncrCounter([]string{"seal", "decrypt"}, 1)
	metrics.IncrCounter([]string{"seal", wTyp.String(), "decrypt"}, 1)

	return a.Wrapper.Decrypt(ctx, data, options...)
}
