package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	sdklogical "github.com/openbao/openbao/sdk/v2/logical"
	"golang.org/x/crypto/blake2b"

	"github.com/stephnangue/walletd/authorize"
	"github.com/stephnangue/walletd/framework"
	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/logical"
	"github.com/stephnangue/walletd/provider"
)

const (
	// Verified-token cache sizing. Entries are keyed by wallet revision,
	// so a save orphans older entries and eviction reclaims them.
	verifiedCacheCounters = 10_000
	verifiedCacheMaxCost  = 1 << 20
)

// backend serves the wallet API: one aggregate holding keys and users,
// loaded from storage per request, mutated in memory, and saved only when
// the mutation succeeded.
type backend struct {
	*framework.Backend

	logger   logger.Logger
	storage  sdklogical.Storage
	provider provider.Provider
	policy   *authorize.Policy

	// lock serializes mutations of the single aggregate so two concurrent
	// writers cannot both pass the load-validate step and overwrite each
	// other. Read-only operations share the read side.
	lock sync.RWMutex

	// verified caches successful token verifications keyed by wallet
	// revision, keyId, and token digest.
	verified *ristretto.Cache[string, string]
}

// Factory creates a wallet backend using the logical.Factory pattern.
func Factory(ctx context.Context, conf *logical.BackendConfig) (logical.Backend, error) {
	if conf == nil {
		return nil, errors.New("configuration is required")
	}
	if conf.StorageView == nil {
		return nil, errors.New("storage view is required")
	}

	b := &backend{
		logger:   conf.Logger,
		storage:  conf.StorageView,
		provider: provider.NewLocal(),
		policy:   authorize.DefaultPolicy(),
	}

	verified, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: verifiedCacheCounters,
		MaxCost:     verifiedCacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	b.verified = verified

	b.Backend = &framework.Backend{
		Help:        walletHelp,
		BackendType: "wallet",
		PathsSpecial: &logical.Paths{
			Root: []string{
				"users/*",
				"keys/*",
			},
		},
		Paths: framework.PathAppend(
			b.walletPaths(),
			b.userPaths(),
			b.keyPaths(),
			b.tokenPaths(),
		),
		Clean: b.cleanup,
	}

	if err := b.Backend.Setup(ctx, conf); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *backend) cleanup(_ context.Context) {
	if b.verified != nil {
		b.verified.Close()
	}
}

// callerID extracts the caller identity. Every wallet path requires one,
// including create: the creator becomes the first admin.
func callerID(req *logical.Request) (string, error) {
	if req.ClientUser == "" {
		return "", logical.ErrBadRequest("the X-Walletd-User header is required")
	}
	return req.ClientUser, nil
}

// authorize resolves the caller's role from wallet membership and checks
// it against the policy for op. Non-members are refused outright.
func (b *backend) authorize(w *Wallet, caller string, op authorize.Op) error {
	role, ok := w.RoleOf(caller)
	if !ok {
		return logical.ErrForbiddenf("user %q is not a member of this wallet", caller)
	}
	if !b.policy.IsAllowed(role, op) {
		required, _ := b.policy.RequiredRole(op)
		return logical.ErrForbiddenf("%s requires the %s role", op, required)
	}
	return nil
}

// fetchAuthorized is the common preamble of every operation that needs an
// existing wallet: resolve the caller, load the record, check the policy.
func (b *backend) fetchAuthorized(ctx context.Context, req *logical.Request, op authorize.Op) (*Wallet, string, error) {
	caller, err := callerID(req)
	if err != nil {
		return nil, "", err
	}
	w, err := fetch(ctx, b.storage)
	if err != nil {
		return nil, "", domainError(err)
	}
	if err := b.authorize(w, caller, op); err != nil {
		return nil, "", err
	}
	return w, caller, nil
}

// domainError maps wallet failures onto coded errors so the transport
// layer reports the right status without inspecting sentinel values.
func domainError(err error) error {
	switch {
	case err == nil:
		return nil

	// State conflicts: the request was well formed but the aggregate
	// cannot legally reach the asked-for state.
	case errors.Is(err, ErrExists),
		errors.Is(err, ErrNotCreated),
		errors.Is(err, ErrLastAdmin):
		return logical.ErrConflict(err.Error())

	// Lookup failures on addressed resources.
	case errors.Is(err, ErrKeyNotFound),
		errors.Is(err, ErrUserNotFound):
		return logical.ErrNotFound(err.Error())

	// Caller mistakes: bad vocabulary, bad encodings, bad tokens, keys
	// asked to do something their algorithm or usages forbid.
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrUserExists),
		errors.Is(err, ErrMalformedToken),
		errors.Is(err, ErrAlgorithmMismatch),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrKeyUsage),
		errors.Is(err, authorize.ErrUnknownRole),
		errors.Is(err, provider.ErrUnsupportedAlgorithm),
		errors.Is(err, provider.ErrUnsupportedFormat),
		errors.Is(err, provider.ErrUnsupportedUsage),
		errors.Is(err, provider.ErrAlgorithmMismatch),
		errors.Is(err, provider.ErrNotSigningKey),
		errors.Is(err, provider.ErrNotCipherKey),
		errors.Is(err, provider.ErrNoPrivateKey):
		return logical.ErrBadRequest(err.Error())

	// Corrupted state: records or handles this build cannot interpret.
	case errors.Is(err, ErrFutureVersion),
		errors.Is(err, provider.ErrMalformedHandle):
		return logical.ErrInternal(err.Error())

	default:
		return logical.ErrInternal(err.Error())
	}
}

// verifiedCacheKey builds the cache key for a successful verification.
// The revision prefix fences the entry to the wallet state it was checked
// against: any save bumps the revision and strands older entries.
func (b *backend) verifiedCacheKey(revision int64, keyID, token string) string {
	sum := blake2b.Sum256([]byte(token))
	return strconv.FormatInt(revision, 10) + ":" + keyID + ":" + hex.EncodeToString(sum[:])
}

const walletHelp = `
The wallet backend manages a single wallet of cryptographic keys and users.

Keys are generated or imported under opaque handles and never leave the
wallet; users carry roles that gate mutations. Signing keys issue compact
three-segment tokens that any member can verify.
`
