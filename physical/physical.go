package physical

import (
	"context"
	"errors"
)

// DefaultParallelOperations is the default number of parallel
// operations a storage permits before callers start queueing.
const DefaultParallelOperations = 128

const (
	// ErrValueTooLarge is the message text of the error returned when a
	// Put exceeds the storage's configured maximum value size.
	ErrValueTooLarge = "put failed due to value being too large"

	// ErrFencedWriteFailed is the message text of the error returned when
	// a write is rejected because this node no longer holds the active
	// lock it registered.
	ErrFencedWriteFailed = "write failed: active node lock is no longer held"
)

var (
	// ErrRelativePath is returned when a key contains parent ("..")
	// references. Views refuse such keys so a caller can never escape
	// its prefix.
	ErrRelativePath = errors.New("relative paths not supported")

	// ErrPathContainsParentReferences is returned by storages that map
	// keys onto filesystem-style paths and find ".." segments in them.
	ErrPathContainsParentReferences = errors.New("path cannot contain parent references")
)

// Entry is used to represent data stored by the physical storage.
type Entry struct {
	Key      string
	Value    []byte
	SealWrap bool `json:"seal_wrap,omitempty"`

	// ValueHash is an optional integrity digest of Value, populated by
	// storages that shuttle entries between nodes.
	ValueHash []byte
}

// Storage is where the durable state of a node lives. It is the lowest
// layer of the storage stack: everything above it (barrier, views, caches)
// decorates one of these.
type Storage interface {
	// Put is used to insert or update an entry.
	Put(ctx context.Context, entry *Entry) error

	// Get is used to fetch an entry. A missing key returns (nil, nil).
	Get(ctx context.Context, key string) (*Entry, error)

	// Delete is used to permanently delete an entry.
	Delete(ctx context.Context, key string) error

	// List is used to list all the keys under a given prefix, up to the
	// next prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// ListPage lists the keys under a given prefix which sort strictly
	// after the given key, up to the given limit. A limit of zero or
	// less means no limit.
	ListPage(ctx context.Context, prefix string, after string, limit int) ([]string, error)
}

// Backend is an alias for Storage kept for compatibility with older call
// sites.
type Backend = Storage

// HAStorage is implemented by storages that can coordinate an
// active/standby topology through distributed locks.
type HAStorage interface {
	Storage

	// LockWith is used for mutual exclusion based on the given key.
	LockWith(key, value string) (Lock, error)

	// HAEnabled indicates whether the HA functionality should be
	// exposed. This happens when the storage supports HA and the
	// configuration turned it on.
	HAEnabled() bool
}

// HABackend is an alias for HAStorage kept for compatibility with older
// call sites.
type HABackend = HAStorage

// FencingHABackend is an HAStorage that can fence writes: after the node
// becomes active and registers its lock, every write verifies the lock is
// still held before it touches storage.
type FencingHABackend interface {
	HABackend

	// RegisterActiveNodeLock is called with the lock obtained from
	// LockWith once this node becomes active, enabling write fencing
	// against it.
	RegisterActiveNodeLock(l Lock) error
}

// Lock is a distributed lock handed out by an HAStorage.
type Lock interface {
	// Lock is used to acquire the given lock. The stopCh is optional and
	// if closed should interrupt the lock acquisition attempt. The
	// returned channel is closed when leadership is lost.
	Lock(stopCh <-chan struct{}) (<-chan struct{}, error)

	// Unlock is used to release the lock.
	Unlock() error

	// Value returns whether the lock is held by any node and by whom.
	Value() (bool, string, error)
}

// InvalidateFunc is called with the storage key another node has changed.
type InvalidateFunc func(key string)

// CacheInvalidationBackend is a Storage that can notify hooks about
// entries changing underneath it, letting read caches on other nodes stay
// coherent.
type CacheInvalidationBackend interface {
	Storage

	// HookInvalidate registers a hook invoked with the key of every
	// mutated entry.
	HookInvalidate(InvalidateFunc)
}

// ToggleablePurgemonster is implemented by storage decorators that can be
// enabled, disabled and purged at runtime, such as read caches.
type ToggleablePurgemonster interface {
	Purge(ctx context.Context)
	SetEnabled(bool)
}

type contextKey string

const unfencedWriteCtxKey contextKey = "unfenced_write"

// UnfencedWriteCtx marks the context so writes skip active-lock fencing.
// The HA machinery itself needs this: it must write lock bookkeeping while
// the lock state is still settling.
func UnfencedWriteCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, unfencedWriteCtxKey, true)
}

// IsUnfencedWrite reports whether ctx was marked by UnfencedWriteCtx.
func IsUnfencedWrite(ctx context.Context) bool {
	fenced, ok := ctx.Value(unfencedWriteCtxKey).(bool)
	return ok && fenced
}

// PermitPool is used to limit maximum outstanding requests.
type PermitPool struct {
	sem chan int
}

// NewPermitPool returns a new permit pool with the provided number of
// permits.
func NewPermitPool(permits int) *PermitPool {
	if permits < 1 {
		permits = DefaultParallelOperations
	}
	return &PermitPool{
		sem: make(chan int, permits),
	}
}

// Acquire returns when a permit has been acquired.
func (c *PermitPool) Acquire() {
	c.sem <- 1
}

// Release returns a permit to the pool.
func (c *PermitPool) Release() {
	<-c.sem
}

// CurrentPermits gets the number of used permits.
func (c *PermitPool) CurrentPermits() int {
	return len(c.sem)
}
