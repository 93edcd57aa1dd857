package inmem

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/armon/go-radix"
	log "github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/physical"
)

var (
	_ physical.Storage              = (*InmemStorage)(nil)
	_ physical.TransactionalStorage = (*TransactionalInmemStorage)(nil)
	_ physical.Transaction          = (*inmemTransaction)(nil)
	_ physical.HAStorage            = (*InmemHAStorage)(nil)
	_ physical.Lock                 = (*InmemLock)(nil)
)

// InmemStorage keeps entries in a radix tree guarded by a RWMutex. Data
// does not survive a restart; it backs tests and dev-mode servers.
type InmemStorage struct {
	sync.RWMutex
	root         *radix.Tree
	permitPool   *physical.PermitPool
	logger       log.Logger
	maxValueSize int
}

// TransactionalInmemStorage layers snapshot transactions over InmemStorage.
// Writable transactions are serialized against each other; read-only
// transactions run against a point-in-time copy of the tree.
type TransactionalInmemStorage struct {
	InmemStorage

	txMu sync.Mutex
}

// NewInmem constructs an in-memory storage. Transactions are supported
// unless conf carries disable_transactions=true; conf may also cap entry
// sizes with max_value_size.
func NewInmem(conf map[string]string, logger log.Logger) (physical.Storage, error) {
	maxValueSize := 0
	if raw, ok := conf["max_value_size"]; ok {
		var err error
		maxValueSize, err = strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse max_value_size: %w", err)
		}
	}

	base := InmemStorage{
		root:         radix.New(),
		permitPool:   physical.NewPermitPool(physical.DefaultParallelOperations),
		logger:       logger,
		maxValueSize: maxValueSize,
	}

	if conf["disable_transactions"] == "true" {
		return &base, nil
	}
	return &TransactionalInmemStorage{InmemStorage: base}, nil
}

func (i *InmemStorage) Put(ctx context.Context, entry *physical.Entry) error {
	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.Lock()
	defer i.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return putTree(i.root, entry, i.maxValueSize)
}

func (i *InmemStorage) Get(ctx context.Context, key string) (*physical.Entry, error) {
	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.RLock()
	defer i.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return getTree(i.root, key), nil
}

func (i *InmemStorage) Delete(ctx context.Context, key string) error {
	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.Lock()
	defer i.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	i.root.Delete(key)
	return nil
}

func (i *InmemStorage) List(ctx context.Context, prefix string) ([]string, error) {
	return i.ListPage(ctx, prefix, "", -1)
}

func (i *InmemStorage) ListPage(ctx context.Context, prefix string, after string, limit int) ([]string, error) {
	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.RLock()
	defer i.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listTree(i.root, prefix, after, limit), nil
}

func putTree(root *radix.Tree, entry *physical.Entry, maxValueSize int) error {
	if maxValueSize > 0 && len(entry.Value) > maxValueSize {
		return fmt.Errorf("%s", physical.ErrValueTooLarge)
	}
	root.Insert(entry.Key, entry.Value)
	return nil
}

func getTree(root *radix.Tree, key string) *physical.Entry {
	raw, ok := root.Get(key)
	if !ok {
		return nil
	}
	return &physical.Entry{
		Key:   key,
		Value: raw.([]byte),
	}
}

// listTree returns the direct children of prefix: plain keys, and nested
// subtrees collapsed to a single "dir/" entry. With a non-empty after,
// only names sorting strictly beyond it are returned, and a positive
// limit caps the page size.
func listTree(root *radix.Tree, prefix, after string, limit int) []string {
	var out []string
	seenDir := make(map[string]struct{})

	root.WalkPrefix(prefix, func(key string, _ interface{}) bool {
		if limit > 0 && len(out) >= limit {
			return true
		}

		name := strings.TrimPrefix(key, prefix)
		if idx := strings.Index(name, "/"); idx != -1 {
			name = name[:idx+1]
			if _, ok := seenDir[name]; ok {
				return false
			}
			seenDir[name] = struct{}{}
		}
		if after != "" && name <= after {
			return false
		}

		out = append(out, name)
		return false
	})

	return out
}

// snapshotTree copies the tree so a transaction can read and mutate it
// without touching the live storage.
func snapshotTree(root *radix.Tree) *radix.Tree {
	snap := radix.New()
	root.Walk(func(key string, value interface{}) bool {
		snap.Insert(key, value)
		return false
	})
	return snap
}

type inmemTransaction struct {
	mu       sync.Mutex
	parent   *TransactionalInmemStorage
	tree     *radix.Tree
	writable bool
	done     bool
}

func (s *TransactionalInmemStorage) BeginTx(ctx context.Context) (physical.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Held until Commit or Rollback so writable transactions cannot
	// clobber each other's snapshots.
	s.txMu.Lock()

	s.RLock()
	snap := snapshotTree(s.root)
	s.RUnlock()

	return &inmemTransaction{parent: s, tree: snap, writable: true}, nil
}

func (s *TransactionalInmemStorage) BeginReadOnlyTx(ctx context.Context) (physical.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.RLock()
	snap := snapshotTree(s.root)
	s.RUnlock()

	return &inmemTransaction{parent: s, tree: snap}, nil
}

func (t *inmemTransaction) Put(ctx context.Context, entry *physical.Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return physical.ErrTransactionAlreadyCommitted
	}
	if !t.writable {
		return physical.ErrTransactionReadOnly
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return putTree(t.tree, entry, t.parent.maxValueSize)
}

func (t *inmemTransaction) Get(ctx context.Context, key string) (*physical.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil, physical.ErrTransactionAlreadyCommitted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return getTree(t.tree, key), nil
}

func (t *inmemTransaction) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return physical.ErrTransactionAlreadyCommitted
	}
	if !t.writable {
		return physical.ErrTransactionReadOnly
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.tree.Delete(key)
	return nil
}

func (t *inmemTransaction) List(ctx context.Context, prefix string) ([]string, error) {
	return t.ListPage(ctx, prefix, "", -1)
}

func (t *inmemTransaction) ListPage(ctx context.Context, prefix string, after string, limit int) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil, physical.ErrTransactionAlreadyCommitted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listTree(t.tree, prefix, after, limit), nil
}

// Commit swaps the transaction's snapshot in as the live tree. Committing
// a read-only transaction just releases it, like Rollback.
func (t *inmemTransaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return physical.ErrTransactionAlreadyCommitted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.done = true

	if !t.writable {
		return nil
	}

	t.parent.Lock()
	t.parent.root = t.tree
	t.parent.Unlock()

	t.parent.txMu.Unlock()
	return nil
}

func (t *inmemTransaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return physical.ErrTransactionAlreadyCommitted
	}
	t.done = true

	if t.writable {
		t.parent.txMu.Unlock()
	}
	return nil
}
