package physical

import (
	"context"
	"sync/atomic"

	metrics "github.com/hashicorp/go-metrics/compat"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	log "github.com/stephnangue/walletd/logger"
)

const (
	// DefaultCacheSize is used if no cache size is provided to NewCache.
	DefaultCacheSize = 128 * 1024

	// refreshCacheCtxKey is a ctx value that denotes the cache should be
	// refreshed during a Get call.
	refreshCacheCtxKey contextKey = "refresh_cache"
)

// cacheExceptionsPaths lists paths that are never cached: another node
// writes them out-of-band, so a cached copy can go stale without any local
// mutation.
var cacheExceptionsPaths = []string{
	"core/lock",
	"core/initialize-lock",
}

// CacheRefreshContext returns a context with an added value denoting if
// the cache should attempt a refresh.
func CacheRefreshContext(ctx context.Context, r bool) context.Context {
	return context.WithValue(ctx, refreshCacheCtxKey, r)
}

// cacheRefreshFromContext is a helper to look up if the provided context
// is requesting a cache refresh.
func cacheRefreshFromContext(ctx context.Context) bool {
	refresh, ok := ctx.Value(refreshCacheCtxKey).(bool)
	if !ok {
		return false
	}
	return refresh
}

// Cache is a Storage decorator keeping a fixed-size LRU of entries in
// front of a slower storage. It starts disabled: until SetEnabled(true)
// every operation passes straight through, so a node never serves reads
// from a cache it has not yet decided is coherent.
type Cache interface {
	Storage
	ToggleablePurgemonster

	// GetEnabled reports whether lookups may be served from the cache.
	GetEnabled() bool

	// Invalidate drops the cached entry for key, if any.
	Invalidate(ctx context.Context, key string)

	// ShouldCache reports whether entries under key are cacheable at all.
	ShouldCache(key string) bool
}

type cache struct {
	backend    Storage
	lru        *lru.TwoQueueCache[string, *Entry]
	locks      []*LockEntry
	size       int
	enabled    *uint32
	exceptions *PathManager
	group      singleflight.Group
	logger     log.Logger
	sink       metrics.MetricSink
}

// NewCache returns a cache of the given size in front of the given
// storage. A size of zero or less uses DefaultCacheSize. The cache starts
// disabled.
func NewCache(b Storage, size int, logger log.Logger, sink metrics.MetricSink) Cache {
	return newCache(b, size, logger, sink)
}

func newCache(b Storage, size int, logger log.Logger, sink metrics.MetricSink) Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}

	if logger != nil && logger.IsLevelEnabled(log.DebugLevel) {
		logger.Debug("creating LRU cache", log.Int("size", size))
	}

	pm := NewPathManager()
	pm.AddPaths(cacheExceptionsPaths)

	// The only error New2Q returns is for a non-positive size.
	twoQCache, _ := lru.New2Q[string, *Entry](size)

	return &cache{
		backend:    b,
		lru:        twoQCache,
		locks:      CreateLocks(),
		size:       size,
		enabled:    new(uint32),
		exceptions: pm,
		logger:     logger,
		sink:       sink,
	}
}

func (c *cache) incrCounter(op string) {
	if c.sink != nil {
		c.sink.IncrCounter([]string{"cache", op}, 1)
	}
}

// cloneEntry copies an entry so later mutations of the original cannot
// reach the cached copy.
func cloneEntry(entry *Entry) *Entry {
	if entry == nil {
		return nil
	}

	clone := &Entry{
		Key:      entry.Key,
		SealWrap: entry.SealWrap,
	}
	if entry.Value != nil {
		clone.Value = make([]byte, len(entry.Value))
		copy(clone.Value, entry.Value)
	}
	if entry.ValueHash != nil {
		clone.ValueHash = make([]byte, len(entry.ValueHash))
		copy(clone.ValueHash, entry.ValueHash)
	}

	return clone
}

// SetEnabled is used to toggle whether the cache is on or off. It must be
// called with true after creation before lookups are served from memory.
func (c *cache) SetEnabled(enabled bool) {
	if enabled {
		atomic.StoreUint32(c.enabled, 1)
		return
	}
	atomic.StoreUint32(c.enabled, 0)
}

// GetEnabled reports whether lookups may be served from the cache.
func (c *cache) GetEnabled() bool {
	return atomic.LoadUint32(c.enabled) == 1
}

// Purge is used to clear the cache.
func (c *cache) Purge(ctx context.Context) {
	// Lock the world
	for _, lock := range c.locks {
		lock.Lock()
		defer lock.Unlock()
	}

	c.lru.Purge()
}

// ShouldCache reports whether entries under key are cacheable at all.
func (c *cache) ShouldCache(key string) bool {
	if !c.GetEnabled() {
		return false
	}

	return !c.exceptions.HasPath(key)
}

// Invalidate drops the cached entry for key, if any. The entry in the
// underlying storage is left alone.
func (c *cache) Invalidate(ctx context.Context, key string) {
	lock := LockForKey(c.locks, key)
	lock.Lock()
	defer lock.Unlock()

	c.lru.Remove(key)
}

func (c *cache) Put(ctx context.Context, entry *Entry) error {
	if entry != nil && !c.ShouldCache(entry.Key) {
		return c.backend.Put(ctx, entry)
	}

	lock := LockForKey(c.locks, entry.Key)
	lock.Lock()
	defer lock.Unlock()

	err := c.backend.Put(ctx, entry)
	if err == nil && entry != nil {
		c.lru.Add(entry.Key, cloneEntry(entry))
		c.incrCounter("write")
	}
	return err
}

func (c *cache) Get(ctx context.Context, key string) (*Entry, error) {
	if !c.ShouldCache(key) {
		return c.backend.Get(ctx, key)
	}

	lock := LockForKey(c.locks, key)
	lock.RLock()
	defer lock.RUnlock()

	// Check the LRU first, unless the context asks for a refresh.
	if !cacheRefreshFromContext(ctx) {
		if entry, ok := c.lru.Get(key); ok {
			if entry == nil {
				return nil, nil
			}
			c.incrCounter("hit")
			return entry, nil
		}
	}

	c.incrCounter("miss")

	// Concurrent misses for the same key collapse into one storage read.
	v, err, _ := c.group.Do(key, func() (any, error) {
		entry, err := c.backend.Get(ctx, key)
		if err != nil {
			return nil, err
		}

		// Cache the result, nil included, so repeated lookups of an
		// absent key stay off the storage.
		c.lru.Add(key, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	entry, _ := v.(*Entry)
	return entry, nil
}

func (c *cache) Delete(ctx context.Context, key string) error {
	if !c.ShouldCache(key) {
		return c.backend.Delete(ctx, key)
	}

	lock := LockForKey(c.locks, key)
	lock.Lock()
	defer lock.Unlock()

	err := c.backend.Delete(ctx, key)
	if err == nil {
		c.lru.Remove(key)
	}
	return err
}

func (c *cache) List(ctx context.Context, prefix string) ([]string, error) {
	// Always pass-through: list results are hard to keep coherent, and we
	// cannot know ahead of time which key locks to take.
	return c.backend.List(ctx, prefix)
}

func (c *cache) ListPage(ctx context.Context, prefix string, after string, limit int) ([]string, error) {
	return c.backend.ListPage(ctx, prefix, after, limit)
}
