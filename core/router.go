package core

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/armon/go-radix"

	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/logical"
)

// routeEntry is used to represent a mount point in the router
type routeEntry struct {
	tainted    bool
	backend    logical.Backend
	mountEntry *MountEntry
	l          sync.RWMutex
}

// Router dispatches logical requests to the backend owning the longest
// matching mount prefix.
type Router struct {
	root               *radix.Tree // tree of mountPath -> routeEntry
	mountAccessorCache *radix.Tree // tree of mountAccessor -> mountEntry
	mu                 sync.RWMutex

	logger logger.Logger
}

func NewRouter(logger logger.Logger) *Router {
	return &Router{
		root:               radix.New(),
		mountAccessorCache: radix.New(),
		logger:             logger,
	}
}

// reset removes every route. Used during seal teardown.
func (r *Router) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = radix.New()
	r.mountAccessorCache = radix.New()
}

func (r *Router) Mount(mountPath string, backend logical.Backend, mountEntry *MountEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.root.Get(mountPath); exists && existing != nil {
		return fmt.Errorf("path %s is already mounted", mountPath)
	}

	re := &routeEntry{
		backend:    backend,
		mountEntry: mountEntry,
	}

	r.root.Insert(mountPath, re)
	r.mountAccessorCache.Insert(mountEntry.Accessor, mountEntry)

	r.logger.Info("backend mounted", logger.String("mount_path", mountPath))

	return nil
}

func (r *Router) Unmount(ctx context.Context, mountPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Fast-path out if the backend doesn't exist
	raw, ok := r.root.Get(mountPath)
	if !ok {
		return nil
	}

	re := raw.(*routeEntry)
	re.l.Lock()
	defer re.l.Unlock()

	// Purge from the radix trees
	r.root.Delete(mountPath)
	r.mountAccessorCache.Delete(re.mountEntry.Accessor)

	r.logger.Info("backend unmounted", logger.String("mount_path", mountPath))

	return nil
}

// MatchingBackend returns the backend used for a path
func (r *Router) MatchingBackend(ctx context.Context, path string) logical.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, raw, found := r.root.LongestPrefix(path)
	if !found {
		return nil
	}

	re := raw.(*routeEntry)
	re.l.RLock()
	defer re.l.RUnlock()

	return re.backend
}

// MatchingMountEntry returns the mount entry owning a path
func (r *Router) MatchingMountEntry(ctx context.Context, path string) *MountEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, raw, found := r.root.LongestPrefix(path)
	if !found {
		return nil
	}
	return raw.(*routeEntry).mountEntry
}

// MatchingMountByAccessor returns the mount entry by accessor lookup
func (r *Router) MatchingMountByAccessor(mountAccessor string) *MountEntry {
	if mountAccessor == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, raw, ok := r.mountAccessorCache.LongestPrefix(mountAccessor)
	if !ok {
		return nil
	}

	return raw.(*MountEntry)
}

// MatchingMount returns the mount prefix that would be used for a path
func (r *Router) MatchingMount(ctx context.Context, path string) string {
	r.mu.RLock()
	mount := r.matchingMountInternal(ctx, path)
	r.mu.RUnlock()
	return mount
}

func (r *Router) matchingMountInternal(ctx context.Context, path string) string {
	mount, _, ok := r.root.LongestPrefix(path)
	if !ok {
		return ""
	}
	return mount
}

// Taint is used to mark a path as tainted.
// A tainted path is not resolvable.
func (r *Router) Taint(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, raw, ok := r.root.LongestPrefix(path)
	if ok {
		re := raw.(*routeEntry)
		re.l.Lock()
		re.tainted = true
		re.l.Unlock()
	}
	return nil
}

// Untaint is used to unmark a path as tainted.
func (r *Router) Untaint(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, raw, ok := r.root.LongestPrefix(path)
	if ok {
		re := raw.(*routeEntry)
		re.l.Lock()
		re.tainted = false
		re.l.Unlock()
	}
	return nil
}

// Route is used to route a given request to the owning backend. The mount
// prefix is trimmed from the request path for the duration of the dispatch
// and the mount metadata is stamped onto the request.
func (r *Router) Route(ctx context.Context, req *logical.Request) (*logical.Response, error) {
	requestPath := strings.TrimPrefix(req.Path, "/")

	r.mu.RLock()
	mount, raw, ok := r.root.LongestPrefix(requestPath)
	if !ok && !strings.HasSuffix(requestPath, "/") {
		// Re-check for a backend by appending a slash. This lets "foo" mean
		// "foo/" at the root level which is almost always what we want.
		requestPath += "/"
		mount, raw, ok = r.root.LongestPrefix(requestPath)
	}
	r.mu.RUnlock()
	if !ok {
		r.logger.Error("no route found",
			logger.String("path", req.Path),
			logger.String("operation", string(req.Operation)),
			logger.String("request_id", req.RequestID),
		)
		return nil, logical.ErrNotFoundf("no handler for route %q", req.Path)
	}
	re := raw.(*routeEntry)

	re.l.RLock()
	tainted := re.tainted
	backend := re.backend
	re.l.RUnlock()

	if backend == nil {
		return nil, logical.ErrNotFoundf("no handler for route %q", req.Path)
	}

	// If the path is tainted, we reject any operation
	if tainted {
		r.logger.Error("route is tainted",
			logger.String("path", req.Path),
			logger.String("request_id", req.RequestID),
		)
		return nil, logical.ErrNotFoundf("no handler for route %q", req.Path)
	}

	// Trim the mount prefix and stamp the mount metadata onto the request,
	// restoring the original path on the way out.
	originalPath := req.Path
	relativePath := strings.TrimPrefix(strings.TrimPrefix(requestPath, mount), "/")

	req.Path = relativePath
	req.MountPoint = mount
	req.MountType = re.mountEntry.Type
	req.MountAccessor = re.mountEntry.Accessor
	defer func() {
		req.Path = originalPath
	}()

	ctx = context.WithValue(ctx, logical.OriginalPath, originalPath)

	return backend.HandleRequest(ctx, req)
}
