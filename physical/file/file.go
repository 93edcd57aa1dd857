package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/physical"
)

// Verify FileBackend satisfies the correct interfaces
var _ physical.Storage = (*FileBackend)(nil)

// FileBackend is a physical backend that stores data on disk at a given
// file path. It is meant for durable single node deployments and local
// development, not for anything that needs coordination between nodes.
type FileBackend struct {
	sync.RWMutex
	path       string
	logger     log.Logger
	permitPool *physical.PermitPool
}

// fileEntry is the JSON envelope written to disk. Storing values wrapped
// means a real entry is never a zero length file, which lets Get treat
// zero length files as leftovers from a crashed write.
type fileEntry struct {
	Value []byte `json:"value"`
}

// NewFileBackend constructs a FileBackend using the given directory.
func NewFileBackend(conf map[string]string, logger log.Logger) (physical.Storage, error) {
	path, ok := conf["path"]
	if !ok {
		return nil, fmt.Errorf("'path' must be set")
	}

	return &FileBackend{
		path:       path,
		logger:     logger,
		permitPool: physical.NewPermitPool(physical.DefaultParallelOperations),
	}, nil
}

func (b *FileBackend) Put(ctx context.Context, entry *physical.Entry) error {
	b.permitPool.Acquire()
	defer b.permitPool.Release()

	b.Lock()
	defer b.Unlock()

	return b.PutInternal(ctx, entry)
}

func (b *FileBackend) PutInternal(ctx context.Context, entry *physical.Entry) error {
	if err := b.validatePath(entry.Key); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	basePath, key := b.expandPath(entry.Key)

	// Make the parent tree
	if err := os.MkdirAll(basePath, 0o700); err != nil {
		return err
	}

	// Encode the entry to a temp file and rename it into place so a
	// crashed write never leaves a truncated entry behind.
	fullPath := filepath.Join(basePath, key)
	tempPath := fullPath + ".temp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", tempPath, err)
	}

	enc := json.NewEncoder(f)
	encErr := enc.Encode(&fileEntry{Value: entry.Value})
	f.Close()
	if encErr == nil {
		return os.Rename(tempPath, fullPath)
	}

	// Best effort cleanup of the temp file
	os.Remove(tempPath)

	return encErr
}

func (b *FileBackend) Get(ctx context.Context, k string) (*physical.Entry, error) {
	b.permitPool.Acquire()
	defer b.permitPool.Release()

	b.RLock()
	defer b.RUnlock()

	return b.GetInternal(ctx, k)
}

func (b *FileBackend) GetInternal(ctx context.Context, k string) (*physical.Entry, error) {
	if err := b.validatePath(k); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	path, key := b.expandPath(k)
	path = filepath.Join(path, key)

	// A zero length file can only be a leftover from a crashed write, so
	// remove it and report a miss.
	fi, err := os.Stat(path)
	if err == nil && fi.Size() == 0 {
		// Best effort, ignore errors
		os.Remove(path)
		return nil, nil
	}

	f, err := os.Open(path)
	if f != nil {
		defer f.Close()
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	var entry fileEntry
	if err := physical.DecodeJSONFromReader(f, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", path, err)
	}

	return &physical.Entry{
		Key:   k,
		Value: entry.Value,
	}, nil
}

func (b *FileBackend) Delete(ctx context.Context, path string) error {
	b.permitPool.Acquire()
	defer b.permitPool.Release()

	b.Lock()
	defer b.Unlock()

	return b.DeleteInternal(ctx, path)
}

func (b *FileBackend) DeleteInternal(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	if err := b.validatePath(path); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	basePath, key := b.expandPath(path)
	fullPath := filepath.Join(basePath, key)

	err := os.Remove(fullPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %q: %w", fullPath, err)
	}

	return b.cleanupLogicalPath(path)
}

// cleanupLogicalPath is used to remove all empty nodes, beginning with the
// deepest one, up to the top level node.
func (b *FileBackend) cleanupLogicalPath(path string) error {
	nodes := strings.Split(filepath.Dir(path), fmt.Sprintf("%c", os.PathSeparator))
	for i := len(nodes); i > 0; i-- {
		fullPath := filepath.Join(b.path, filepath.Join(nodes[:i]...))

		dir, err := os.Open(fullPath)
		if err != nil {
			if dir != nil {
				dir.Close()
			}

			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		list, err := dir.Readdir(1)
		dir.Close()
		if err != nil && err != io.EOF {
			return err
		}

		// If we have no entries, it's an empty directory; remove it
		if err == io.EOF || len(list) == 0 {
			if err := os.Remove(fullPath); err != nil {
				return err
			}
		}
	}

	return nil
}

func (b *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	return b.ListPage(ctx, prefix, "", -1)
}

func (b *FileBackend) ListPage(ctx context.Context, prefix string, after string, limit int) ([]string, error) {
	b.permitPool.Acquire()
	defer b.permitPool.Release()

	b.RLock()
	defer b.RUnlock()

	return b.ListPageInternal(ctx, prefix, after, limit)
}

func (b *FileBackend) ListPageInternal(ctx context.Context, prefix string, after string, limit int) ([]string, error) {
	if err := b.validatePath(prefix); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	path := b.path
	if prefix != "" {
		path = filepath.Join(path, prefix)
	}

	f, err := os.Open(path)
	if f != nil {
		defer f.Close()
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}

	for i, name := range names {
		fi, err := os.Stat(filepath.Join(path, name))
		if err != nil {
			return nil, err
		}
		if fi.IsDir() {
			names[i] = name + "/"
		} else {
			// Strip the storage prefix from file names
			names[i] = name[1:]
		}
	}

	if len(names) > 0 {
		sort.Strings(names)
	}

	// Skip everything up to and including the after marker
	if after != "" {
		idx := sort.SearchStrings(names, after)
		if idx < len(names) && names[idx] == after {
			idx++
		}
		names = names[idx:]
	}

	if limit > 0 {
		if limit > len(names) {
			limit = len(names)
		}
		names = names[:limit]
	}

	return names, nil
}

// validatePath rejects keys that try to escape the storage root.
func (b *FileBackend) validatePath(path string) error {
	switch {
	case strings.Contains(path, ".."):
		return physical.ErrPathContainsParentReferences
	}

	return nil
}

// expandPath turns a logical key into the directory that holds it and the
// prefixed file name within that directory.
func (b *FileBackend) expandPath(k string) (string, string) {
	path := filepath.Join(b.path, k)
	key := filepath.Base(path)
	path = filepath.Dir(path)
	return path, "_" + key
}
