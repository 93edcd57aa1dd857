package physical

import (
	"context"
	"strings"
)

// View represents a prefixed view over an underlying storage. All
// operations through the view stay confined under the prefix.
type View struct {
	backend Storage
	prefix  string
}

// NewView takes an underlying storage and returns a view of it
// constrained to the given prefix.
func NewView(backend Storage, prefix string) *View {
	return &View{
		backend: backend,
		prefix:  prefix,
	}
}

// Put is used to insert or update an entry.
func (v *View) Put(ctx context.Context, entry *Entry) error {
	if err := v.sanityCheck(entry.Key); err != nil {
		return err
	}

	nested := &Entry{
		Key:      v.expandKey(entry.Key),
		Value:    entry.Value,
		SealWrap: entry.SealWrap,
	}
	return v.backend.Put(ctx, nested)
}

// Get is used to fetch an entry.
func (v *View) Get(ctx context.Context, key string) (*Entry, error) {
	if err := v.sanityCheck(key); err != nil {
		return nil, err
	}

	entry, err := v.backend.Get(ctx, v.expandKey(key))
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	// Rebuild the entry so callers cannot mutate the backend's copy.
	out := &Entry{
		Key:      v.truncateKey(entry.Key),
		Value:    make([]byte, len(entry.Value)),
		SealWrap: entry.SealWrap,
	}
	copy(out.Value, entry.Value)
	if entry.ValueHash != nil {
		out.ValueHash = make([]byte, len(entry.ValueHash))
		copy(out.ValueHash, entry.ValueHash)
	}

	return out, nil
}

// Delete is used to permanently delete an entry.
func (v *View) Delete(ctx context.Context, key string) error {
	if err := v.sanityCheck(key); err != nil {
		return err
	}

	return v.backend.Delete(ctx, v.expandKey(key))
}

// List is used to list all the keys under a given prefix, up to the next
// prefix.
func (v *View) List(ctx context.Context, prefix string) ([]string, error) {
	if err := v.sanityCheck(prefix); err != nil {
		return nil, err
	}

	return v.backend.List(ctx, v.expandKey(prefix))
}

// ListPage lists a page of keys under a given prefix, after the given
// key, up to the given limit.
func (v *View) ListPage(ctx context.Context, prefix string, after string, limit int) ([]string, error) {
	if err := v.sanityCheck(prefix); err != nil {
		return nil, err
	}

	return v.backend.ListPage(ctx, v.expandKey(prefix), after, limit)
}

// sanityCheck verifies the key does not attempt a path traversal.
func (v *View) sanityCheck(key string) error {
	if strings.Contains(key, "..") {
		return ErrRelativePath
	}
	return nil
}

// expandKey is used to expand to the full key path with the prefix.
func (v *View) expandKey(suffix string) string {
	return v.prefix + suffix
}

// truncateKey is used to remove the prefix of the key.
func (v *View) truncateKey(full string) string {
	return strings.TrimPrefix(full, v.prefix)
}
