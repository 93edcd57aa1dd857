package core

import (
	"context"
	"errors"
	"sync"

	"github.com/openbao/openbao/sdk/v2/logical"
)

// BarrierView wraps a SecurityBarrier and ensures all access is automatically
// prefixed. This is used to prevent anyone with access to the view from
// accessing any data in the durable storage outside of their prefix. Conceptually
// this is like a "chroot" into the barrier.
//
// BarrierView implements logical.Storage so it can be passed in as the
// durable storage mechanism for logical views.
type BarrierView interface {
	logical.Storage
	Prefix() string
	SubView(prefix string) BarrierView
	SetReadOnlyErr(readOnlyErr error)
	GetReadOnlyErr() error
}

type barrierView struct {
	storage         logical.StorageView
	readOnlyErr     error
	readOnlyErrLock sync.RWMutex
}

var _ BarrierView = (*barrierView)(nil)

// NewBarrierView takes an underlying security barrier and returns
// a view of it that can only operate with the given prefix.
func NewBarrierView(barrier logical.Storage, prefix string) BarrierView {
	return &barrierView{
		storage: logical.NewStorageView(barrier, prefix),
	}
}

func (v *barrierView) SetReadOnlyErr(readOnlyErr error) {
	v.readOnlyErrLock.Lock()
	defer v.readOnlyErrLock.Unlock()
	v.readOnlyErr = readOnlyErr
}

func (v *barrierView) GetReadOnlyErr() error {
	v.readOnlyErrLock.RLock()
	defer v.readOnlyErrLock.RUnlock()
	return v.readOnlyErr
}

func (v *barrierView) List(ctx context.Context, prefix string) ([]string, error) {
	return v.storage.List(ctx, prefix)
}

func (v *barrierView) ListPage(ctx context.Context, prefix string, after string, limit int) ([]string, error) {
	return v.storage.ListPage(ctx, prefix, after, limit)
}

func (v *barrierView) Get(ctx context.Context, key string) (*logical.StorageEntry, error) {
	return v.storage.Get(ctx, key)
}

// Put differs from List/Get because it checks read-only errors
func (v *barrierView) Put(ctx context.Context, entry *logical.StorageEntry) error {
	if entry == nil {
		return errors.New("cannot write nil entry")
	}

	roErr := v.GetReadOnlyErr()
	if roErr != nil {
		return roErr
	}

	return v.storage.Put(ctx, entry)
}

func (v *barrierView) Delete(ctx context.Context, key string) error {
	roErr := v.GetReadOnlyErr()
	if roErr != nil {
		return roErr
	}

	return v.storage.Delete(ctx, key)
}

// SubView constructs a nested sub-view using the given prefix
func (v *barrierView) SubView(prefix string) BarrierView {
	return &barrierView{
		storage:     v.storage.SubView(prefix),
		readOnlyErr: v.GetReadOnlyErr(),
	}
}

func (v *barrierView) Prefix() string {
	return v.storage.Prefix()
}
