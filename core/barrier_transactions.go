package core

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/openbao/openbao/sdk/v2/logical"
	"github.com/stephnangue/walletd/physical"
)

var (
	_ logical.TransactionalStorage = (*TransactionalAESGCMBarrier)(nil)
	_ logical.Transaction          = (*AESGCMBarrierTransaction)(nil)
)

// TransactionalAESGCMBarrier exposes the underlying backend's transactions
// through the barrier. It is returned by NewAESGCMBarrier whenever the
// physical backend supports transactions.
type TransactionalAESGCMBarrier struct {
	*AESGCMBarrier
}

// AESGCMBarrierTransaction routes storage operations through a physical
// transaction while borrowing the parent barrier's keyring.
type AESGCMBarrierTransaction struct {
	b  *AESGCMBarrier
	tx physical.Transaction
}

func (b *TransactionalAESGCMBarrier) BeginReadOnlyTx(ctx context.Context) (logical.Transaction, error) {
	tx, err := b.backend.(physical.TransactionalBackend).BeginReadOnlyTx(ctx)
	if err != nil {
		return nil, err
	}

	return &AESGCMBarrierTransaction{
		b:  b.AESGCMBarrier,
		tx: tx,
	}, nil
}

func (b *TransactionalAESGCMBarrier) BeginTx(ctx context.Context) (logical.Transaction, error) {
	tx, err := b.backend.(physical.TransactionalBackend).BeginTx(ctx)
	if err != nil {
		return nil, err
	}

	return &AESGCMBarrierTransaction{
		b:  b.AESGCMBarrier,
		tx: tx,
	}, nil
}

func (t *AESGCMBarrierTransaction) Put(ctx context.Context, entry *logical.StorageEntry) error {
	t.b.l.RLock()
	if t.b.sealed {
		t.b.l.RUnlock()
		return ErrBarrierSealed
	}

	term := t.b.keyring.ActiveTerm()
	primary, err := t.b.aeadForTerm(term)
	t.b.l.RUnlock()
	if err != nil {
		return err
	}
	if t.b.readOnly.Load() {
		return logical.ErrReadOnly
	}

	value, err := t.b.encrypt(entry.Key, term, primary, entry.Value)
	if err != nil {
		return err
	}
	return t.tx.Put(ctx, &physical.Entry{
		Key:      entry.Key,
		Value:    value,
		SealWrap: entry.SealWrap,
	})
}

func (t *AESGCMBarrierTransaction) Get(ctx context.Context, key string) (*logical.StorageEntry, error) {
	t.b.l.RLock()
	if t.b.sealed {
		t.b.l.RUnlock()
		return nil, ErrBarrierSealed
	}

	pe, err := t.tx.Get(ctx, key)
	if err != nil {
		t.b.l.RUnlock()
		return nil, err
	}
	if pe == nil {
		t.b.l.RUnlock()
		return nil, nil
	}

	// Verify the term
	term := binary.BigEndian.Uint32(pe.Value[:4])

	gcm, err := t.b.aeadForTerm(term)
	t.b.l.RUnlock()
	if err != nil {
		return nil, err
	}
	if gcm == nil {
		return nil, fmt.Errorf("no decryption key available for term %d", term)
	}

	plain, err := t.b.decrypt(key, gcm, pe.Value)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return &logical.StorageEntry{
		Key:      key,
		Value:    plain,
		SealWrap: pe.SealWrap,
	}, nil
}

func (t *AESGCMBarrierTransaction) Delete(ctx context.Context, key string) error {
	t.b.l.RLock()
	sealed := t.b.sealed
	t.b.l.RUnlock()
	if sealed {
		return ErrBarrierSealed
	}
	if t.b.readOnly.Load() {
		return logical.ErrReadOnly
	}

	return t.tx.Delete(ctx, key)
}

func (t *AESGCMBarrierTransaction) List(ctx context.Context, prefix string) ([]string, error) {
	t.b.l.RLock()
	sealed := t.b.sealed
	t.b.l.RUnlock()
	if sealed {
		return nil, ErrBarrierSealed
	}

	return t.tx.List(ctx, prefix)
}

func (t *AESGCMBarrierTransaction) ListPage(ctx context.Context, prefix string, after string, limit int) ([]string, error) {
	t.b.l.RLock()
	sealed := t.b.sealed
	t.b.l.RUnlock()
	if sealed {
		return nil, ErrBarrierSealed
	}

	return t.tx.ListPage(ctx, prefix, after, limit)
}

func (t *AESGCMBarrierTransaction) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *AESGCMBarrierTransaction) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
