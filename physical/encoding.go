package physical

import (
	"context"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrNonUTF8      = errors.New("key contains invalid UTF-8 characters")
	ErrNonPrintable = errors.New("key contains non-printable characters")
)

// StorageEncoding rejects keys that would not round-trip through every
// storage: non-UTF-8 or non-printable key bytes are refused before they
// reach the underlying Storage.
type StorageEncoding struct {
	Storage
}

// TransactionalStorageEncoding is the transactional variant of
// StorageEncoding.
type TransactionalStorageEncoding struct {
	*StorageEncoding
	Transactional
}

// NewStorageEncoding wraps the given storage with key encoding checks.
func NewStorageEncoding(s Storage) Storage {
	enc := &StorageEncoding{
		Storage: s,
	}

	if sTxn, ok := s.(Transactional); ok {
		return &TransactionalStorageEncoding{
			StorageEncoding: enc,
			Transactional:   sTxn,
		}
	}

	return enc
}

func (e *StorageEncoding) containsNonPrintableChars(key string) bool {
	idx := strings.IndexFunc(key, func(c rune) bool {
		return !unicode.IsPrint(c)
	})

	return idx != -1
}

func (e *StorageEncoding) Put(ctx context.Context, entry *Entry) error {
	if !utf8.ValidString(entry.Key) {
		return ErrNonUTF8
	}

	if e.containsNonPrintableChars(entry.Key) {
		return ErrNonPrintable
	}

	return e.Storage.Put(ctx, entry)
}

func (e *StorageEncoding) Delete(ctx context.Context, key string) error {
	if !utf8.ValidString(key) {
		return ErrNonUTF8
	}

	if e.containsNonPrintableChars(key) {
		return ErrNonPrintable
	}

	return e.Storage.Delete(ctx, key)
}

func (e *StorageEncoding) Purge(ctx context.Context) {
	if purgeable, ok := e.Storage.(ToggleablePurgemonster); ok {
		purgeable.Purge(ctx)
	}
}

func (e *StorageEncoding) SetEnabled(enabled bool) {
	if purgeable, ok := e.Storage.(ToggleablePurgemonster); ok {
		purgeable.SetEnabled(enabled)
	}
}
