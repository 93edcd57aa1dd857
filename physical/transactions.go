package physical

import (
	"context"
	"errors"
)

var (
	ErrTransactionReadOnly         error = errors.New("transaction is read-only")
	ErrTransactionCommitFailure    error = errors.New("transaction commit failed")
	ErrTransactionAlreadyCommitted error = errors.New("transaction has been committed or rolled back")
)

// Transactional is implemented by backends that can open interactive
// transactions, in the style of database/sql: a handle on which storage
// calls are made, finished by Commit or Rollback.
type Transactional interface {
	// BeginReadOnlyTx opens a transaction that only serves reads. Put and
	// Delete on the handle fail with ErrTransactionReadOnly.
	BeginReadOnlyTx(context.Context) (Transaction, error)

	// BeginTx opens a read/write transaction. Depending on the backend,
	// parallel read/write transactions may serialize against each other.
	BeginTx(context.Context) (Transaction, error)
}

// Transaction is the handle returned by Begin*Tx. It accepts the usual
// storage operations; exactly one of Commit or Rollback must be called
// to release the handle.
type Transaction interface {
	Storage

	// Commit persists the writes made through this handle. On a
	// read-only transaction it behaves like Rollback.
	Commit(context.Context) error

	// Rollback discards the writes made through this handle.
	Rollback(context.Context) error
}

// TransactionalStorage is implemented if a storage backend implements
// interactive transactions as well as normal backend operations.
type TransactionalStorage interface {
	Storage
	Transactional
}

// TransactionalBackend is an alias kept for callers that still use the
// Backend naming.
type TransactionalBackend = TransactionalStorage
