package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/openbao/openbao/sdk/v2/database/helper/dbutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/walletd/physical"
)

// newMockStorage assembles a PostgreSQLStorage over a sqlmock connection,
// building the statements the same way the constructor does so the mock
// expectations stay in sync with production queries.
func newMockStorage(t *testing.T) (*PostgreSQLStorage, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	table := dbutil.QuoteIdentifier("wd_store")
	haTable := dbutil.QuoteIdentifier("wd_locks")

	s := &PostgreSQLStorage{
		table:  table,
		client: db,
		putQuery: "INSERT INTO " + table + " VALUES($1, $2, $3, $4)" +
			" ON CONFLICT (path, key) DO " +
			" UPDATE SET (parent_path, path, key, value) = ($1, $2, $3, $4)",
		getQuery:    "SELECT value FROM " + table + " WHERE path = $1 AND key = $2",
		deleteQuery: "DELETE FROM " + table + " WHERE path = $1 AND key = $2",
		listQuery: "SELECT key FROM " + table + " WHERE path = $1" +
			" UNION ALL SELECT DISTINCT substring(substr(path, length($1)+1) from '^.*?/') FROM " + table +
			" WHERE parent_path LIKE $1 || '%'" +
			" ORDER BY key",
		listPageQuery: "SELECT key FROM " + table + " WHERE path = $1 AND key > $2" +
			" UNION ALL SELECT DISTINCT substring(substr(path, length($1)+1) from '^.*?/') FROM " + table +
			" WHERE parent_path LIKE $1 || '%' AND substring(substr(path, length($1)+1) from '^.*?/') > $2" +
			" ORDER BY key",
		listPageLimitedQuery: "SELECT key FROM " + table + " WHERE path = $1 AND key > $2" +
			" UNION ALL SELECT DISTINCT substring(substr(path, length($1)+1) from '^.*?/') FROM " + table +
			" WHERE parent_path LIKE $1 || '%' AND substring(substr(path, length($1)+1) from '^.*?/') > $2" +
			" ORDER BY key LIMIT $3",
		haTable:             haTable,
		haGetLockValueQuery: " SELECT ha_value FROM " + haTable + " WHERE NOW() <= valid_until AND ha_key = $1 ",
		haUpsertLockIdentityExec: " INSERT INTO " + haTable + " as t (ha_identity, ha_key, ha_value, valid_until) VALUES ($1, $2, $3, NOW() + $4 * INTERVAL '1 seconds'  ) " +
			" ON CONFLICT (ha_key) DO " +
			" UPDATE SET (ha_identity, ha_key, ha_value, valid_until) = ($1, $2, $3, NOW() + $4 * INTERVAL '1 seconds') " +
			" WHERE (t.valid_until < NOW() AND t.ha_key = $2)",
		haRenewLockIdentityExec: " UPDATE " + haTable + " SET (ha_identity, ha_key, ha_value, valid_until) = ($1, $2, $3, NOW() + $4 * INTERVAL '1 seconds')  WHERE (ha_identity = $1 AND ha_key = $2)  ",
		haDeleteLockExec:        " DELETE FROM " + haTable + " WHERE ha_identity=$1 AND ha_key=$2 ",
		haCheckLockHeldQuery:    " SELECT COUNT(*) FROM " + haTable + " WHERE  ha_identity=$1 AND ha_key=$2 AND ha_value=$3 AND valid_until > NOW()  ",
		haEnabled:               true,
		txnPermitPool:           physical.NewPermitPool(4),
	}
	return s, mock
}

func TestPostgres_SplitKey(t *testing.T) {
	s, _ := newMockStorage(t)

	cases := []struct {
		name       string
		fullPath   string
		parentPath string
		path       string
		key        string
	}{
		{"top level", "keyring", "", "/", "keyring"},
		{"one deep", "wallets/alpha", "/", "/wallets/", "alpha"},
		{"two deep", "wallets/team/shared", "/wallets/", "/wallets/team/", "shared"},
		{"three deep", "a/b/c/d", "/a/b/", "/a/b/c/", "d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parentPath, path, key := s.splitKey(tc.fullPath)
			assert.Equal(t, tc.parentPath, parentPath)
			assert.Equal(t, tc.path, path)
			assert.Equal(t, tc.key, key)
		})
	}
}

func TestPostgres_PutGetDelete(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	mock.ExpectExec(s.putQuery).
		WithArgs("/", "/wallets/", "alpha", []byte("v1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Put(ctx, &physical.Entry{Key: "wallets/alpha", Value: []byte("v1")}))

	mock.ExpectQuery(s.getQuery).
		WithArgs("/wallets/", "alpha").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("v1")))
	entry, err := s.Get(ctx, "wallets/alpha")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "wallets/alpha", entry.Key)
	assert.Equal(t, []byte("v1"), entry.Value)

	mock.ExpectExec(s.deleteQuery).
		WithArgs("/wallets/", "alpha").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Delete(ctx, "wallets/alpha"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetMissing(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectQuery(s.getQuery).
		WithArgs("/", "absent").
		WillReturnError(sql.ErrNoRows)

	entry, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, entry)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutError(t *testing.T) {
	s, mock := newMockStorage(t)

	dbErr := errors.New("connection reset")
	mock.ExpectExec(s.putQuery).
		WithArgs("", "/", "keyring", []byte("v")).
		WillReturnError(dbErr)

	err := s.Put(context.Background(), &physical.Entry{Key: "keyring", Value: []byte("v")})
	require.ErrorIs(t, err, dbErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_List(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectQuery(s.listQuery).
		WithArgs("/wallets/").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow("alpha").
			AddRow("beta").
			AddRow("team/"))

	keys, err := s.List(context.Background(), "wallets/")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "team/"}, keys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListPage(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	// Limited page uses the LIMIT statement
	mock.ExpectQuery(s.listPageLimitedQuery).
		WithArgs("/wallets/", "alpha", 2).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow("beta").
			AddRow("gamma"))
	keys, err := s.ListPage(ctx, "wallets/", "alpha", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "gamma"}, keys)

	// Unlimited page uses the plain statement
	mock.ExpectQuery(s.listPageQuery).
		WithArgs("/wallets/", "gamma").
		WillReturnRows(sqlmock.NewRows([]string{"key"}))
	keys, err = s.ListPage(ctx, "wallets/", "gamma", -1)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TransactionCommit(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(s.putQuery).
		WithArgs("/", "/wallets/", "alpha", []byte("v1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, &physical.Entry{Key: "wallets/alpha", Value: []byte("v1")}))
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TransactionEmptyCommitRollsBack(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	// No writes happened, so Commit rolls back instead
	mock.ExpectBegin()
	mock.ExpectRollback()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TransactionRollback(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(s.deleteQuery).
		WithArgs("/wallets/", "alpha").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ctx, "wallets/alpha"))
	require.NoError(t, tx.Rollback(ctx))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TransactionReadOnly(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(s.getQuery).
		WithArgs("/wallets/", "alpha").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("v1")))
	mock.ExpectRollback()

	tx, err := s.BeginReadOnlyTx(ctx)
	require.NoError(t, err)

	entry, err := tx.Get(ctx, "wallets/alpha")
	require.NoError(t, err)
	require.NotNil(t, entry)

	require.ErrorIs(t, tx.Put(ctx, &physical.Entry{Key: "wallets/alpha", Value: []byte("v2")}), physical.ErrTransactionReadOnly)
	require.ErrorIs(t, tx.Delete(ctx, "wallets/alpha"), physical.ErrTransactionReadOnly)

	// Committing a read-only transaction rolls back
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TransactionFinished(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	require.ErrorIs(t, tx.Commit(ctx), physical.ErrTransactionAlreadyCommitted)
	require.ErrorIs(t, tx.Rollback(ctx), physical.ErrTransactionAlreadyCommitted)
	require.ErrorIs(t, tx.Put(ctx, &physical.Entry{Key: "k"}), physical.ErrTransactionAlreadyCommitted)
	_, err = tx.Get(ctx, "k")
	require.ErrorIs(t, err, physical.ErrTransactionAlreadyCommitted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TransactionalInterface(t *testing.T) {
	s, _ := newMockStorage(t)

	var storage physical.Storage = s
	_, ok := storage.(physical.TransactionalStorage)
	assert.True(t, ok, "storage should implement TransactionalStorage")
}

func TestPostgres_HAEnabled(t *testing.T) {
	s, _ := newMockStorage(t)
	assert.True(t, s.HAEnabled())

	s.haEnabled = false
	assert.False(t, s.HAEnabled())
}

func TestPostgres_LockValue(t *testing.T) {
	s, mock := newMockStorage(t)

	lock, err := s.LockWith("leader", "node-a")
	require.NoError(t, err)

	mock.ExpectQuery(s.haGetLockValueQuery).
		WithArgs("leader").
		WillReturnRows(sqlmock.NewRows([]string{"ha_value"}).AddRow("node-a"))
	held, value, err := lock.Value()
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "node-a", value)

	// No unexpired row means nobody holds the lock
	mock.ExpectQuery(s.haGetLockValueQuery).
		WithArgs("leader").
		WillReturnError(sql.ErrNoRows)
	held, value, err = lock.Value()
	require.NoError(t, err)
	assert.False(t, held)
	assert.Empty(t, value)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LockUnlock(t *testing.T) {
	s, mock := newMockStorage(t)

	lock, err := s.LockWith("leader", "node-a")
	require.NoError(t, err)
	pgLock := lock.(*PostgreSQLLock)

	mock.ExpectExec(s.haDeleteLockExec).
		WithArgs(pgLock.identity, "leader").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, lock.Unlock())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LockIsActivelyHeld(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	lock, err := s.LockWith("leader", "node-a")
	require.NoError(t, err)
	pgLock := lock.(*PostgreSQLLock)

	mock.ExpectQuery(s.haCheckLockHeldQuery).
		WithArgs(pgLock.identity, "leader", "node-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	held, err := pgLock.IsActivelyHeld(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	mock.ExpectQuery(s.haCheckLockHeldQuery).
		WithArgs(pgLock.identity, "leader", "node-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	held, err = pgLock.IsActivelyHeld(ctx)
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RegisterActiveNodeLock(t *testing.T) {
	s, _ := newMockStorage(t)

	lock, err := s.LockWith("leader", "node-a")
	require.NoError(t, err)
	require.NoError(t, s.RegisterActiveNodeLock(lock))

	type fakeLock struct{ physical.Lock }
	require.Error(t, s.RegisterActiveNodeLock(fakeLock{}))
}

func TestPostgres_FencedWrites(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	lock, err := s.LockWith("leader", "node-a")
	require.NoError(t, err)
	pgLock := lock.(*PostgreSQLLock)
	require.NoError(t, s.RegisterActiveNodeLock(lock))

	// Write goes through while the fence lock is held
	mock.ExpectQuery(s.haCheckLockHeldQuery).
		WithArgs(pgLock.identity, "leader", "node-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(s.putQuery).
		WithArgs("", "/", "keyring", []byte("v")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Put(ctx, &physical.Entry{Key: "keyring", Value: []byte("v")}))

	// Lost lock blocks the write
	mock.ExpectQuery(s.haCheckLockHeldQuery).
		WithArgs(pgLock.identity, "leader", "node-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	err = s.Put(ctx, &physical.Entry{Key: "keyring", Value: []byte("v")})
	require.Error(t, err)
	assert.Equal(t, physical.ErrFencedWriteFailed, err.Error())

	// Unfenced writes bypass the check entirely
	mock.ExpectExec(s.putQuery).
		WithArgs("", "/", "keyring", []byte("v")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Put(physical.UnfencedWriteCtx(ctx), &physical.Entry{Key: "keyring", Value: []byte("v")}))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ConnectionURL(t *testing.T) {
	t.Setenv("WALLETD_PG_CONNECTION_URL", "")

	assert.Equal(t, "", connectionURL(nil))
	assert.Equal(t, "postgres://conf", connectionURL(map[string]string{"connection_url": "postgres://conf"}))

	t.Setenv("WALLETD_PG_CONNECTION_URL", "postgres://env")
	assert.Equal(t, "postgres://env", connectionURL(map[string]string{"connection_url": "postgres://conf"}))
}
