package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/openbao/openbao/sdk/v2/database/helper/dbutil"

	log "github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/physical"
)

const (
	// PostgreSQLLockTTLSeconds is how long a lock record stays valid
	// before the holder must renew it.
	PostgreSQLLockTTLSeconds = 15

	// PostgreSQLLockRenewInterval is the interval between lock renewals
	// by the active node.
	PostgreSQLLockRenewInterval = 5 * time.Second

	// PostgreSQLLockRetryInterval is how often a standby retries
	// acquiring the lock.
	PostgreSQLLockRetryInterval = time.Second
)

// Verify PostgreSQLStorage satisfies the correct interfaces
var (
	_ physical.Storage              = (*PostgreSQLStorage)(nil)
	_ physical.TransactionalStorage = (*PostgreSQLStorage)(nil)
	_ physical.HAStorage            = (*PostgreSQLStorage)(nil)
	_ physical.FencingHABackend     = (*PostgreSQLStorage)(nil)
	_ physical.Transaction          = (*PostgreSQLTransaction)(nil)
	_ physical.Lock                 = (*PostgreSQLLock)(nil)
)

// PostgreSQLStorage is a physical backend that stores data on a PostgreSQL
// server. Keys are split into a parent path, a path and a key column so
// hierarchical lists stay cheap, and an optional lock table provides HA
// coordination between nodes.
type PostgreSQLStorage struct {
	table  string
	client *sql.DB

	putQuery             string
	getQuery             string
	deleteQuery          string
	listQuery            string
	listPageQuery        string
	listPageLimitedQuery string

	haTable                  string
	haGetLockValueQuery      string
	haUpsertLockIdentityExec string
	haRenewLockIdentityExec  string
	haDeleteLockExec         string
	haCheckLockHeldQuery     string

	logger    log.Logger
	haEnabled bool

	txnPermitPool *physical.PermitPool

	fenceLock sync.RWMutex
	fence     *PostgreSQLLock
}

// PostgreSQLLock implements a lock using a PostgreSQL row with a TTL. The
// active node keeps the row fresh; a standby steals it once the TTL lapses.
type PostgreSQLLock struct {
	backend  *PostgreSQLStorage
	key      string
	value    string
	identity string

	renewTicker *time.Ticker

	ttlSeconds    int
	renewInterval time.Duration
	retryInterval time.Duration
}

// NewPostgreSQLStorage constructs a PostgreSQL storage backend using the
// connection URL from the environment or the given config.
func NewPostgreSQLStorage(conf map[string]string, logger log.Logger) (physical.Storage, error) {
	connURL := connectionURL(conf)
	if connURL == "" {
		return nil, fmt.Errorf("missing connection_url")
	}

	unquotedTable, ok := conf["table"]
	if !ok {
		unquotedTable = "walletd_kv_store"
	}
	quotedTable := dbutil.QuoteIdentifier(unquotedTable)

	unquotedHaTable, ok := conf["ha_table"]
	if !ok {
		unquotedHaTable = "walletd_ha_locks"
	}
	quotedHaTable := dbutil.QuoteIdentifier(unquotedHaTable)

	maxParInt := physical.DefaultParallelOperations
	if maxParStr, ok := conf["max_parallel"]; ok {
		var err error
		maxParInt, err = strconv.Atoi(maxParStr)
		if err != nil {
			return nil, fmt.Errorf("failed parsing max_parallel parameter: %w", err)
		}
		if logger.IsLevelEnabled(log.DebugLevel) {
			logger.Debug("max_parallel set", log.Int("max_parallel", maxParInt))
		}
	}

	db, err := sql.Open("pgx", connURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(maxParInt)

	if conf["skip_create_table"] != "true" {
		if err := createTables(db, quotedTable, quotedHaTable); err != nil {
			db.Close()
			return nil, err
		}
	}

	storage := &PostgreSQLStorage{
		table:  quotedTable,
		client: db,
		putQuery: "INSERT INTO " + quotedTable + " VALUES($1, $2, $3, $4)" +
			" ON CONFLICT (path, key) DO " +
			" UPDATE SET (parent_path, path, key, value) = ($1, $2, $3, $4)",
		getQuery:    "SELECT value FROM " + quotedTable + " WHERE path = $1 AND key = $2",
		deleteQuery: "DELETE FROM " + quotedTable + " WHERE path = $1 AND key = $2",
		listQuery: "SELECT key FROM " + quotedTable + " WHERE path = $1" +
			" UNION ALL SELECT DISTINCT substring(substr(path, length($1)+1) from '^.*?/') FROM " + quotedTable +
			" WHERE parent_path LIKE $1 || '%'" +
			" ORDER BY key",
		listPageQuery: "SELECT key FROM " + quotedTable + " WHERE path = $1 AND key > $2" +
			" UNION ALL SELECT DISTINCT substring(substr(path, length($1)+1) from '^.*?/') FROM " + quotedTable +
			" WHERE parent_path LIKE $1 || '%' AND substring(substr(path, length($1)+1) from '^.*?/') > $2" +
			" ORDER BY key",
		listPageLimitedQuery: "SELECT key FROM " + quotedTable + " WHERE path = $1 AND key > $2" +
			" UNION ALL SELECT DISTINCT substring(substr(path, length($1)+1) from '^.*?/') FROM " + quotedTable +
			" WHERE parent_path LIKE $1 || '%' AND substring(substr(path, length($1)+1) from '^.*?/') > $2" +
			" ORDER BY key LIMIT $3",
		haTable: quotedHaTable,
		// only read non expired data
		haGetLockValueQuery: " SELECT ha_value FROM " + quotedHaTable + " WHERE NOW() <= valid_until AND ha_key = $1 ",
		// $1=identity $2=ha_key $3=ha_value $4=TTL in seconds
		// either steal an expired lock or update the expiry on my own lock
		haUpsertLockIdentityExec: " INSERT INTO " + quotedHaTable + " as t (ha_identity, ha_key, ha_value, valid_until) VALUES ($1, $2, $3, NOW() + $4 * INTERVAL '1 seconds'  ) " +
			" ON CONFLICT (ha_key) DO " +
			" UPDATE SET (ha_identity, ha_key, ha_value, valid_until) = ($1, $2, $3, NOW() + $4 * INTERVAL '1 seconds') " +
			" WHERE (t.valid_until < NOW() AND t.ha_key = $2)",
		haRenewLockIdentityExec: " UPDATE " + quotedHaTable + " SET (ha_identity, ha_key, ha_value, valid_until) = ($1, $2, $3, NOW() + $4 * INTERVAL '1 seconds')  WHERE (ha_identity = $1 AND ha_key = $2)  ",
		haDeleteLockExec:        " DELETE FROM " + quotedHaTable + " WHERE ha_identity=$1 AND ha_key=$2 ",
		haCheckLockHeldQuery:    " SELECT COUNT(*) FROM " + quotedHaTable + " WHERE  ha_identity=$1 AND ha_key=$2 AND ha_value=$3 AND valid_until > NOW()  ",
		logger:                  logger,
		haEnabled:               conf["ha_enabled"] == "true",
		txnPermitPool:           physical.NewPermitPool(maxParInt),
	}

	return storage, nil
}

// createTables sets up the storage and lock tables when they do not exist
// yet, so a fresh database works without manual schema management.
func createTables(db *sql.DB, quotedTable, quotedHaTable string) error {
	createStorageTable := "CREATE TABLE IF NOT EXISTS " + quotedTable + " ( " +
		" parent_path TEXT COLLATE \"C\" NOT NULL, " +
		" path TEXT COLLATE \"C\", " +
		" key TEXT COLLATE \"C\", " +
		" value BYTEA, " +
		" CONSTRAINT pkey PRIMARY KEY (path, key) " +
		" )"
	if _, err := db.Exec(createStorageTable); err != nil {
		return fmt.Errorf("failed to create storage table: %w", err)
	}

	createHaTable := "CREATE TABLE IF NOT EXISTS " + quotedHaTable + " ( " +
		" ha_key TEXT COLLATE \"C\" NOT NULL, " +
		" ha_identity TEXT COLLATE \"C\" NOT NULL, " +
		" ha_value TEXT COLLATE \"C\", " +
		" valid_until TIMESTAMP WITH TIME ZONE NOT NULL, " +
		" CONSTRAINT ha_key PRIMARY KEY (ha_key) " +
		" )"
	if _, err := db.Exec(createHaTable); err != nil {
		return fmt.Errorf("failed to create ha lock table: %w", err)
	}

	return nil
}

// connectionURL first checks the environment for a connection URL, then
// falls back to the config.
func connectionURL(conf map[string]string) string {
	connURL := conf["connection_url"]
	if envURL := os.Getenv("WALLETD_PG_CONNECTION_URL"); envURL != "" {
		connURL = envURL
	}

	return connURL
}

// splitKey breaks a logical key into the parent path, path and key columns
// used by the storage table.
func (m *PostgreSQLStorage) splitKey(fullPath string) (string, string, string) {
	var parentPath string
	var path string

	pieces := strings.Split(fullPath, "/")
	depth := len(pieces)
	key := pieces[depth-1]

	if depth == 1 {
		path = "/"
	} else {
		path = "/" + strings.Join(pieces[:depth-1], "/") + "/"
	}

	if depth > 2 {
		parentPath = "/" + strings.Join(pieces[:depth-2], "/") + "/"
	} else if depth == 2 {
		parentPath = "/"
	}

	return parentPath, path, key
}

// validateFence refuses writes once the registered active node lock is no
// longer held, unless the context explicitly allows unfenced writes.
func (m *PostgreSQLStorage) validateFence(ctx context.Context) error {
	if physical.IsUnfencedWrite(ctx) {
		return nil
	}

	m.fenceLock.RLock()
	fence := m.fence
	m.fenceLock.RUnlock()

	if fence == nil {
		return nil
	}

	held, err := fence.IsActivelyHeld(ctx)
	if err != nil {
		return err
	}
	if !held {
		return errors.New(physical.ErrFencedWriteFailed)
	}

	return nil
}

func (m *PostgreSQLStorage) Put(ctx context.Context, entry *physical.Entry) error {
	if err := m.validateFence(ctx); err != nil {
		return err
	}

	parentPath, path, key := m.splitKey(entry.Key)

	_, err := m.client.ExecContext(ctx, m.putQuery, parentPath, path, key, entry.Value)
	return err
}

func (m *PostgreSQLStorage) Get(ctx context.Context, fullPath string) (*physical.Entry, error) {
	_, path, key := m.splitKey(fullPath)

	var result []byte
	err := m.client.QueryRowContext(ctx, m.getQuery, path, key).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &physical.Entry{
		Key:   fullPath,
		Value: result,
	}, nil
}

func (m *PostgreSQLStorage) Delete(ctx context.Context, fullPath string) error {
	if err := m.validateFence(ctx); err != nil {
		return err
	}

	_, path, key := m.splitKey(fullPath)

	_, err := m.client.ExecContext(ctx, m.deleteQuery, path, key)
	return err
}

func (m *PostgreSQLStorage) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := m.client.QueryContext(ctx, m.listQuery, "/"+prefix)
	if err != nil {
		return nil, err
	}

	return scanKeys(rows)
}

func (m *PostgreSQLStorage) ListPage(ctx context.Context, prefix string, after string, limit int) ([]string, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = m.client.QueryContext(ctx, m.listPageLimitedQuery, "/"+prefix, after, limit)
	} else {
		rows, err = m.client.QueryContext(ctx, m.listPageQuery, "/"+prefix, after)
	}
	if err != nil {
		return nil, err
	}

	return scanKeys(rows)
}

func scanKeys(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan rows: %w", err)
		}

		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func (m *PostgreSQLStorage) BeginReadOnlyTx(ctx context.Context) (physical.Transaction, error) {
	m.txnPermitPool.Acquire()

	tx, err := m.client.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		m.txnPermitPool.Release()
		return nil, err
	}

	return &PostgreSQLTransaction{
		m:        m,
		tx:       tx,
		readOnly: true,
	}, nil
}

func (m *PostgreSQLStorage) BeginTx(ctx context.Context) (physical.Transaction, error) {
	m.txnPermitPool.Acquire()

	tx, err := m.client.BeginTx(ctx, nil)
	if err != nil {
		m.txnPermitPool.Release()
		return nil, err
	}

	return &PostgreSQLTransaction{
		m:  m,
		tx: tx,
	}, nil
}

// PostgreSQLTransaction runs storage operations inside a database
// transaction. Commit on a read-only transaction or one without writes
// rolls back instead, saving a useless WAL flush.
type PostgreSQLTransaction struct {
	m        *PostgreSQLStorage
	tx       *sql.Tx
	readOnly bool
	written  bool
	finished bool
}

func (t *PostgreSQLTransaction) Put(ctx context.Context, entry *physical.Entry) error {
	if t.finished {
		return physical.ErrTransactionAlreadyCommitted
	}
	if t.readOnly {
		return physical.ErrTransactionReadOnly
	}

	parentPath, path, key := t.m.splitKey(entry.Key)

	_, err := t.tx.ExecContext(ctx, t.m.putQuery, parentPath, path, key, entry.Value)
	if err == nil {
		t.written = true
	}
	return err
}

func (t *PostgreSQLTransaction) Get(ctx context.Context, fullPath string) (*physical.Entry, error) {
	if t.finished {
		return nil, physical.ErrTransactionAlreadyCommitted
	}

	_, path, key := t.m.splitKey(fullPath)

	var result []byte
	err := t.tx.QueryRowContext(ctx, t.m.getQuery, path, key).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &physical.Entry{
		Key:   fullPath,
		Value: result,
	}, nil
}

func (t *PostgreSQLTransaction) Delete(ctx context.Context, fullPath string) error {
	if t.finished {
		return physical.ErrTransactionAlreadyCommitted
	}
	if t.readOnly {
		return physical.ErrTransactionReadOnly
	}

	_, path, key := t.m.splitKey(fullPath)

	_, err := t.tx.ExecContext(ctx, t.m.deleteQuery, path, key)
	if err == nil {
		t.written = true
	}
	return err
}

func (t *PostgreSQLTransaction) List(ctx context.Context, prefix string) ([]string, error) {
	if t.finished {
		return nil, physical.ErrTransactionAlreadyCommitted
	}

	rows, err := t.tx.QueryContext(ctx, t.m.listQuery, "/"+prefix)
	if err != nil {
		return nil, err
	}

	return scanKeys(rows)
}

func (t *PostgreSQLTransaction) ListPage(ctx context.Context, prefix string, after string, limit int) ([]string, error) {
	if t.finished {
		return nil, physical.ErrTransactionAlreadyCommitted
	}

	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = t.tx.QueryContext(ctx, t.m.listPageLimitedQuery, "/"+prefix, after, limit)
	} else {
		rows, err = t.tx.QueryContext(ctx, t.m.listPageQuery, "/"+prefix, after)
	}
	if err != nil {
		return nil, err
	}

	return scanKeys(rows)
}

func (t *PostgreSQLTransaction) Commit(ctx context.Context) error {
	if t.finished {
		return physical.ErrTransactionAlreadyCommitted
	}
	t.finished = true
	defer t.m.txnPermitPool.Release()

	// Nothing to persist, so roll back instead of forcing a commit.
	if t.readOnly || !t.written {
		return t.tx.Rollback()
	}

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", physical.ErrTransactionCommitFailure, err)
	}
	return nil
}

func (t *PostgreSQLTransaction) Rollback(ctx context.Context) error {
	if t.finished {
		return physical.ErrTransactionAlreadyCommitted
	}
	t.finished = true
	defer t.m.txnPermitPool.Release()

	return t.tx.Rollback()
}

// HAEnabled reports whether the lock table may be used for leadership.
func (m *PostgreSQLStorage) HAEnabled() bool {
	return m.haEnabled
}

// LockWith is used for mutual exclusion based on the given key.
func (m *PostgreSQLStorage) LockWith(key, value string) (physical.Lock, error) {
	identity, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}

	return &PostgreSQLLock{
		backend:       m,
		key:           key,
		value:         value,
		identity:      identity,
		ttlSeconds:    PostgreSQLLockTTLSeconds,
		renewInterval: PostgreSQLLockRenewInterval,
		retryInterval: PostgreSQLLockRetryInterval,
	}, nil
}

// RegisterActiveNodeLock installs the lock held by the active node as the
// write fence.
func (m *PostgreSQLStorage) RegisterActiveNodeLock(l physical.Lock) error {
	pgLock, ok := l.(*PostgreSQLLock)
	if !ok {
		return fmt.Errorf("invalid lock type %T: expected PostgreSQLLock", l)
	}

	m.fenceLock.Lock()
	defer m.fenceLock.Unlock()
	m.fence = pgLock

	return nil
}

// Lock tries to acquire the lock, blocking until it succeeds or stopCh is
// closed. On success the returned channel is closed once leadership is
// lost.
func (l *PostgreSQLLock) Lock(stopCh <-chan struct{}) (<-chan struct{}, error) {
	var (
		success = make(chan struct{})
		errs    = make(chan error, 1)
		leader  = make(chan struct{})
	)

	go l.tryToLock(stopCh, success, errs)

	select {
	case <-success:
		// The lock is ours, keep it renewed until we lose it.
		l.renewTicker = time.NewTicker(l.renewInterval)
		go l.periodicallyRenewLock(leader)
	case err := <-errs:
		return nil, err
	case <-stopCh:
		return nil, nil
	}

	return leader, nil
}

func (l *PostgreSQLLock) tryToLock(stop <-chan struct{}, success chan struct{}, errs chan error) {
	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			gotlock, err := l.writeItem()
			switch {
			case err != nil:
				errs <- err
				return
			case gotlock:
				close(success)
				return
			}
		}
	}
}

func (l *PostgreSQLLock) periodicallyRenewLock(done chan struct{}) {
	for range l.renewTicker.C {
		gotlock, err := l.writeItem()
		if err != nil || !gotlock {
			close(done)
			l.renewTicker.Stop()
			return
		}
	}
}

// writeItem steals the lock if it expired, or refreshes the TTL when we
// already hold it. Affecting one row means we hold the lock.
func (l *PostgreSQLLock) writeItem() (bool, error) {
	pg := l.backend

	sqlResult, err := pg.client.Exec(pg.haUpsertLockIdentityExec, l.identity, l.key, l.value, l.ttlSeconds)
	if err != nil {
		return false, err
	}
	if sqlResult == nil {
		return false, errors.New("empty SQL response received")
	}

	ar, err := sqlResult.RowsAffected()
	if err != nil {
		return false, err
	}
	return ar == 1, nil
}

// Unlock releases the lock by deleting our own lock row.
func (l *PostgreSQLLock) Unlock() error {
	pg := l.backend
	if l.renewTicker != nil {
		l.renewTicker.Stop()
	}

	_, err := pg.client.Exec(pg.haDeleteLockExec, l.identity, l.key)
	return err
}

// Value reads the current holder of the lock, whoever that is.
func (l *PostgreSQLLock) Value() (bool, string, error) {
	pg := l.backend
	var result string
	err := pg.client.QueryRow(pg.haGetLockValueQuery, l.key).Scan(&result)

	switch err {
	case nil:
		return true, result, nil
	case sql.ErrNoRows:
		return false, "", nil
	default:
		return false, "", err
	}
}

// IsActivelyHeld reports whether our own identity still holds the lock
// with an unexpired TTL.
func (l *PostgreSQLLock) IsActivelyHeld(ctx context.Context) (bool, error) {
	pg := l.backend

	var result int
	err := pg.client.QueryRowContext(ctx, pg.haCheckLockHeldQuery, l.identity, l.key, l.value).Scan(&result)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}

	return result > 0, nil
}
