// Package postgres implements the relationaldb interfaces on PostgreSQL.
// All schema-level invariants live here: XOR account ownership, balance
// checks, append-only ledger triggers, and the webhook signature guard.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"

	"github.com/lib/pq"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

// queryer is satisfied by *sql.DB and *sql.Tx, letting every store method
// serve both transactional and autocommit callers.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Database implements relationaldb.Database on PostgreSQL.
type Database struct {
	store
	db     *sql.DB
	config *relationaldb.Config
}

// store carries the typed row operations over a queryer.
type store struct {
	q queryer
}

// NewDatabase creates a PostgreSQL backend from config. The connection is
// opened lazily via Open.
func NewDatabase(config *relationaldb.Config) (*Database, error) {
	if err := config.Validate(); err != nil {
		return nil, relationaldb.NewConfigurationError("new_database", "invalid configuration", err)
	}
	return &Database{config: config}, nil
}

// Open opens the connection pool, verifies connectivity and runs the
// schema migration.
func (d *Database) Open(ctx context.Context) error {
	sqlDB, err := sql.Open(d.config.Driver, d.config.DSN)
	if err != nil {
		return relationaldb.NewConnectionError("open", "failed to open database connection", err)
	}

	sqlDB.SetMaxOpenConns(d.config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(d.config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(d.config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(d.config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, d.config.DefaultTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return relationaldb.NewConnectionError("open", "failed to ping database", err)
	}

	d.db = sqlDB
	d.store.q = sqlDB

	if err := d.initSchema(ctx); err != nil {
		d.db.Close()
		d.db = nil
		return relationaldb.NewSchemaError("open", "failed to initialize schema", err)
	}
	return nil
}

// Close closes the connection pool.
func (d *Database) Close(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return relationaldb.NewConnectionError("close", "failed to close database connection", err)
	}
	return nil
}

// Ping tests connectivity.
func (d *Database) Ping(ctx context.Context) error {
	if d.db == nil {
		return relationaldb.ErrDatabaseClosed
	}
	pingCtx, cancel := context.WithTimeout(ctx, d.config.DefaultTimeout)
	defer cancel()
	if err := d.db.PingContext(pingCtx); err != nil {
		return relationaldb.NewConnectionError("ping", "database ping failed", err)
	}
	return nil
}

// WithinTx runs fn inside a single database transaction at repeatable read.
// The wallet version column supplies the optimistic half of the isolation.
func (d *Database) WithinTx(ctx context.Context, fn func(relationaldb.Store) error) error {
	if d.db == nil {
		return relationaldb.ErrDatabaseClosed
	}
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return relationaldb.NewTransactionError("begin", "failed to begin transaction", err)
	}
	if err := fn(&store{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return relationaldb.NewTransactionError("rollback", "failed to rollback transaction", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return relationaldb.NewTransactionError("commit", "failed to commit transaction", err)
	}
	return nil
}

// TryAdvisoryLock acquires pg_try_advisory_lock on the FNV hash of name.
// The lock is session-scoped; release must be called on the same
// connection, so the lock holds a dedicated conn for its lifetime.
func (d *Database) TryAdvisoryLock(ctx context.Context, name string) (func(), bool, error) {
	if d.db == nil {
		return nil, false, relationaldb.ErrDatabaseClosed
	}

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, false, relationaldb.NewConnectionError("advisory_lock", "failed to acquire connection", err)
	}

	key := advisoryKey(name)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, relationaldb.NewQueryError("advisory_lock", "failed to try advisory lock", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	release := func() {
		// Best effort; closing the connection drops the lock anyway.
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		conn.Close()
	}
	return release, true, nil
}

// advisoryKey hashes a task name into the bigint key space.
func advisoryKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// mapError translates driver errors into the relationaldb taxonomy.
func mapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return relationaldb.NewConstraintError(operation, "unique constraint violation", relationaldb.ErrUniqueViolation)
		case "23514":
			return relationaldb.NewConstraintError(operation, "check constraint violation", relationaldb.ErrCheckViolation)
		case "P0001":
			// Raised by the append-only and webhook-status triggers.
			return relationaldb.NewConstraintError(operation, pqErr.Message, relationaldb.ErrAppendOnly)
		}
	}
	return relationaldb.NewQueryError(operation, "query failed", err)
}
