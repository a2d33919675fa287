package zrel

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// GlobalDB is the connection used by models that were not given one with SetDB.
var GlobalDB *sql.DB

// Model[T] is the generic query builder and row persistence API for T.
type Model[T any] struct {
	db        *sql.DB
	tx        *Tx
	dialect   *Dialect
	logger    *slog.Logger
	modelInfo *ModelInfo
	table     string

	// Query Builder State
	columns  []string
	scopes   []whereClause
	wheres   []whereClause
	orderBys []string
	limit    int
	offset   int

	err error // first builder error, reported when the query runs
}

// New creates a new Model instance for type T.
func New[T any]() *Model[T] {
	return &Model[T]{
		db:        GlobalDB,
		logger:    Logger(),
		modelInfo: ParseModel[T](),
	}
}

// TableName returns the table the model reads from and writes to.
func (m *Model[T]) TableName() string {
	if m.table != "" {
		return m.table
	}
	return m.modelInfo.TableName
}

// Info returns the reflection metadata for T.
func (m *Model[T]) Info() *ModelInfo {
	return m.modelInfo
}

// SetDB sets a custom database connection for this model instance.
func (m *Model[T]) SetDB(db *sql.DB) *Model[T] {
	m.db = db
	return m
}

// SetDialect overrides the dialect registered for the connection.
func (m *Model[T]) SetDialect(d *Dialect) *Model[T] {
	m.dialect = d
	return m
}

// WithTx binds the model to a transaction. It takes precedence over a
// transaction carried by the context.
func (m *Model[T]) WithTx(tx *Tx) *Model[T] {
	m.tx = tx
	return m
}

// WithLogger sets the logger for this model instance.
func (m *Model[T]) WithLogger(l *slog.Logger) *Model[T] {
	if l != nil {
		m.logger = l
	}
	return m
}

// Table overrides the table name inferred from T.
func (m *Model[T]) Table(name string) *Model[T] {
	m.table = name
	return m
}

// Err returns the first error recorded while building the query.
func (m *Model[T]) Err() error {
	return m.err
}

func (m *Model[T]) addError(err error) {
	if m.err == nil {
		m.err = err
	}
}

// Dialect returns the dialect in effect for this model.
func (m *Model[T]) Dialect() *Dialect {
	if m.dialect != nil {
		return m.dialect
	}
	return dialectOf(m.database())
}

func (m *Model[T]) database() *sql.DB {
	if m.db != nil {
		return m.db
	}
	return GlobalDB
}

// queryer returns the executor for the call: the bound transaction, the
// transaction on the context, or the connection pool.
func (m *Model[T]) queryer(ctx context.Context) (executor, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.tx != nil {
		return m.tx.Tx, nil
	}
	if tx := TxFromContext(ctx); tx != nil {
		return tx.Tx, nil
	}
	if db := m.database(); db != nil {
		return db, nil
	}
	return nil, ErrNilDatabase
}

type executor interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ConfigureConnectionPool applies pool settings to db. Zero values leave a
// setting untouched.
func ConfigureConnectionPool(db *sql.DB, maxOpen, maxIdle int, maxLifetime, idleTimeout time.Duration) {
	if db == nil {
		return
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}
	if idleTimeout > 0 {
		db.SetConnMaxIdleTime(idleTimeout)
	}
}
