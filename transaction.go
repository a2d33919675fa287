package zrel

import (
	"context"
	"database/sql"
	"log/slog"
)

// Tx wraps sql.Tx.
type Tx struct {
	Tx *sql.Tx
}

type txKey struct{}

// ContextWithTx returns a copy of ctx carrying tx. Models and relation clients
// called with the returned context run inside tx and never commit or roll it back.
func ContextWithTx(ctx context.Context, tx *Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx, or nil.
func TxFromContext(ctx context.Context) *Tx {
	tx, _ := ctx.Value(txKey{}).(*Tx)
	return tx
}

// TransactionCoordinator runs units of work inside a transaction, opening one
// only when the context does not already carry one.
type TransactionCoordinator struct {
	db     *sql.DB
	opts   *sql.TxOptions
	logger *slog.Logger
}

// CoordinatorOption configures a TransactionCoordinator.
type CoordinatorOption func(*TransactionCoordinator)

// WithTxOptions sets the isolation level and read-only flag of owned transactions.
func WithTxOptions(opts *sql.TxOptions) CoordinatorOption {
	return func(c *TransactionCoordinator) {
		c.opts = opts
	}
}

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *TransactionCoordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewTransactionCoordinator creates a coordinator for db. A nil db falls back
// to GlobalDB when a transaction has to be opened.
func NewTransactionCoordinator(db *sql.DB, opts ...CoordinatorOption) *TransactionCoordinator {
	c := &TransactionCoordinator{db: db, logger: Logger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes fn exactly once inside a transaction.
//
// If ctx already carries a transaction, fn runs in it and Run neither commits
// nor rolls back: the owner of that transaction decides. Otherwise Run begins
// a transaction, commits when fn returns nil and rolls back when fn returns an
// error or panics. The error returned by fn is returned unchanged.
func (c *TransactionCoordinator) Run(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if tx := TxFromContext(ctx); tx != nil {
		return fn(ctx, tx)
	}

	db := c.db
	if db == nil {
		db = GlobalDB
	}
	if db == nil {
		return ErrNilDatabase
	}

	sqlTx, err := db.BeginTx(ctx, c.opts)
	if err != nil {
		return &TransactionError{Op: "begin", Err: err}
	}
	c.logger.DebugContext(ctx, "zrel: transaction started")

	tx := &Tx{Tx: sqlTx}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ContextWithTx(ctx, tx), tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			c.logger.WarnContext(ctx, "zrel: rollback failed", "error", rbErr, "cause", err)
		} else {
			c.logger.DebugContext(ctx, "zrel: transaction rolled back", "cause", err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return &TransactionError{Op: "commit", Err: err}
	}
	c.logger.DebugContext(ctx, "zrel: transaction committed")
	return nil
}

// Transaction executes fn within a transaction on db, reusing the transaction
// carried by ctx if there is one.
func Transaction(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *Tx) error) error {
	return NewTransactionCoordinator(db).Run(ctx, fn)
}
