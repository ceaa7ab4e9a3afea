package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Querier is the read/write surface shared by DB and Tx.
//
// Repositories accept a Querier so the same code runs inside a unit of work
// or, for read-only lookups, directly against the pool.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Dialect() Dialect
}

// Tx is a transaction that rebinds ? placeholders for its dialect.
type Tx struct {
	*sql.Tx
	dialect Dialect
}

// Dialect returns the SQL dialect of the transaction.
func (tx *Tx) Dialect() Dialect {
	return tx.dialect
}

// ExecContext executes a statement inside the transaction.
func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.Tx.ExecContext(ctx, tx.dialect.Rebind(query), args...)
}

// QueryContext executes a query inside the transaction.
func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.Tx.QueryContext(ctx, tx.dialect.Rebind(query), args...)
}

// QueryRowContext executes a single-row query inside the transaction.
func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.Tx.QueryRowContext(ctx, tx.dialect.Rebind(query), args...)
}

// TxFunc is the body of a unit of work.
type TxFunc func(ctx context.Context, tx *Tx) error

// Transactor opens units of work. *DB implements it.
type Transactor interface {
	WithinTx(ctx context.Context, fn TxFunc) error
}

// WithinTx runs fn inside one transaction.
//
// The transaction commits when fn returns nil and rolls back when fn returns
// an error or panics; the panic is re-raised after rollback. The connection
// is always released. The error from fn is returned unwrapped so callers can
// match typed errors with errors.As.
func (db *DB) WithinTx(ctx context.Context, fn TxFunc) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback() //nolint:errcheck // Panic path, original panic wins
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rolling back transaction: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
