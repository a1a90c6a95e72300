// Package repository is the Postgres persistence layer. Every query on an
// org-owned entity takes the org id and filters on it, joins included.
//
// Row-lock ordering is canonical across the codebase to avoid deadlocks:
//
//	Team -> Booking -> Payment -> Invoice -> StripeEvent
//
// Webhook handlers resolve org context (locking the invoice or booking) before
// locking the StripeEvent row.
package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries runs all repository queries against a DBTX.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns Queries bound to the given transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// TxRunner executes a function within a database transaction, committing on
// nil error and rolling back otherwise. Services depend on this interface so
// tests can substitute an in-memory store.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(q Querier) error) error
}

// PoolRunner is the production TxRunner backed by a pgx pool.
type PoolRunner struct {
	pool *pgxpool.Pool
}

func NewPoolRunner(pool *pgxpool.Pool) *PoolRunner {
	return &PoolRunner{pool: pool}
}

func (r *PoolRunner) WithinTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Queries implements Querier; keep the check close to the type.
var _ Querier = (*Queries)(nil)
