package audit

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// querier is satisfied by both *sqlx.DB and *sqlx.Tx; every Recorder method
// resolves one from context so routing-event groups and other multi-row
// inserts can run inside one transaction (spec §5: "no audit record
// observer can see a partial group").
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

type txKey struct{}

// txFromContext extracts an active transaction, modeled on the teacher's
// pkg/storage/postgres.TxFromContext/ContextWithTx idiom.
func txFromContext(ctx context.Context) *sqlx.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return nil
}

func contextWithTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func (r *Recorder) querier(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return r.db
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on error or panic. Every atomic multi-row insert (a routing
// group, a batch status transition) must use this.
func (r *Recorder) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin transaction: %w", err)
	}
	txCtx := contextWithTx(ctx, tx)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(txCtx)
}
