package catalog

// reconciler.go applies one batch of validated records to the catalog.
//
// A batch runs in a single transaction. Every record gets its own savepoint so
// that a constraint violation on one record rolls back only that record; the
// rest of the batch still commits. Failures of the transaction itself (begin,
// savepoint, commit) abort the whole batch and are returned to the caller.

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner starts transactions. Satisfied by *pgxpool.Pool and pgxmock.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RecordError describes a record skipped by the reconciler.
type RecordError struct {
	SKU  string
	Line int
	Err  error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("row %d (sku %q): %v", e.Line, e.SKU, e.Err)
}

// BatchResult tallies one committed batch.
type BatchResult struct {
	Created int
	Updated int
	Failed  int
	Errors  []RecordError
}

// Reconciler upserts batches of product records.
type Reconciler struct {
	db TxBeginner
}

// NewReconciler returns a Reconciler that opens transactions on db.
func NewReconciler(db TxBeginner) *Reconciler {
	return &Reconciler{db: db}
}

// Apply upserts batch atomically. A non-nil error means nothing from the
// batch was committed.
func (r *Reconciler) Apply(ctx context.Context, batch []ProductRecord) (BatchResult, error) {
	var result BatchResult
	if len(batch) == 0 {
		return result, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, rec := range batch {
		savepoint := fmt.Sprintf("sp_%d", i)
		if _, err := tx.Exec(ctx, "SAVEPOINT "+savepoint); err != nil {
			return BatchResult{}, fmt.Errorf("create savepoint: %w", err)
		}

		created, err := upsert(ctx, tx, rec)
		if err != nil {
			if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
				return BatchResult{}, fmt.Errorf("rollback savepoint: %w", rbErr)
			}
			result.Failed++
			result.Errors = append(result.Errors, RecordError{SKU: rec.SKU, Line: rec.Line, Err: err})
			continue
		}

		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
			return BatchResult{}, fmt.Errorf("release savepoint: %w", err)
		}

		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("commit: %w", err)
	}

	return result, nil
}

// upsert writes one record and reports whether it created a new entry.
func upsert(ctx context.Context, q DBTX, rec ProductRecord) (created bool, err error) {
	id, found, err := lockID(ctx, q, rec.SKU)
	if err != nil {
		return false, err
	}

	if !found {
		inserted, err := insert(ctx, q, rec)
		if err != nil {
			return false, err
		}
		if inserted {
			return true, nil
		}
		// Lost a race with another import; update the winner's row instead.
		id, found, err = lockID(ctx, q, rec.SKU)
		if err != nil {
			return false, err
		}
		if !found {
			return false, fmt.Errorf("sku %q vanished after insert conflict", rec.SKU)
		}
	}

	return false, update(ctx, q, id, rec)
}
