package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrProductNotFound is returned by FindBySKU when no entry matches.
var ErrProductNotFound = errors.New("product not found")

// DBTX is the interface for database operations.
// Satisfied by *pgxpool.Pool, pgx.Tx and pgxmock.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

const (
	findProductSQL = `SELECT id, sku, name, description, price, quantity, active, created_at, updated_at
FROM products WHERE lower(sku) = lower($1)`

	lockProductIDSQL = `SELECT id FROM products WHERE lower(sku) = lower($1) FOR UPDATE`

	insertProductSQL = `INSERT INTO products (sku, name, description, price, quantity, active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT ((lower(sku))) DO NOTHING
RETURNING id`
)

// Store provides read access to the catalog and the per-record write
// primitives used by the Reconciler.
type Store struct {
	db DBTX
}

// NewStore returns a Store backed by db.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// FindBySKU looks up a product by SKU, ignoring case.
func (s *Store) FindBySKU(ctx context.Context, sku string) (Product, error) {
	var p Product
	err := s.db.QueryRow(ctx, findProductSQL, sku).Scan(
		&p.ID, &p.SKU, &p.Name, &p.Description, &p.Price,
		&p.Quantity, &p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("find product %q: %w", sku, err)
	}
	return p, nil
}

// lockID returns the id of the entry matching sku and locks the row for the
// rest of the transaction. found is false when there is no match.
func lockID(ctx context.Context, q DBTX, sku string) (id int64, found bool, err error) {
	err = q.QueryRow(ctx, lockProductIDSQL, sku).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup: %w", err)
	}
	return id, true, nil
}

// insert creates a new entry applying column defaults for absent fields.
// inserted is false when a concurrent writer created the same SKU first.
func insert(ctx context.Context, q DBTX, rec ProductRecord) (inserted bool, err error) {
	quantity := 0
	if rec.Quantity != nil {
		quantity = *rec.Quantity
	}
	active := true
	if rec.Active != nil {
		active = *rec.Active
	}

	var id int64
	err = q.QueryRow(ctx, insertProductSQL,
		rec.SKU, rec.Name, rec.Description, rec.Price, quantity, active,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert: %w", err)
	}
	return true, nil
}

// update writes only the fields the record supplies.
func update(ctx context.Context, q DBTX, id int64, rec ProductRecord) error {
	query, args := buildUpdate(id, rec.Changes())
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return nil
}

// buildUpdate renders an UPDATE statement for the given changes.
func buildUpdate(id int64, changes []FieldValue) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(changes)+1)
	args = append(args, id)

	b.WriteString("UPDATE products SET ")
	for i, c := range changes {
		args = append(args, c.Value)
		b.WriteString(c.Column)
		b.WriteString(" = $")
		b.WriteString(strconv.Itoa(len(args)))
		if i < len(changes)-1 {
			b.WriteString(", ")
		}
	}
	if len(changes) > 0 {
		b.WriteString(", ")
	}
	b.WriteString("updated_at = now() WHERE id = $1")
	return b.String(), args
}
