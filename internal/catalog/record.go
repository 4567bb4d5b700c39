// Package catalog owns the persisted product catalog: the validated record
// type produced by CSV parsing, the Postgres store, and the batch reconciler
// that upserts records case-insensitively by SKU.
package catalog

import "time"

// Column limits enforced by the schema.
const (
	MaxSKULength  = 255
	MaxNameLength = 500
)

// ProductRecord is one validated CSV row. Optional fields are nil when the
// column was absent or blank, so the reconciler only writes what was supplied.
type ProductRecord struct {
	SKU         string
	Name        string
	Description *string
	Price       *float64
	Quantity    *int
	Active      *bool

	// Line is the 1-based source line, kept for logging.
	Line int
}

// FieldValue is one column assignment produced by Changes.
type FieldValue struct {
	Column string
	Value  any
}

// Changes returns the columns this record supplies, in a stable order.
// The SKU is not included: an existing entry keeps its stored casing.
func (p ProductRecord) Changes() []FieldValue {
	changes := []FieldValue{{Column: "name", Value: p.Name}}
	if p.Description != nil {
		changes = append(changes, FieldValue{Column: "description", Value: *p.Description})
	}
	if p.Price != nil {
		changes = append(changes, FieldValue{Column: "price", Value: *p.Price})
	}
	if p.Quantity != nil {
		changes = append(changes, FieldValue{Column: "quantity", Value: *p.Quantity})
	}
	if p.Active != nil {
		changes = append(changes, FieldValue{Column: "active", Value: *p.Active})
	}
	return changes
}

// Product is a persisted catalog entry.
type Product struct {
	ID          int64     `json:"id"`
	SKU         string    `json:"sku"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	Price       *float64  `json:"price"`
	Quantity    int       `json:"quantity"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
