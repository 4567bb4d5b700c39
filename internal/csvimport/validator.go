// Package csvimport turns an uploaded CSV source into batches of validated
// product records.
//
// Structural problems (empty file, missing required columns) are returned as
// errors before any batch is produced. Problems with individual rows never
// stop the stream; they are reported alongside the batch they occurred in.
package csvimport

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/JonMunkholm/productimport/internal/catalog"
)

// Column names recognised in the header. Matching is case-insensitive.
const (
	ColSKU         = "sku"
	ColName        = "name"
	ColDescription = "description"
	ColPrice       = "price"
	ColQuantity    = "quantity"
	ColActive      = "active"
)

// RequiredColumns must be present in every header.
var RequiredColumns = []string{ColSKU, ColName}

// RowError is a validation failure for one source row.
type RowError struct {
	Line    int
	Message string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("Row %d: %s", e.Line, e.Message)
}

// truthy lists the accepted spellings of true for the active column.
var truthy = map[string]bool{"true": true, "1": true, "yes": true, "y": true}

// ValidateRow converts one raw row into a ProductRecord. row maps lower-case
// column names to raw cell values; a column absent from the header is absent
// from the map. line is the 1-based source line (the header is line 1).
//
// The returned error is always a *RowError.
func ValidateRow(row map[string]string, line int) (catalog.ProductRecord, error) {
	rec := catalog.ProductRecord{Line: line}

	rec.SKU = strings.TrimSpace(row[ColSKU])
	if rec.SKU == "" {
		return catalog.ProductRecord{}, rowErr(line, "SKU is required and cannot be empty")
	}
	if utf8.RuneCountInString(rec.SKU) > catalog.MaxSKULength {
		return catalog.ProductRecord{}, rowErr(line, fmt.Sprintf("SKU exceeds %d characters", catalog.MaxSKULength))
	}

	rec.Name = strings.TrimSpace(row[ColName])
	if rec.Name == "" {
		return catalog.ProductRecord{}, rowErr(line, "Name is required and cannot be empty")
	}
	if utf8.RuneCountInString(rec.Name) > catalog.MaxNameLength {
		return catalog.ProductRecord{}, rowErr(line, fmt.Sprintf("Name exceeds %d characters", catalog.MaxNameLength))
	}

	if raw, ok := present(row, ColPrice); ok {
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil || price < 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			return catalog.ProductRecord{}, rowErr(line, "Invalid price value: "+raw)
		}
		rec.Price = &price
	}

	if raw, ok := present(row, ColQuantity); ok {
		qty, err := strconv.Atoi(raw)
		if err != nil {
			return catalog.ProductRecord{}, rowErr(line, "Invalid quantity value: "+raw)
		}
		rec.Quantity = &qty
	}

	if raw, ok := present(row, ColActive); ok {
		active := truthy[strings.ToLower(raw)]
		rec.Active = &active
	}

	if raw, ok := present(row, ColDescription); ok {
		rec.Description = &raw
	}

	return rec, nil
}

// present returns the trimmed value of col and whether it is non-blank.
func present(row map[string]string, col string) (string, bool) {
	raw, ok := row[col]
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func rowErr(line int, msg string) *RowError {
	return &RowError{Line: line, Message: msg}
}
