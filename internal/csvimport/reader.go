package csvimport

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JonMunkholm/productimport/internal/catalog"
)

// DefaultBatchSize is used when NewBatchReader is given a non-positive size.
const DefaultBatchSize = 10000

// ErrEmptyFile is returned when the source has no header row.
var ErrEmptyFile = errors.New("CSV file is empty")

// MissingColumnsError lists required columns absent from the header.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return "Missing required columns: " + strings.Join(e.Columns, ", ")
}

// Batch is one chunk of the source. Records holds rows that passed validation
// in source order; Errors holds the rows that did not.
type Batch struct {
	Index   int
	Records []catalog.ProductRecord
	Errors  []RowError
}

// Size is the number of source rows the batch accounts for.
func (b Batch) Size() int {
	return len(b.Records) + len(b.Errors)
}

// ErrorStrings renders Errors as "Row N: message" strings.
func (b Batch) ErrorStrings() []string {
	out := make([]string, len(b.Errors))
	for i := range b.Errors {
		out[i] = b.Errors[i].Error()
	}
	return out
}

// BatchReader streams a CSV source as batches of validated records. Only the
// current batch is held in memory.
type BatchReader struct {
	src       *CountingReader
	cr        *csv.Reader
	header    []string
	batchSize int
	index     int
	done      bool
}

// NewBatchReader reads and checks the header. It returns ErrEmptyFile when
// there is no header and *MissingColumnsError when sku or name is absent.
func NewBatchReader(r io.Reader, batchSize int) (*BatchReader, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	src := wrapSource(r)
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	raw, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	header := normalizeHeader(raw)
	if isEmptyRow(header) {
		return nil, ErrEmptyFile
	}
	if missing := missingColumns(header); len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}

	return &BatchReader{
		src:       src,
		cr:        cr,
		header:    header,
		batchSize: batchSize,
	}, nil
}

// BytesRead reports how much of the source has been consumed.
func (b *BatchReader) BytesRead() int64 {
	return b.src.BytesRead
}

// Next returns the next batch. A batch is emitted once it holds batchSize
// valid records or the source is exhausted. Next returns io.EOF when there is
// nothing left; any other error is an unrecoverable read failure.
func (b *BatchReader) Next() (Batch, error) {
	if b.done {
		return Batch{}, io.EOF
	}

	batch := Batch{Index: b.index}
	for len(batch.Records) < b.batchSize {
		fields, err := b.cr.Read()
		if errors.Is(err, io.EOF) {
			b.done = true
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				batch.Errors = append(batch.Errors, RowError{Line: pe.StartLine, Message: "malformed CSV: " + pe.Err.Error()})
				continue
			}
			return Batch{}, fmt.Errorf("read csv: %w", err)
		}
		if isEmptyRow(fields) {
			continue
		}

		line, _ := b.cr.FieldPos(0)
		rec, err := ValidateRow(b.rowMap(fields), line)
		if err != nil {
			var re *RowError
			if errors.As(err, &re) {
				batch.Errors = append(batch.Errors, *re)
				continue
			}
			return Batch{}, err
		}
		batch.Records = append(batch.Records, rec)
	}

	if batch.Size() == 0 {
		return Batch{}, io.EOF
	}
	b.index++
	return batch, nil
}

// rowMap pairs fields with header names. Short rows leave trailing columns
// absent; extra fields are ignored. The first occurrence of a duplicated
// header wins. Columns with a blank header are skipped.
func (b *BatchReader) rowMap(fields []string) map[string]string {
	row := make(map[string]string, len(b.header))
	for i, name := range b.header {
		if i >= len(fields) {
			break
		}
		if name == "" {
			continue
		}
		if _, dup := row[name]; dup {
			continue
		}
		row[name] = fields[i]
	}
	return row
}

// CountRows returns the number of data lines in r, excluding the header. It
// counts physical lines, so quoted fields spanning lines inflate the result
// slightly; it is used only as a progress denominator.
func CountRows(r io.Reader) (int, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 64*1024)

	lines := 0
	var last byte
	sawData := false
	for {
		n, err := br.Read(buf)
		if n > 0 {
			lines += bytes.Count(buf[:n], []byte{'\n'})
			last = buf[n-1]
			sawData = true
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("count rows: %w", err)
		}
	}

	if sawData && last != '\n' {
		lines++
	}
	if lines == 0 {
		return 0, nil
	}
	return lines - 1, nil
}

func normalizeHeader(raw []string) []string {
	header := make([]string, len(raw))
	for i, h := range raw {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return header
}

func missingColumns(header []string) []string {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	var missing []string
	for _, col := range RequiredColumns {
		if !have[col] {
			missing = append(missing, col)
		}
	}
	return missing
}

func isEmptyRow(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
