package columnar

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowcsv "github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/paulswartz/data-platform/pkg/errors"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVOptions configures ReadCSV.
type CSVOptions struct {
	// ChunkRows is the number of rows per table chunk
	ChunkRows int
	// Allocator for the table buffers
	Allocator memory.Allocator
}

// Opener returns a fresh reader over the same CSV payload. ReadCSV makes
// two passes: one to infer column types, one to build the table.
type Opener func() (io.ReadCloser, error)

// ReadCSV parses a CSV payload with a header row into a chunked table.
//
// Column types are inferred from every row: a column whose non-empty
// values all parse as int64 is Int64 (empty values become null), else
// Float64 when they all parse as floats, else String (empty values are
// kept as empty strings). Dates and flags stay text; recognizing them is
// the normalizer's job.
func ReadCSV(open Opener, opts CSVOptions) (arrow.Table, error) {
	if opts.ChunkRows <= 0 {
		opts.ChunkRows = 64 * 1024
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.NewGoAllocator()
	}

	schema, err := inferSchema(open)
	if err != nil {
		return nil, err
	}

	rc, err := open()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "reopen CSV")
	}
	defer rc.Close()

	r := arrowcsv.NewReader(skipBOM(rc), schema,
		arrowcsv.WithHeader(true),
		arrowcsv.WithChunk(opts.ChunkRows),
		arrowcsv.WithNullReader(false, ""),
		arrowcsv.WithAllocator(opts.Allocator),
	)
	defer r.Release()

	var recs []arrow.Record
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()

	for r.Next() {
		if err := r.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "parse CSV")
		}
		rec := r.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "parse CSV")
	}

	return array.NewTableFromRecords(r.Schema(), recs), nil
}

type columnKind int

const (
	kindUnknown columnKind = iota // only empty values seen so far
	kindInt
	kindFloat
	kindString
)

func inferSchema(open Opener) (*arrow.Schema, error) {
	rc, err := open()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "open CSV")
	}
	defer rc.Close()

	cr := csv.NewReader(skipBOM(rc))
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New(errors.ErrorTypeData, "CSV payload is empty")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "read CSV header")
	}

	names := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		if h == "" {
			return nil, errors.Newf(errors.ErrorTypeData, "CSV column %d has an empty name", i)
		}
		if seen[h] {
			return nil, errors.Newf(errors.ErrorTypeData, "CSV column %q appears more than once", h)
		}
		seen[h] = true
		names[i] = h
	}

	kinds := make([]columnKind, len(names))
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "read CSV row")
		}
		for i, v := range row {
			kinds[i] = widen(kinds[i], v)
		}
	}

	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: kinds[i].dataType(), Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

func widen(k columnKind, v string) columnKind {
	if v == "" || k == kindString {
		return k
	}
	if k <= kindInt {
		if _, err := strconv.ParseInt(v, 10, 64); err == nil {
			return kindInt
		}
	}
	if isDecimal(v) {
		return kindFloat
	}
	return kindString
}

// isDecimal accepts what strconv.ParseFloat accepts, minus the special
// spellings (nan, inf, infinity, hex floats) that are far more likely to
// be text in a CSV.
func isDecimal(v string) bool {
	if strings.ContainsAny(v, "nNiIxXpP_") {
		return false
	}
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

func (k columnKind) dataType() arrow.DataType {
	switch k {
	case kindInt:
		return arrow.PrimitiveTypes.Int64
	case kindFloat:
		return arrow.PrimitiveTypes.Float64
	default:
		return arrow.BinaryTypes.String
	}
}

func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if prefix, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(prefix, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return br
}
