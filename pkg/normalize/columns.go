package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
)

// dateLayouts are tried in order. The unpadded forms also accept padded
// input, so 03-22-2022 and 3-22-2022 both parse.
var dateLayouts = []string{
	"1-2-06",
	"1-2-2006",
	"2006-1-2",
	"January 2, 2006",
}

// mapChunks builds one output chunk per input chunk with the same length.
// Errors are prefixed with the table row number.
func mapChunks(mem memory.Allocator, col *arrow.Chunked, typ arrow.DataType, fn func(arr arrow.Array, b array.Builder) error) (*arrow.Chunked, error) {
	out := make([]arrow.Array, 0, len(col.Chunks()))
	defer func() {
		for _, a := range out {
			a.Release()
		}
	}()

	offset := 0
	for _, chunk := range col.Chunks() {
		b := array.NewBuilder(mem, typ)
		b.Reserve(chunk.Len())
		if err := fn(chunk, b); err != nil {
			b.Release()
			var re *rowError
			if errors.As(err, &re) {
				re.row += offset
			}
			return nil, err
		}
		offset += chunk.Len()
		out = append(out, b.NewArray())
		b.Release()
	}
	return arrow.NewChunked(typ, out), nil
}

// rowError reports a bad value at a chunk-relative row.
type rowError struct {
	row int
	err error
}

func (e *rowError) Error() string { return fmt.Sprintf("row %d: %v", e.row, e.err) }
func (e *rowError) Unwrap() error { return e.err }

func badRow(i int, format string, args ...interface{}) error {
	return &rowError{row: i, err: fmt.Errorf(format, args...)}
}

// integerAt returns the value of an integer array at i.
func integerAt(arr arrow.Array, i int) (int64, bool) {
	switch a := arr.(type) {
	case *array.Int8:
		return int64(a.Value(i)), true
	case *array.Int16:
		return int64(a.Value(i)), true
	case *array.Int32:
		return int64(a.Value(i)), true
	case *array.Int64:
		return a.Value(i), true
	case *array.Uint8:
		return int64(a.Value(i)), true
	case *array.Uint16:
		return int64(a.Value(i)), true
	case *array.Uint32:
		return int64(a.Value(i)), true
	case *array.Uint64:
		if a.Value(i) > 1<<62 {
			return 1 << 62, true
		}
		return int64(a.Value(i)), true
	default:
		return 0, false
	}
}

func isInteger(dt arrow.DataType) bool {
	return arrow.IsInteger(dt.ID())
}

func isString(dt arrow.DataType) bool {
	return dt.ID() == arrow.STRING || dt.ID() == arrow.LARGE_STRING
}

// stringAt returns the value of a string array at i.
func stringAt(arr arrow.Array, i int) string {
	switch a := arr.(type) {
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	default:
		return arr.ValueStr(i)
	}
}

func yearToString(mem memory.Allocator, field arrow.Field, col *arrow.Chunked) Result {
	if !isInteger(field.Type) {
		return skip(fmt.Sprintf("type %s is not an integer", field.Type))
	}
	out, err := mapChunks(mem, col, arrow.BinaryTypes.String, func(arr arrow.Array, b array.Builder) error {
		sb := b.(*array.StringBuilder)
		for i := 0; i < arr.Len(); i++ {
			if arr.IsNull(i) {
				sb.AppendNull()
				continue
			}
			v, _ := integerAt(arr, i)
			sb.Append(strconv.FormatInt(v, 10))
		}
		return nil
	})
	if err != nil {
		return fatal(err)
	}
	return ok(field, arrow.BinaryTypes.String, out)
}

func monthNumber(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("January", s); err == nil {
		return int(t.Month()), true
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= 12 {
		return n, true
	}
	return 0, false
}

func monthToMM(mem memory.Allocator, field arrow.Field, col *arrow.Chunked) Result {
	if !isInteger(field.Type) && !isString(field.Type) {
		return skip(fmt.Sprintf("type %s is neither integer nor string", field.Type))
	}
	out, err := mapChunks(mem, col, arrow.BinaryTypes.String, func(arr arrow.Array, b array.Builder) error {
		sb := b.(*array.StringBuilder)
		for i := 0; i < arr.Len(); i++ {
			if arr.IsNull(i) {
				sb.AppendNull()
				continue
			}
			var (
				m     int
				valid bool
			)
			if v, isInt := integerAt(arr, i); isInt {
				m, valid = int(v), v >= 1 && v <= 12
			} else {
				s := stringAt(arr, i)
				if s == "" {
					sb.AppendNull()
					continue
				}
				m, valid = monthNumber(s)
			}
			if !valid {
				return badRow(i, "%q is not a month", arr.ValueStr(i))
			}
			sb.Append(fmt.Sprintf("%02d", m))
		}
		return nil
	})
	if err != nil {
		return fatal(err)
	}
	return ok(field, arrow.BinaryTypes.String, out)
}

func narrowUint8(policy OutOfRangePolicy) ColumnTransform {
	return func(mem memory.Allocator, field arrow.Field, col *arrow.Chunked) Result {
		if field.Type.ID() == arrow.UINT8 {
			return skip("already uint8")
		}
		if !isInteger(field.Type) {
			return skip(fmt.Sprintf("type %s is not an integer", field.Type))
		}
		out, err := mapChunks(mem, col, arrow.PrimitiveTypes.Uint8, func(arr arrow.Array, b array.Builder) error {
			ub := b.(*array.Uint8Builder)
			for i := 0; i < arr.Len(); i++ {
				if arr.IsNull(i) {
					ub.AppendNull()
					continue
				}
				v, _ := integerAt(arr, i)
				if v < 0 || v > 255 {
					return badRow(i, "%d does not fit in uint8", v)
				}
				ub.Append(uint8(v))
			}
			return nil
		})
		if err != nil {
			if policy == OutOfRangeSkip {
				return skip(err.Error())
			}
			return fatal(err)
		}
		return ok(field, arrow.PrimitiveTypes.Uint8, out)
	}
}

func flagToBool(mem memory.Allocator, field arrow.Field, col *arrow.Chunked) Result {
	switch {
	case field.Type.ID() == arrow.BOOL:
		return skip("already bool")
	case !isInteger(field.Type) && !isString(field.Type):
		return skip(fmt.Sprintf("type %s is neither integer nor string", field.Type))
	}
	out, err := mapChunks(mem, col, arrow.FixedWidthTypes.Boolean, func(arr arrow.Array, b array.Builder) error {
		bb := b.(*array.BooleanBuilder)
		for i := 0; i < arr.Len(); i++ {
			if arr.IsNull(i) {
				bb.AppendNull()
				continue
			}
			if v, isInt := integerAt(arr, i); isInt {
				if v != 0 && v != 1 {
					return badRow(i, "%d is not a 0/1 flag", v)
				}
				bb.Append(v == 1)
				continue
			}
			switch s := stringAt(arr, i); s {
			case "":
				bb.AppendNull()
			case "0":
				bb.Append(false)
			case "1":
				bb.Append(true)
			default:
				return badRow(i, "%q is not a 0/1 flag", s)
			}
		}
		return nil
	})
	if err != nil {
		return fatal(err)
	}
	return ok(field, arrow.FixedWidthTypes.Boolean, out)
}

var uuidType = &arrow.FixedSizeBinaryType{ByteWidth: 16}

// parseHyphenatedUUID accepts only the canonical 8-4-4-4-12 form.
func parseHyphenatedUUID(s string) (uuid.UUID, bool) {
	if len(s) != 36 || s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		return uuid.UUID{}, false
	}
	u, err := uuid.Parse(s)
	return u, err == nil
}

func isUUID(s string) bool {
	_, ok := parseHyphenatedUUID(s)
	return ok
}

func uuidToBinary(mem memory.Allocator, field arrow.Field, col *arrow.Chunked) Result {
	if !isString(field.Type) {
		return skip(fmt.Sprintf("type %s is not a string", field.Type))
	}

	// all or nothing: one bad value keeps the column as text
	for _, chunk := range col.Chunks() {
		for i := 0; i < chunk.Len(); i++ {
			if chunk.IsNull(i) {
				continue
			}
			if s := stringAt(chunk, i); !isUUID(s) {
				return skip(fmt.Sprintf("%q is not a UUID", s))
			}
		}
	}

	out, err := mapChunks(mem, col, uuidType, func(arr arrow.Array, b array.Builder) error {
		fb := b.(*array.FixedSizeBinaryBuilder)
		for i := 0; i < arr.Len(); i++ {
			if arr.IsNull(i) {
				fb.AppendNull()
				continue
			}
			u, _ := parseHyphenatedUUID(stringAt(arr, i))
			fb.Append(u[:])
		}
		return nil
	})
	if err != nil {
		return fatal(err)
	}
	return ok(field, uuidType, out)
}

// ParseDate parses s with the accepted date layouts.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q does not match any date format", s)
}

func parseDates(mem memory.Allocator, field arrow.Field, col *arrow.Chunked) Result {
	switch {
	case field.Type.ID() == arrow.DATE32:
		return skip("already date32")
	case !isString(field.Type):
		return fatal(fmt.Errorf("cannot parse dates from type %s", field.Type))
	}
	out, err := mapChunks(mem, col, arrow.FixedWidthTypes.Date32, func(arr arrow.Array, b array.Builder) error {
		db := b.(*array.Date32Builder)
		for i := 0; i < arr.Len(); i++ {
			if arr.IsNull(i) {
				db.AppendNull()
				continue
			}
			s := stringAt(arr, i)
			if s == "" {
				db.AppendNull()
				continue
			}
			t, err := ParseDate(s)
			if err != nil {
				return &rowError{row: i, err: err}
			}
			db.Append(arrow.Date32FromTime(t))
		}
		return nil
	})
	if err != nil {
		return fatal(err)
	}
	return ok(field, arrow.FixedWidthTypes.Date32, out)
}
