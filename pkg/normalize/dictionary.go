package normalize

import (
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// columnSizes are logical byte counts for a string column.
type columnSizes struct {
	rows     int
	distinct int
	plain    int64
	encoded  int64
	index    arrow.DataType
}

func bitmapBytes(rows, nulls int) int64 {
	if nulls == 0 {
		return 0
	}
	return int64((rows + 7) / 8)
}

// indexType returns the narrowest signed index type that can address n
// dictionary entries.
func indexType(n int) arrow.DataType {
	switch {
	case n <= math.MaxInt8+1:
		return arrow.PrimitiveTypes.Int8
	case n <= math.MaxInt16+1:
		return arrow.PrimitiveTypes.Int16
	default:
		return arrow.PrimitiveTypes.Int32
	}
}

func measure(col *arrow.Chunked) columnSizes {
	seen := make(map[string]struct{})
	var valueBytes, dictBytes int64
	for _, chunk := range col.Chunks() {
		for i := 0; i < chunk.Len(); i++ {
			if chunk.IsNull(i) {
				continue
			}
			s := stringAt(chunk, i)
			valueBytes += int64(len(s))
			if _, dup := seen[s]; !dup {
				seen[s] = struct{}{}
				dictBytes += int64(len(s))
			}
		}
	}

	n, d := col.Len(), len(seen)
	bitmap := bitmapBytes(n, col.NullN())
	idx := indexType(d)
	width := int64(idx.(arrow.FixedWidthDataType).BitWidth() / 8)

	return columnSizes{
		rows:     n,
		distinct: d,
		plain:    valueBytes + 4*int64(n+1) + bitmap,
		encoded:  width*int64(n) + dictBytes + 4*int64(d+1) + bitmap,
		index:    idx,
	}
}

func dictionaryEncode(mem memory.Allocator, field arrow.Field, col *arrow.Chunked) Result {
	if field.Type.ID() != arrow.STRING {
		return skip(fmt.Sprintf("type %s is not a string", field.Type))
	}

	sizes := measure(col)
	if sizes.encoded >= sizes.plain {
		return skip(fmt.Sprintf("dictionary of %d values would not save space (%d >= %d bytes)",
			sizes.distinct, sizes.encoded, sizes.plain))
	}

	dt := &arrow.DictionaryType{IndexType: sizes.index, ValueType: arrow.BinaryTypes.String}
	b := array.NewDictionaryBuilder(mem, dt)
	defer b.Release()

	// one builder across chunks, so later dictionaries extend earlier ones
	chunks := make([]arrow.Array, 0, len(col.Chunks()))
	defer func() {
		for _, c := range chunks {
			c.Release()
		}
	}()
	for _, chunk := range col.Chunks() {
		if err := b.AppendArray(chunk); err != nil {
			return fatal(err)
		}
		chunks = append(chunks, b.NewDictionaryArray())
	}

	return ok(field, dt, arrow.NewChunked(dt, chunks))
}

func unifyDictionaries(mem memory.Allocator, tbl arrow.Table) (arrow.Table, error) {
	return array.UnifyTableDicts(mem, tbl)
}
