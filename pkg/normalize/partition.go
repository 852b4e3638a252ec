package normalize

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// PartitionColumns are derived from the primary date column, in order.
var PartitionColumns = []string{"Year", "Month", "Day"}

// PrimaryDateColumn returns the first candidate present in schema.
func PrimaryDateColumn(schema *arrow.Schema, candidates []string) (string, bool) {
	for _, name := range candidates {
		if len(schema.FieldIndices(name)) > 0 {
			return name, true
		}
	}
	return "", false
}

// TablePartitionColumns returns the partition column names recorded in the
// schema metadata, or nil for an unpartitioned table.
func TablePartitionColumns(schema *arrow.Schema) []string {
	md := schema.Metadata()
	i := md.FindKey(MetadataPartitionColumns)
	if i < 0 || md.Values()[i] == "" {
		return nil
	}
	return strings.Split(md.Values()[i], ",")
}

func partitionColumns(candidates []string) TableTransform {
	return func(mem memory.Allocator, tbl arrow.Table) (arrow.Table, error) {
		name, found := PrimaryDateColumn(tbl.Schema(), candidates)
		if !found {
			tbl.Retain()
			return tbl, nil
		}

		idx := tbl.Schema().FieldIndices(name)[0]
		dates := tbl.Column(idx)
		if dates.DataType().ID() != arrow.DATE32 {
			return nil, fmt.Errorf("primary date column %q is %s, not date32", name, dates.DataType())
		}

		derived, err := deriveDateParts(mem, dates.Data())
		if err != nil {
			return nil, err
		}

		cols := make([]arrow.Column, tbl.NumCols())
		for i := range cols {
			cols[i] = *tbl.Column(i)
		}

		var created []*arrow.Column
		defer func() {
			for _, c := range created {
				c.Release()
			}
		}()
		for p, partName := range PartitionColumns {
			col := arrow.NewColumn(arrow.Field{Name: partName, Type: arrow.BinaryTypes.String, Nullable: true}, derived[p])
			derived[p].Release()
			created = append(created, col)

			if existing := tbl.Schema().FieldIndices(partName); len(existing) > 0 {
				cols[existing[0]] = *col
			} else {
				cols = append(cols, *col)
			}
		}

		base := newTable(cols, tbl.Schema().Metadata(), tbl.NumRows())
		defer base.Release()
		return withSchemaMetadata(base, map[string]string{
			MetadataPartitionColumns: strings.Join(PartitionColumns, ","),
		}), nil
	}
}

// deriveDateParts returns Year, Month and Day string columns chunked like
// dates.
func deriveDateParts(mem memory.Allocator, dates *arrow.Chunked) ([]*arrow.Chunked, error) {
	parts := make([][]arrow.Array, len(PartitionColumns))
	defer func() {
		for _, arrs := range parts {
			for _, a := range arrs {
				a.Release()
			}
		}
	}()

	for _, chunk := range dates.Chunks() {
		d, isDate := chunk.(*array.Date32)
		if !isDate {
			return nil, fmt.Errorf("unexpected chunk type %T", chunk)
		}
		builders := []*array.StringBuilder{
			array.NewStringBuilder(mem),
			array.NewStringBuilder(mem),
			array.NewStringBuilder(mem),
		}
		for i := 0; i < d.Len(); i++ {
			if d.IsNull(i) {
				for _, b := range builders {
					b.AppendNull()
				}
				continue
			}
			t := d.Value(i).ToTime()
			builders[0].Append(t.Format("2006"))
			builders[1].Append(t.Format("01"))
			builders[2].Append(t.Format("02"))
		}
		for p, b := range builders {
			parts[p] = append(parts[p], b.NewArray())
			b.Release()
		}
	}

	out := make([]*arrow.Chunked, len(parts))
	for p, arrs := range parts {
		out[p] = arrow.NewChunked(arrow.BinaryTypes.String, arrs)
	}
	return out, nil
}
