package columnar

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulswartz/data-platform/pkg/errors"
)

func openString(s string) Opener {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(s)), nil
	}
}

func TestReadCSVInfersTypes(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	data := "\xEF\xBB\xBFservice_date,station,entries,avg_fare,note\n" +
		"03/22/2022,Alewife,10,2.40,\n" +
		"03/22/2022,Braintree,,2.5,late\n" +
		"03/23/2022,Alewife,7,3,x1\n"

	tbl, err := ReadCSV(openString(data), CSVOptions{ChunkRows: 2, Allocator: mem})
	require.NoError(t, err)
	defer tbl.Release()

	want := []struct {
		name string
		typ  arrow.DataType
	}{
		{"service_date", arrow.BinaryTypes.String},
		{"station", arrow.BinaryTypes.String},
		{"entries", arrow.PrimitiveTypes.Int64},
		{"avg_fare", arrow.PrimitiveTypes.Float64},
		{"note", arrow.BinaryTypes.String},
	}
	require.Equal(t, len(want), int(tbl.NumCols()))
	for i, w := range want {
		f := tbl.Schema().Field(i)
		assert.Equal(t, w.name, f.Name)
		assert.True(t, arrow.TypeEqual(w.typ, f.Type), "%s: got %s", w.name, f.Type)
	}
	assert.Equal(t, int64(3), tbl.NumRows())
	assert.Len(t, tbl.Column(2).Data().Chunks(), 2, "chunked by ChunkRows")

	entries := tbl.Column(2).Data().Chunk(0).(*array.Int64)
	assert.Equal(t, int64(10), entries.Value(0))
	assert.True(t, entries.IsNull(1), "empty numeric cell is null")

	note := tbl.Column(4).Data().Chunk(0).(*array.String)
	assert.False(t, note.IsNull(0), "empty text cell stays an empty string")
	assert.Equal(t, "", note.Value(0))
}

func TestReadCSVErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "empty", data: ""},
		{name: "duplicate header", data: "a,b,a\n1,2,3\n"},
		{name: "blank header", data: "a,,c\n1,2,3\n"},
		{name: "ragged row", data: "a,b\n1,2\n3\n"},
		{name: "bad quote", data: "a,b\n\"1,2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(openString(tt.data), CSVOptions{})
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeData), "got %v", err)
		})
	}
}

func TestReadCSVHeaderOnly(t *testing.T) {
	tbl, err := ReadCSV(openString("a,b\n"), CSVOptions{})
	require.NoError(t, err)
	defer tbl.Release()
	assert.Equal(t, int64(0), tbl.NumRows())
	assert.Equal(t, int64(2), tbl.NumCols())
}

func TestWiden(t *testing.T) {
	tests := []struct {
		values []string
		want   columnKind
	}{
		{values: []string{"", ""}, want: kindUnknown},
		{values: []string{"1", "-2", ""}, want: kindInt},
		{values: []string{"1", "2.5"}, want: kindFloat},
		{values: []string{"2.5", "1"}, want: kindFloat},
		{values: []string{"1", "NaN"}, want: kindString},
		{values: []string{"inf"}, want: kindString},
		{values: []string{"1", "abc", "2"}, want: kindString},
		{values: []string{"0x10"}, want: kindString},
		{values: []string{"03/22/2022"}, want: kindString},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.values, "|"), func(t *testing.T) {
			k := kindUnknown
			for _, v := range tt.values {
				k = widen(k, v)
			}
			assert.Equal(t, tt.want, k)
		})
	}
}

func sampleTable(t *testing.T, mem memory.Allocator) arrow.Table {
	t.Helper()
	tbl, err := ReadCSV(openString("station,entries\nAlewife,10\nBraintree,\nDavis,3\n"), CSVOptions{Allocator: mem})
	require.NoError(t, err)
	return tbl
}

func TestParquetRoundTrip(t *testing.T) {
	codecs := []string{"gzip", "snappy", "zstd", "none"}
	for _, codec := range codecs {
		t.Run(codec, func(t *testing.T) {
			ctx := context.Background()
			tbl := sampleTable(t, nil)
			defer tbl.Release()

			w, err := NewTableWriter(&WriterConfig{Format: Parquet, Compression: codec, RowGroupRows: 2})
			require.NoError(t, err)
			assert.Equal(t, Parquet, w.Format())

			var buf bytes.Buffer
			require.NoError(t, w.WriteTable(ctx, &buf, tbl))

			got, err := ReadParquet(ctx, buf.Bytes(), nil)
			require.NoError(t, err)
			defer got.Release()

			assertSameData(t, tbl, got)
		})
	}
}

func TestParquetUnknownCompression(t *testing.T) {
	_, err := NewTableWriter(&WriterConfig{Format: Parquet, Compression: "lzo"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestWritersLeaveSinkOpen(t *testing.T) {
	for _, format := range []Format{Parquet, Arrow} {
		t.Run(string(format), func(t *testing.T) {
			tbl := sampleTable(t, nil)
			defer tbl.Release()

			w, err := NewTableWriter(&WriterConfig{Format: format})
			require.NoError(t, err)

			sink := &closeRecorder{}
			require.NoError(t, w.WriteTable(context.Background(), sink, tbl))
			assert.False(t, sink.closed)
			assert.Positive(t, sink.Len())
		})
	}
}

func TestArrowRoundTrip(t *testing.T) {
	tbl := sampleTable(t, nil)
	defer tbl.Release()

	w, err := NewTableWriter(&WriterConfig{Format: Arrow, RowGroupRows: 2})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, w.WriteTable(context.Background(), &buf, tbl))

	got, err := ReadArrow(buf.Bytes(), nil)
	require.NoError(t, err)
	defer got.Release()
	assertSameData(t, tbl, got)
}

// assertSameData ignores field metadata, which readers may add.
func assertSameData(t *testing.T, want, got arrow.Table) {
	t.Helper()
	require.Equal(t, want.NumCols(), got.NumCols())
	assert.Equal(t, want.NumRows(), got.NumRows())
	for i := 0; i < int(want.NumCols()); i++ {
		wf, gf := want.Schema().Field(i), got.Schema().Field(i)
		assert.Equal(t, wf.Name, gf.Name)
		assert.True(t, arrow.TypeEqual(wf.Type, gf.Type), "%s: got %s", wf.Name, gf.Type)
		assert.True(t, array.ChunkedEqual(want.Column(i).Data(), got.Column(i).Data()), wf.Name)
	}
}

func TestNewTableWriterUnsupported(t *testing.T) {
	_, err := NewTableWriter(&WriterConfig{Format: "orc"})
	require.Error(t, err)
}

func TestGetFormatInfo(t *testing.T) {
	assert.Equal(t, ".parquet", GetFormatInfo(Parquet).FileExtension)
	assert.Equal(t, ".arrow", GetFormatInfo(Arrow).FileExtension)
	assert.Nil(t, GetFormatInfo("csv"))
}
