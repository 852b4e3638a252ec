package columnar

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/paulswartz/data-platform/pkg/errors"
)

// parquetWriter implements TableWriter for Parquet format
type parquetWriter struct {
	config     *WriterConfig
	props      *parquet.WriterProperties
	arrowProps pqarrow.ArrowWriterProperties
}

func newParquetWriter(config *WriterConfig) (*parquetWriter, error) {
	codec, err := getParquetCompression(config.Compression)
	if err != nil {
		return nil, err
	}

	opts := []parquet.WriterProperty{
		parquet.WithCompression(codec),
		parquet.WithStats(config.EnableStats),
		parquet.WithAllocator(config.Allocator),
	}
	if config.PageSize > 0 {
		opts = append(opts, parquet.WithDataPageSize(config.PageSize))
	}

	return &parquetWriter{
		config: config,
		props:  parquet.NewWriterProperties(opts...),
		// the stored schema keeps dictionary, uint8 and date32 types intact
		// for readers that understand Arrow metadata
		arrowProps: pqarrow.NewArrowWriterProperties(
			pqarrow.WithStoreSchema(),
			pqarrow.WithAllocator(config.Allocator),
		),
	}, nil
}

func (pw *parquetWriter) WriteTable(ctx context.Context, w io.Writer, tbl arrow.Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rowGroup := pw.config.RowGroupRows
	if rowGroup <= 0 {
		rowGroup = tbl.NumRows()
	}
	if rowGroup <= 0 {
		rowGroup = 1
	}

	// pqarrow closes sinks that implement io.Closer; the caller owns w.
	if err := pqarrow.WriteTable(tbl, writerOnly{w}, rowGroup, pw.props, pw.arrowProps); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "write parquet")
	}
	return nil
}

func (pw *parquetWriter) Format() Format {
	return Parquet
}

// ReadParquet decodes a whole Parquet file into a table.
func ReadParquet(ctx context.Context, data []byte, mem memory.Allocator) (arrow.Table, error) {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	tbl, err := pqarrow.ReadTable(ctx, bytes.NewReader(data), parquet.NewReaderProperties(mem),
		pqarrow.ArrowReadProperties{Parallel: false, BatchSize: 64 * 1024}, mem)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "read parquet")
	}
	return tbl, nil
}

func getParquetCompression(compression string) (compress.Compression, error) {
	switch strings.ToLower(compression) {
	case "", "gzip":
		return compress.Codecs.Gzip, nil
	case "snappy":
		return compress.Codecs.Snappy, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "brotli":
		return compress.Codecs.Brotli, nil
	case "lz4":
		return compress.Codecs.Lz4Raw, nil
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	default:
		return compress.Codecs.Uncompressed, errors.Newf(errors.ErrorTypeConfig, "unsupported parquet compression %q", compression)
	}
}

// writerOnly hides any Close method of the wrapped writer.
type writerOnly struct {
	io.Writer
}
