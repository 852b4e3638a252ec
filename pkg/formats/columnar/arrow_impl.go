package columnar

import (
	"bytes"
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/paulswartz/data-platform/pkg/errors"
)

// arrowWriter implements TableWriter for the Arrow IPC file format
type arrowWriter struct {
	config *WriterConfig
}

func newArrowWriter(config *WriterConfig) *arrowWriter {
	return &arrowWriter{config: config}
}

func (aw *arrowWriter) WriteTable(ctx context.Context, w io.Writer, tbl arrow.Table) error {
	fw, err := ipc.NewFileWriter(writerOnly{w},
		ipc.WithSchema(tbl.Schema()),
		ipc.WithAllocator(aw.config.Allocator),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "create arrow writer")
	}

	chunk := aw.config.RowGroupRows
	if chunk <= 0 {
		chunk = 64 * 1024
	}
	tr := array.NewTableReader(tbl, chunk)
	defer tr.Release()

	for tr.Next() {
		if err := ctx.Err(); err != nil {
			_ = fw.Close()
			return err
		}
		if err := fw.Write(tr.Record()); err != nil {
			_ = fw.Close()
			return errors.Wrap(err, errors.ErrorTypeStorage, "write arrow batch")
		}
	}
	if err := tr.Err(); err != nil {
		_ = fw.Close()
		return errors.Wrap(err, errors.ErrorTypeInternal, "iterate table")
	}

	if err := fw.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "close arrow writer")
	}
	return nil
}

func (aw *arrowWriter) Format() Format {
	return Arrow
}

// ReadArrow decodes an Arrow IPC file into a table.
func ReadArrow(data []byte, mem memory.Allocator) (arrow.Table, error) {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	r, err := ipc.NewFileReader(bytes.NewReader(data), ipc.WithAllocator(mem))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "open arrow file")
	}
	defer r.Close()

	recs := make([]arrow.Record, 0, r.NumRecords())
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "read arrow batch")
		}
		rec.Retain()
		recs = append(recs, rec)
	}
	return array.NewTableFromRecords(r.Schema(), recs), nil
}
