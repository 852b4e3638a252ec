// Package columnar reads raw CSV payloads into Arrow tables and writes
// tables out in a columnar file format.
package columnar

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Format represents a columnar storage format
type Format string

const (
	// Parquet is Apache Parquet format
	Parquet Format = "parquet"
	// Arrow is the Apache Arrow IPC file format
	Arrow Format = "arrow"
)

// TableWriter writes a whole table to a sink.
type TableWriter interface {
	// WriteTable encodes tbl into w. It does not close w.
	WriteTable(ctx context.Context, w io.Writer, tbl arrow.Table) error
	// Format returns the columnar format
	Format() Format
}

// WriterConfig configures columnar writers
type WriterConfig struct {
	Format       Format
	Compression  string
	RowGroupRows int64
	PageSize     int64
	EnableStats  bool
	Allocator    memory.Allocator
}

// DefaultWriterConfig returns default writer configuration
func DefaultWriterConfig() *WriterConfig {
	return &WriterConfig{
		Format:       Parquet,
		Compression:  "gzip",
		RowGroupRows: 1024 * 1024,
		PageSize:     1024 * 1024,
		EnableStats:  true,
	}
}

// NewTableWriter creates a new columnar writer
func NewTableWriter(config *WriterConfig) (TableWriter, error) {
	if config == nil {
		config = DefaultWriterConfig()
	}
	if config.Allocator == nil {
		config.Allocator = memory.NewGoAllocator()
	}

	switch config.Format {
	case Parquet:
		return newParquetWriter(config)
	case Arrow:
		return newArrowWriter(config), nil
	default:
		return nil, fmt.Errorf("unsupported columnar format: %s", config.Format)
	}
}

// FormatInfo provides information about columnar formats
type FormatInfo struct {
	Format           Format
	Name             string
	Description      string
	FileExtension    string
	MIMEType         string
	SupportsCompress bool
}

// GetFormatInfo returns information about a columnar format
func GetFormatInfo(format Format) *FormatInfo {
	switch format {
	case Parquet:
		return &FormatInfo{
			Format:           Parquet,
			Name:             "Apache Parquet",
			Description:      "Columnar storage format optimized for analytics",
			FileExtension:    ".parquet",
			MIMEType:         "application/x-parquet",
			SupportsCompress: true,
		}
	case Arrow:
		return &FormatInfo{
			Format:           Arrow,
			Name:             "Apache Arrow",
			Description:      "Arrow IPC file format",
			FileExtension:    ".arrow",
			MIMEType:         "application/vnd.apache.arrow.file",
			SupportsCompress: false,
		}
	default:
		return nil
	}
}
