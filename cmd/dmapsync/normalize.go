package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/paulswartz/data-platform/pkg/compression"
	"github.com/paulswartz/data-platform/pkg/config"
	"github.com/paulswartz/data-platform/pkg/errors"
	"github.com/paulswartz/data-platform/pkg/formats/columnar"
	"github.com/paulswartz/data-platform/pkg/normalize"
)

func newNormalizeCommand(opts *options) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "normalize <file.csv>",
		Short: "Normalize a local CSV payload and print the resulting schema",
		Long: `Normalize runs the normalization rules over a CSV file, optionally
gzip/zstd/snappy/lz4 compressed, and prints the resulting schema. Nothing is
fetched and no watermark is touched.

Example:
  dmapsync normalize citation.csv.gz --output citation.parquet`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return runNormalize(cmd.Context(), afero.NewOsFs(), cfg, args[0], output, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the normalized table to this file in sync.land_format")
	return cmd
}

func runNormalize(ctx context.Context, fs afero.Fs, cfg *config.Config, input, output string, out io.Writer) error {
	mem := memory.DefaultAllocator

	raw, err := columnar.ReadCSV(func() (io.ReadCloser, error) {
		return openPayload(fs, input)
	}, columnar.CSVOptions{ChunkRows: cfg.Sync.ChunkRows, Allocator: mem})
	if err != nil {
		return err
	}
	defer raw.Release()

	tbl, err := normalize.New(ruleConfig(cfg.Normalize), normalize.WithAllocator(mem)).Normalize(ctx, raw)
	if err != nil {
		return fmt.Errorf("%s: %s", input, errors.Describe(err))
	}
	defer tbl.Release()

	printSchema(out, tbl)

	if output == "" {
		return nil
	}
	return writeTable(ctx, fs, writerConfig(cfg), output, tbl)
}

// openPayload opens a local file, decoding it when its leading bytes name a
// known compression format.
func openPayload(fs afero.Fs, name string) (io.ReadCloser, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "open input")
	}
	br := bufio.NewReader(f)
	prefix, _ := br.Peek(8)
	dec, err := compression.NewReader(compression.Detect(prefix), br)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decode input")
	}
	return &payloadReader{ReadCloser: dec, file: f}, nil
}

type payloadReader struct {
	io.ReadCloser
	file afero.File
}

func (r *payloadReader) Close() error {
	err := r.ReadCloser.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func printSchema(out io.Writer, tbl arrow.Table) {
	fmt.Fprintf(out, "rows: %d\n", tbl.NumRows())
	for _, f := range tbl.Schema().Fields() {
		null := ""
		if f.Nullable {
			null = " (nullable)"
		}
		fmt.Fprintf(out, "  %s: %s%s\n", f.Name, f.Type, null)
	}
	if parts := normalize.TablePartitionColumns(tbl.Schema()); len(parts) > 0 {
		fmt.Fprintf(out, "partitioned by: %s\n", strings.Join(parts, ", "))
	}
}

func writeTable(ctx context.Context, fs afero.Fs, wc *columnar.WriterConfig, path string, tbl arrow.Table) error {
	w, err := columnar.NewTableWriter(wc)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "create output directory")
		}
	}
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "create output")
	}
	if err := w.WriteTable(ctx, f, tbl); err != nil {
		f.Close()
		_ = fs.Remove(path)
		return err
	}
	return f.Close()
}
