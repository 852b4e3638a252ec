package pipeline

import (
	"context"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paulswartz/data-platform/pkg/dmap"
	"github.com/paulswartz/data-platform/pkg/errors"
	"github.com/paulswartz/data-platform/pkg/metrics"
	"github.com/paulswartz/data-platform/pkg/normalize"
	"github.com/paulswartz/data-platform/pkg/observability"
	"github.com/paulswartz/data-platform/pkg/storage"
)

// DefaultPartition names the partition of rows whose key is null.
const DefaultPartition = "__HIVE_DEFAULT_PARTITION__"

// partition is the set of rows sharing one partition key, as row ranges
// of the source table in their original order.
type partition struct {
	values []string
	ranges [][2]int64
}

// dir renders Year=YYYY/Month=MM/Day=DD.
func (p *partition) dir(names []string) string {
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + p.values[i]
	}
	return storage.Join(parts...)
}

// splitPartitions groups contiguous runs of equal key values. Runs with
// the same key land in the same partition, first-seen order preserved.
func splitPartitions(tbl arrow.Table, names []string) ([]*partition, error) {
	cursors := make([]*chunkCursor, len(names))
	for i, name := range names {
		idx := tbl.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil, errors.Newf(errors.ErrorTypeInternal, "partition column %q missing", name)
		}
		cursors[i] = &chunkCursor{chunks: tbl.Column(idx[0]).Data().Chunks()}
	}

	var (
		parts      []*partition
		byKey      = map[string]*partition{}
		current    *partition
		currentKey string
		start      int64
	)
	closeRun := func(end int64) {
		if current != nil && end > start {
			current.ranges = append(current.ranges, [2]int64{start, end})
		}
	}

	values := make([]string, len(names))
	for row := int64(0); row < tbl.NumRows(); row++ {
		for i, c := range cursors {
			v, err := c.next()
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		key := strings.Join(values, "\x00")
		if current != nil && key == currentKey {
			continue
		}
		closeRun(row)
		start = row
		p, ok := byKey[key]
		if !ok {
			p = &partition{values: append([]string(nil), values...)}
			byKey[key] = p
			parts = append(parts, p)
		}
		current, currentKey = p, key
	}
	closeRun(tbl.NumRows())
	return parts, nil
}

// chunkCursor walks a chunked string or dictionary-of-string column row by row.
type chunkCursor struct {
	chunks []arrow.Array
	chunk  int
	offset int
}

func (c *chunkCursor) next() (string, error) {
	for c.chunk < len(c.chunks) && c.offset >= c.chunks[c.chunk].Len() {
		c.chunk++
		c.offset = 0
	}
	if c.chunk >= len(c.chunks) {
		return "", errors.New(errors.ErrorTypeInternal, "partition column shorter than table")
	}
	arr := c.chunks[c.chunk]
	i := c.offset
	c.offset++

	if arr.IsNull(i) {
		return DefaultPartition, nil
	}
	switch a := arr.(type) {
	case *array.String:
		return nonEmpty(a.Value(i)), nil
	case *array.Dictionary:
		dict, ok := a.Dictionary().(*array.String)
		if !ok {
			return "", errors.Newf(errors.ErrorTypeInternal, "unsupported partition dictionary %s", a.Dictionary().DataType())
		}
		return nonEmpty(dict.Value(a.GetValueIndex(i))), nil
	default:
		return "", errors.Newf(errors.ErrorTypeInternal, "unsupported partition column type %s", arr.DataType())
	}
}

func nonEmpty(s string) string {
	if s == "" {
		return DefaultPartition
	}
	return s
}

// partitionTable builds the table of one partition without the partition
// columns. The caller releases it.
func partitionTable(tbl arrow.Table, names []string, p *partition) arrow.Table {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}

	var (
		fields []arrow.Field
		cols   []arrow.Column
		rows   int64
	)
	for _, r := range p.ranges {
		rows += r[1] - r[0]
	}
	defer func() {
		for i := range cols {
			cols[i].Release()
		}
	}()

	for i, f := range tbl.Schema().Fields() {
		if drop[f.Name] {
			continue
		}
		src := tbl.Column(i).Data()

		var chunks []arrow.Array
		var slices []*arrow.Chunked
		for _, r := range p.ranges {
			s := array.NewChunkedSlice(src, r[0], r[1])
			slices = append(slices, s)
			chunks = append(chunks, s.Chunks()...)
		}
		chunked := arrow.NewChunked(f.Type, chunks)
		for _, s := range slices {
			s.Release()
		}
		cols = append(cols, *arrow.NewColumn(f, chunked))
		chunked.Release()
		fields = append(fields, f)
	}

	md := tbl.Schema().Metadata()
	schema := arrow.NewSchema(fields, &md)
	return array.NewTable(schema, cols, rows)
}

// land writes tbl to the landing bucket, one file per partition, and
// returns the written keys and the number of rows landed.
func (p *Pipeline) land(ctx context.Context, d dmap.Descriptor, tbl arrow.Table) ([]string, int64, error) {
	ctx, span := observability.NewSpan(ctx, "dmap.land")
	defer span.End()
	timer := metrics.NewTimer("land")
	defer p.metrics.ObserveStage(timer)

	fileName := d.LogicalID + "-" + d.VersionID + p.ext
	names := normalize.TablePartitionColumns(tbl.Schema())

	type job struct {
		key string
		tbl arrow.Table
	}
	var jobs []job
	defer func() {
		for _, j := range jobs {
			j.tbl.Release()
		}
	}()

	if len(names) == 0 {
		tbl.Retain()
		jobs = append(jobs, job{key: storage.Join(d.LogicalID, fileName), tbl: tbl})
	} else {
		parts, err := splitPartitions(tbl, names)
		if err != nil {
			span.RecordError(err)
			return nil, 0, err
		}
		for _, part := range parts {
			jobs = append(jobs, job{
				key: storage.Join(d.LogicalID, part.dir(names), fileName),
				tbl: partitionTable(tbl, names, part),
			})
		}
	}

	written := make([]bool, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.WriteConcurrency)
	for i, j := range jobs {
		g.Go(func() error {
			ok, err := p.writePartition(gctx, j.key, j.tbl)
			written[i] = ok
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, 0, err
	}

	var (
		keys []string
		rows int64
	)
	for i, j := range jobs {
		if written[i] {
			keys = append(keys, j.key)
		}
		rows += j.tbl.NumRows()
	}
	span.SetAttribute("files", len(keys))
	span.SetAttribute("rows", rows)
	span.RecordError(nil)
	return keys, rows, nil
}

// writePartition reports false when the file exists and the policy is
// ignore.
func (p *Pipeline) writePartition(ctx context.Context, key string, tbl arrow.Table) (bool, error) {
	b := p.buckets.Land
	if p.config.ExistingFiles == IgnoreExisting {
		exists, err := b.Exists(ctx, key)
		if err != nil {
			return false, err
		}
		if exists {
			p.logger.Debug("skipping existing file", zap.String("key", key))
			return false, nil
		}
	}

	dir := key[:strings.LastIndex(key, "/")]
	if err := b.MkdirAll(ctx, dir); err != nil {
		return false, errors.Wrapf(err, errors.ErrorTypeStorage, "land %s", key)
	}
	w, err := b.NewWriter(ctx, key)
	if err != nil {
		return false, errors.Wrapf(err, errors.ErrorTypeStorage, "land %s", key)
	}
	if err := p.writer.WriteTable(ctx, w, tbl); err != nil {
		_ = w.Abort()
		return false, errors.Wrapf(err, errors.ErrorTypeStorage, "land %s", key)
	}
	if err := w.Close(); err != nil {
		return false, errors.Wrapf(err, errors.ErrorTypeStorage, "publish %s", key)
	}
	return true, nil
}
