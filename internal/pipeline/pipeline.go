// Package pipeline moves DMAP datasets from the API into the analytical
// store, one endpoint at a time.
//
// # Overview
//
// For every dataset version newer than the endpoint's watermark the
// pipeline:
//   - fetches the payload and spools it to a local temp file
//   - archives the raw bytes unchanged
//   - parses the CSV into an Arrow table and normalizes it
//   - lands the normalized table as Hive-partitioned columnar files
//
// A version that cannot be parsed or normalized is quarantined together
// with its error and the watermark moves past it. A fetch or storage
// failure halts the endpoint without advancing the watermark, so the
// version and everything after it is listed again by the next run.
//
// After the last version the endpoint is listed once more from the new
// watermark. Anything returned at that point is a convergence violation.
//
// # Basic Usage
//
//	p, err := pipeline.New(client, client, normalizer, pipeline.Buckets{
//	    Archive:    archive,
//	    Quarantine: quarantine,
//	    Land:       land,
//	}, pipeline.DefaultConfig(), pipeline.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//
//	result := p.ProcessEndpoint(ctx, endpoint, store)
//
// Versions are processed sequentially; only the partition files of one
// table are written in parallel.
package pipeline

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/paulswartz/data-platform/pkg/dmap"
	"github.com/paulswartz/data-platform/pkg/errors"
	"github.com/paulswartz/data-platform/pkg/formats/columnar"
	"github.com/paulswartz/data-platform/pkg/logger"
	"github.com/paulswartz/data-platform/pkg/metrics"
	"github.com/paulswartz/data-platform/pkg/observability"
	"github.com/paulswartz/data-platform/pkg/storage"
	"github.com/paulswartz/data-platform/pkg/watermark"
)

// Lister lists the dataset versions of an endpoint last updated at or
// after since. A nil since lists everything.
type Lister interface {
	ListDescriptors(ctx context.Context, ep dmap.Endpoint, since *time.Time) ([]dmap.Descriptor, error)
}

// Fetcher downloads the payload of a dataset version.
type Fetcher interface {
	Fetch(ctx context.Context, d dmap.Descriptor) (*dmap.Payload, error)
}

// Normalizer converts a raw table into its landed form. The input is not
// released.
type Normalizer interface {
	Normalize(ctx context.Context, tbl arrow.Table) (arrow.Table, error)
}

// Buckets are the storage areas written by the pipeline.
type Buckets struct {
	Archive    storage.Bucket
	Quarantine storage.Bucket
	Land       storage.Bucket
}

// ExistingFilesPolicy decides what happens when a landed file exists.
type ExistingFilesPolicy string

const (
	// OverwriteExisting atomically replaces existing files.
	OverwriteExisting ExistingFilesPolicy = "overwrite"
	// IgnoreExisting leaves existing files untouched.
	IgnoreExisting ExistingFilesPolicy = "ignore"
)

// Config configures a Pipeline.
type Config struct {
	// TempDir holds payload spool files
	TempDir string
	// BlockSize is the spool copy block size in bytes
	BlockSize int
	// ChunkRows is the number of CSV rows per table chunk
	ChunkRows int
	// WriteConcurrency bounds parallel partition writes
	WriteConcurrency int
	ExistingFiles    ExistingFilesPolicy
	// LandUnnormalized lands the raw table of a quarantined version
	LandUnnormalized bool
	// Writer configures the landed file format
	Writer *columnar.WriterConfig
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		TempDir:          "",
		BlockSize:        1024 * 1024,
		ChunkRows:        64 * 1024,
		WriteConcurrency: 4,
		ExistingFiles:    OverwriteExisting,
		Writer:           columnar.DefaultWriterConfig(),
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics records run metrics on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithFs sets the filesystem of the spool files (default: the OS).
func WithFs(fs afero.Fs) Option {
	return func(p *Pipeline) { p.fs = fs }
}

// WithAllocator sets the allocator of parsed tables.
func WithAllocator(mem memory.Allocator) Option {
	return func(p *Pipeline) { p.mem = mem }
}

// Pipeline processes the dataset versions of an endpoint.
type Pipeline struct {
	lister     Lister
	fetcher    Fetcher
	normalizer Normalizer
	buckets    Buckets
	config     Config
	writer     columnar.TableWriter
	ext        string

	fs      afero.Fs
	mem     memory.Allocator
	logger  *zap.Logger
	metrics *metrics.Collector
}

// New creates a pipeline. Every bucket is required.
func New(lister Lister, fetcher Fetcher, normalizer Normalizer, buckets Buckets, cfg Config, opts ...Option) (*Pipeline, error) {
	if buckets.Archive == nil || buckets.Quarantine == nil || buckets.Land == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "archive, quarantine and land buckets are required")
	}

	p := &Pipeline{
		lister:     lister,
		fetcher:    fetcher,
		normalizer: normalizer,
		buckets:    buckets,
		config:     cfg,
		fs:         afero.NewOsFs(),
		mem:        memory.DefaultAllocator,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "pipeline"))

	if p.config.TempDir == "" {
		p.config.TempDir = afero.GetTempDir(p.fs, "dmapsync")
	}
	if p.config.WriteConcurrency <= 0 {
		p.config.WriteConcurrency = 1
	}
	if p.config.ExistingFiles == "" {
		p.config.ExistingFiles = OverwriteExisting
	}
	if p.config.Writer == nil {
		p.config.Writer = columnar.DefaultWriterConfig()
	}
	writerCfg := *p.config.Writer
	writerCfg.Allocator = p.mem

	w, err := columnar.NewTableWriter(&writerCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "landing writer")
	}
	p.writer = w
	p.ext = columnar.GetFormatInfo(w.Format()).FileExtension
	return p, nil
}

// ProcessEndpoint lists the endpoint from its watermark and processes
// every new version in last_updated order. Landed and quarantined versions
// are recorded in store; processing stops at the first halted version.
func (p *Pipeline) ProcessEndpoint(ctx context.Context, ep dmap.Endpoint, store *watermark.Store) EndpointResult {
	ctx = logger.ContextWith(ctx, logger.EndpointKey, ep.LogicalID)
	ctx, span := observability.NewSpan(ctx, "dmap.endpoint")
	defer span.End()
	span.SetAttribute("endpoint", ep.LogicalID)
	span.SetAttribute("category", string(ep.Category))
	log := logger.FromContext(ctx, p.logger)

	result := EndpointResult{Endpoint: ep}

	since := store.NextCursor(ep.LogicalID)
	timer := metrics.NewTimer("list")
	descriptors, err := p.lister.ListDescriptors(ctx, ep, since)
	p.metrics.ObserveStage(timer)
	if err != nil {
		log.Error("listing failed", zap.Error(err))
		p.metrics.ListingFailed(ep.LogicalID)
		result.Err = err
		span.RecordError(err)
		return result
	}
	result.Listed = len(descriptors)
	span.SetAttribute("listed", len(descriptors))
	if since != nil {
		log.Info("listed datasets", zap.Int("count", len(descriptors)), zap.Time("since", *since))
	} else {
		log.Info("listed datasets", zap.Int("count", len(descriptors)))
	}

	sort.SliceStable(descriptors, func(i, j int) bool {
		return descriptors[i].LastModified.Before(descriptors[j].LastModified)
	})

	for i, d := range descriptors {
		if err := ctx.Err(); err != nil {
			result.Err = errors.Wrap(err, errors.ErrorTypeTimeout, "endpoint interrupted")
			result.Requeued = len(descriptors) - i
			break
		}

		dr := p.processDescriptor(ctx, d)
		result.Descriptors = append(result.Descriptors, dr)
		p.metrics.DescriptorProcessed(ep.LogicalID, dr.Outcome.String())

		if dr.Outcome == Halted {
			result.Err = dr.Err
			result.Requeued = len(descriptors) - i
			break
		}
		store.Record(d.LogicalID, d.LastModified)
		if t, ok := store.Get(d.LogicalID); ok {
			p.metrics.SetWatermark(ep.LogicalID, t)
		}
	}

	if result.Err == nil && result.Listed > 0 {
		result.ConvergenceErr = p.checkConvergence(ctx, ep, store)
	}

	log.Info("endpoint processed",
		zap.Int("landed", result.Count(Landed)),
		zap.Int("quarantined", result.Count(QuarantineFailed)),
		zap.Int("requeued", result.Requeued),
		zap.Int64("rows", result.Rows()))
	if result.Err != nil {
		span.RecordError(result.Err)
	} else {
		span.RecordError(result.ConvergenceErr)
	}
	return result
}

// checkConvergence relists from the advanced watermark. A relist failure
// is only logged since it says nothing about the data processed.
func (p *Pipeline) checkConvergence(ctx context.Context, ep dmap.Endpoint, store *watermark.Store) error {
	log := logger.FromContext(ctx, p.logger)

	since := store.NextCursor(ep.LogicalID)
	again, err := p.lister.ListDescriptors(ctx, ep, since)
	if err != nil {
		log.Warn("convergence relist failed", zap.Error(err))
		return nil
	}
	if len(again) == 0 {
		return nil
	}

	ids := make([]string, len(again))
	for i, d := range again {
		ids[i] = d.VersionID
	}
	cErr := errors.Newf(errors.ErrorTypeConvergence,
		"%s listed %d dataset(s) after the watermark advanced", ep.LogicalID, len(again)).
		WithDetail("dataset_ids", ids)
	if since != nil {
		cErr = cErr.WithDetail("since", dmap.FormatTimestamp(*since))
	}
	log.Error("convergence violation", zap.Strings("dataset_ids", ids))
	p.metrics.ConvergenceViolated(ep.LogicalID)
	return cErr
}

// processDescriptor runs one version through fetch, archive, transform and
// land. Spool cleanup is deferred so it runs on every path.
func (p *Pipeline) processDescriptor(ctx context.Context, d dmap.Descriptor) DescriptorResult {
	ctx = logger.ContextWith(ctx, logger.DatasetIDKey, d.VersionID)
	ctx, span := observability.NewSpan(ctx, "dmap.descriptor")
	defer span.End()
	span.SetAttribute("dataset_id", d.VersionID)
	span.SetAttribute("last_updated", d.LastModified)
	log := logger.FromContext(ctx, p.logger)

	res := DescriptorResult{Descriptor: d}
	halt := func(stage string, err error) DescriptorResult {
		log.Error("halting endpoint", zap.String("stage", stage), zap.Error(err))
		res.Outcome = Halted
		res.Err = err
		span.SetAttribute("outcome", res.Outcome.String())
		span.RecordError(err)
		return res
	}

	sp, err := p.fetch(ctx, d)
	if err != nil {
		return halt("fetch", err)
	}
	defer sp.Release()
	span.SetAttribute("bytes", sp.size)
	span.SetAttribute("encoding", string(sp.encoding))

	timer := metrics.NewTimer("archive")
	key, err := p.archive(ctx, d, sp)
	p.metrics.ObserveStage(timer)
	if err != nil {
		return halt("archive", err)
	}
	res.ArchiveKey = key

	raw, normalized, err := p.transform(ctx, sp)
	if raw != nil {
		defer raw.Release()
	}
	if err != nil && ctx.Err() != nil {
		return halt("transform", errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "transform interrupted"))
	}
	if err != nil {
		log.Warn("quarantining dataset", zap.Error(err))
		if qErr := p.quarantine(ctx, d, sp, err); qErr != nil {
			return halt("quarantine", qErr)
		}
		res.Outcome = QuarantineFailed
		res.Err = err

		if p.config.LandUnnormalized && raw != nil {
			files, rows, lErr := p.land(ctx, d, raw)
			if lErr != nil {
				return halt("land", lErr)
			}
			res.Files, res.Rows = files, rows
			p.metrics.RowsLanded(d.LogicalID, rows)
		}
		span.SetAttribute("outcome", res.Outcome.String())
		span.RecordError(err)
		return res
	}
	defer normalized.Release()

	files, rows, err := p.land(ctx, d, normalized)
	if err != nil {
		return halt("land", err)
	}
	p.metrics.RowsLanded(d.LogicalID, rows)

	res.Outcome = Landed
	res.Files, res.Rows = files, rows
	span.SetAttribute("outcome", res.Outcome.String())
	span.SetAttribute("rows", rows)
	span.RecordError(nil)
	log.Info("dataset landed", zap.Int64("rows", rows), zap.Int("files", len(files)))
	return res
}

func (p *Pipeline) fetch(ctx context.Context, d dmap.Descriptor) (*spool, error) {
	timer := metrics.NewTimer("fetch")
	defer p.metrics.ObserveStage(timer)

	payload, err := p.fetcher.Fetch(ctx, d)
	if err != nil {
		return nil, err
	}
	defer payload.Body.Close()

	sp, err := newSpool(ctx, p.fs, p.config.TempDir, p.config.BlockSize, payload)
	if err != nil {
		return nil, err
	}
	p.metrics.BytesFetched(d.LogicalID, sp.size)
	return sp, nil
}

// transform parses and normalizes the spooled payload. raw is returned
// whenever parsing succeeded, even if normalization failed.
func (p *Pipeline) transform(ctx context.Context, sp *spool) (raw, normalized arrow.Table, err error) {
	timer := metrics.NewTimer("parse")
	raw, err = columnar.ReadCSV(func() (io.ReadCloser, error) { return sp.Decoded() },
		columnar.CSVOptions{ChunkRows: p.config.ChunkRows, Allocator: p.mem})
	p.metrics.ObserveStage(timer)
	if err != nil {
		return nil, nil, err
	}

	timer = metrics.NewTimer("normalize")
	normalized, err = p.normalizer.Normalize(ctx, raw)
	p.metrics.ObserveStage(timer)
	if err != nil {
		return raw, nil, err
	}
	return raw, normalized, nil
}
