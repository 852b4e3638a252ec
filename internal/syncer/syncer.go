// Package syncer drives a sync run: it loads the watermark state, runs the
// pipeline over every configured endpoint and persists the state once at
// the end.
package syncer

import (
	"context"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paulswartz/data-platform/internal/pipeline"
	"github.com/paulswartz/data-platform/pkg/dmap"
	"github.com/paulswartz/data-platform/pkg/errors"
	"github.com/paulswartz/data-platform/pkg/logger"
	"github.com/paulswartz/data-platform/pkg/storage"
	"github.com/paulswartz/data-platform/pkg/watermark"
)

// EndpointProcessor processes one endpoint against the run's watermarks.
type EndpointProcessor interface {
	ProcessEndpoint(ctx context.Context, ep dmap.Endpoint, store *watermark.Store) pipeline.EndpointResult
}

// Config configures a Driver.
type Config struct {
	// StateKey is the key of the watermark document in the state bucket
	StateKey string
	// Endpoints are processed in order; empty means every known endpoint
	Endpoints []dmap.Endpoint
	// StrictConvergence fails the run on any convergence violation
	StrictConvergence bool
}

// Report summarizes a run.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	// FreshState is set when the state was missing or unreadable
	FreshState bool
	Endpoints  []pipeline.EndpointResult
	Watermarks map[string]time.Time
}

// ConvergenceErrors returns the convergence violations of the run.
func (r *Report) ConvergenceErrors() []error {
	var errs []error
	for _, ep := range r.Endpoints {
		if ep.ConvergenceErr != nil {
			errs = append(errs, ep.ConvergenceErr)
		}
	}
	return errs
}

// Failed returns the logical ids of endpoints whose listing failed or that
// halted.
func (r *Report) Failed() []string {
	var ids []string
	for _, ep := range r.Endpoints {
		if ep.Err != nil {
			ids = append(ids, ep.Endpoint.LogicalID)
		}
	}
	return ids
}

// Driver runs syncs.
type Driver struct {
	processor EndpointProcessor
	state     storage.Bucket
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// NewDriver creates a driver persisting its state to key cfg.StateKey of
// the state bucket.
func NewDriver(processor EndpointProcessor, state storage.Bucket, cfg Config, opts ...Option) (*Driver, error) {
	if processor == nil || state == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "processor and state bucket are required")
	}
	if cfg.StateKey == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "state key is required")
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = dmap.Endpoints()
	}

	d := &Driver{
		processor: processor,
		state:     state,
		config:    cfg,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("component", "syncer"))
	return d, nil
}

// Run performs one sync.
//
// A state document that cannot be parsed is logged and the run starts
// from empty watermarks; any other load failure aborts before anything is
// processed. Endpoint failures are recorded in the report and the run
// moves on. The state is saved once, also when ctx is cancelled.
//
// The returned error is set when the state could not be saved, when ctx
// was cancelled, or on a convergence violation in strict mode. The report
// is returned whenever the state was loaded.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), Started: d.now()}
	ctx = logger.ContextWith(ctx, logger.RunIDKey, report.RunID)
	log := logger.FromContext(ctx, d.logger)

	store, err := watermark.Load(ctx, d.state, d.config.StateKey)
	switch {
	case err == nil:
		report.FreshState = store.Len() == 0
	case errors.IsType(err, errors.ErrorTypeData):
		log.Warn("watermark state is corrupt, starting fresh",
			zap.String("state", d.state.String()),
			zap.String("key", d.config.StateKey),
			zap.Error(err))
		report.FreshState = true
	default:
		return nil, err
	}

	log.Info("sync started",
		zap.Int("endpoints", len(d.config.Endpoints)),
		zap.Int("watermarks", store.Len()))

	for _, ep := range d.config.Endpoints {
		if ctx.Err() != nil {
			break
		}
		result := d.processor.ProcessEndpoint(ctx, ep, store)
		report.Endpoints = append(report.Endpoints, result)
		if result.ListingFailed() {
			log.Warn("skipping endpoint after listing failure",
				zap.String("endpoint", ep.LogicalID),
				zap.Error(result.Err))
		}
	}

	// progress made before a cancellation is still saved
	saveCtx := context.WithoutCancel(ctx)
	if err := d.save(saveCtx, store); err != nil {
		log.Error("failed to save watermark state", zap.Error(err))
		report.Finished = d.now()
		return report, err
	}
	report.Watermarks = store.Snapshot()
	report.Finished = d.now()

	log.Info("sync finished",
		zap.Duration("duration", report.Finished.Sub(report.Started)),
		zap.Strings("failed", report.Failed()),
		zap.Int("convergence_violations", len(report.ConvergenceErrors())))

	if err := ctx.Err(); err != nil {
		return report, errors.Wrap(err, errors.ErrorTypeTimeout, "sync interrupted")
	}
	if violations := report.ConvergenceErrors(); d.config.StrictConvergence && len(violations) > 0 {
		return report, errors.Wrapf(errors.Join(violations...), errors.ErrorTypeConvergence,
			"%d endpoint(s) did not converge", len(violations))
	}
	return report, nil
}

func (d *Driver) save(ctx context.Context, store *watermark.Store) error {
	if dir := path.Dir(d.config.StateKey); dir != "." {
		if err := d.state.MkdirAll(ctx, dir); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeStorage, "create state dir %s", dir)
		}
	}
	return store.Save(ctx, d.state, d.config.StateKey)
}
