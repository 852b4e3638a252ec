package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/paulswartz/data-platform/pkg/clients"
	"github.com/paulswartz/data-platform/pkg/config"
	"github.com/paulswartz/data-platform/pkg/dmap"
	"github.com/paulswartz/data-platform/pkg/logger"
	"github.com/paulswartz/data-platform/pkg/metrics"
	"github.com/paulswartz/data-platform/pkg/observability"
	"github.com/paulswartz/data-platform/pkg/storage"
)

// app holds the process-wide dependencies built from a Config.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	opener   *storage.Opener
	http     *clients.HTTPClient
	client   *dmap.Client
	registry *prometheus.Registry
	metrics  *metrics.Collector

	shutdownTracing observability.ShutdownFunc
}

func newApp(cfg *config.Config) (*app, error) {
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Encoding,
		OutputPaths: cfg.Logging.OutputPaths,
	}); err != nil {
		return nil, err
	}
	log := logger.Get()

	shutdown, err := observability.InitTracing(observability.TracingConfig{
		Enabled:        cfg.Observability.EnableTracing,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return nil, err
	}

	httpClient := clients.NewHTTPClient(httpConfig(cfg), log)
	reg := prometheus.NewRegistry()

	return &app{
		cfg:             cfg,
		logger:          log,
		opener:          storage.NewOpener(storageOptions(cfg), log),
		http:            httpClient,
		client:          dmap.NewClient(httpClient, dmapConfig(cfg), log),
		registry:        reg,
		metrics:         metrics.NewCollector(reg),
		shutdownTracing: shutdown,
	}, nil
}

// Close flushes spans and logs and releases clients.
func (a *app) Close(ctx context.Context) {
	stats := a.http.GetStats()
	a.logger.Debug("http client stats",
		zap.Int64("requests", stats.TotalRequests),
		zap.Int64("failed", stats.FailedRequests),
		zap.String("breaker", stats.BreakerState))

	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.Warn("failed to flush traces", zap.Error(err))
	}
	if err := a.opener.Close(); err != nil {
		a.logger.Warn("failed to close storage clients", zap.Error(err))
	}
	_ = a.http.Close()
	_ = a.logger.Sync()
}

// writeMetrics dumps the run's metrics when a textfile is configured.
func (a *app) writeMetrics() {
	path := a.cfg.Observability.MetricsTextfile
	if path == "" {
		return
	}
	if err := metrics.WriteTextfile(path, a.registry); err != nil {
		a.logger.Error("failed to write metrics", zap.Error(err))
	}
}
