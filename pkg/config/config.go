// Package config provides the configuration for dmapsync.
// It defines a single Config structure loaded from YAML with
// environment-variable substitution.
//
// The configuration is organized into logical sections:
//   - API: DMAP environments, credentials, transport limits
//   - Sync: storage locations, endpoint selection, landing options
//   - Storage: cloud backend settings for s3:// and gs:// locations
//   - Normalize: overrides for the column rule name sets
//   - Logging and Observability
//
// Example usage:
//
//	cfg := config.NewConfig()
//	if err := config.LoadInto("dmapsync.yaml", cfg); err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Environment names known to the DMAP API.
const (
	EnvironmentQA  = "qa"
	EnvironmentEIL = "eil"
)

// Config is the top-level configuration structure.
type Config struct {
	// API settings for talking to DMAP
	API APIConfig `yaml:"api" json:"api"`

	// Sync controls what is fetched and where it lands
	Sync SyncConfig `yaml:"sync" json:"sync"`

	// Storage settings for cloud backends
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Normalize overrides the default column rule name sets
	Normalize NormalizeConfig `yaml:"normalize" json:"normalize"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Observability settings for tracing and metrics
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// APIConfig contains DMAP API settings.
type APIConfig struct {
	// Environment is the default backend environment (qa, eil)
	Environment string `yaml:"environment" json:"environment"`
	// BaseURLs maps an environment name to its API root
	BaseURLs map[string]string `yaml:"base_urls" json:"base_urls"`
	// EnvironmentOverrides pins individual endpoints to another environment
	EnvironmentOverrides map[string]string `yaml:"environment_overrides" json:"environment_overrides"`
	// PublicAPIKey is the credential for the public aggregation endpoints
	PublicAPIKey string `yaml:"public_api_key" json:"-"`
	// ControlledAPIKey is the credential for the controlled research endpoints
	ControlledAPIKey string `yaml:"controlled_api_key" json:"-"`
	// RequestTimeout bounds each HTTP request, including the body read
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// RateLimitPerSec limits requests per second (0 = unlimited)
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	// RateBurst is the limiter burst size
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`
	// CircuitBreaker enables the circuit breaker around API calls
	CircuitBreaker bool `yaml:"circuit_breaker" json:"circuit_breaker"`
	// BreakerFailures is the number of consecutive failures that opens the breaker
	BreakerFailures uint32 `yaml:"breaker_failures" json:"breaker_failures"`
	// BreakerTimeout is how long the breaker stays open
	BreakerTimeout time.Duration `yaml:"breaker_timeout" json:"breaker_timeout"`
	// UserAgent sent with every request
	UserAgent string `yaml:"user_agent" json:"user_agent"`
}

// SyncConfig contains settings for a sync run.
type SyncConfig struct {
	// Endpoints restricts the run to these logical ids (empty = all)
	Endpoints []string `yaml:"endpoints" json:"endpoints"`
	// Categories restricts the run to public and/or controlled endpoints
	Categories []string `yaml:"categories" json:"categories"`
	// StateURL is the location of the watermark document
	StateURL string `yaml:"state_url" json:"state_url"`
	// ArchiveURL is the root for raw archived payloads
	ArchiveURL string `yaml:"archive_url" json:"archive_url"`
	// QuarantineURL is the root for payloads that failed to normalize
	QuarantineURL string `yaml:"quarantine_url" json:"quarantine_url"`
	// LandURL is the root for normalized, partitioned output
	LandURL string `yaml:"land_url" json:"land_url"`
	// TempDir holds spooled downloads (empty = OS temp dir)
	TempDir string `yaml:"temp_dir" json:"temp_dir"`
	// BlockSize is the copy buffer size used while spooling
	BlockSize int `yaml:"block_size" json:"block_size"`
	// ChunkRows is the number of CSV rows per table chunk
	ChunkRows int `yaml:"chunk_rows" json:"chunk_rows"`
	// WriteConcurrency bounds parallel partition-file writes for one table
	WriteConcurrency int `yaml:"write_concurrency" json:"write_concurrency"`
	// ExistingFiles is the landing conflict policy (overwrite, ignore)
	ExistingFiles string `yaml:"existing_files" json:"existing_files"`
	// LandFormat is the columnar output format (parquet, arrow)
	LandFormat string `yaml:"land_format" json:"land_format"`
	// ParquetCompression is the parquet codec (gzip, snappy, zstd, none)
	ParquetCompression string `yaml:"parquet_compression" json:"parquet_compression"`
	// LandUnnormalized also lands the raw table when normalization fails
	LandUnnormalized bool `yaml:"land_unnormalized" json:"land_unnormalized"`
	// StrictConvergence makes a convergence violation fail the run
	StrictConvergence bool `yaml:"strict_convergence" json:"strict_convergence"`
}

// StorageConfig contains cloud storage settings.
type StorageConfig struct {
	// S3Region for s3:// locations
	S3Region string `yaml:"s3_region" json:"s3_region"`
	// S3PartSize is the multipart upload part size in bytes
	S3PartSize int64 `yaml:"s3_part_size" json:"s3_part_size"`
	// S3Concurrency is the number of parts uploaded in parallel
	S3Concurrency int `yaml:"s3_concurrency" json:"s3_concurrency"`
	// GCSCredentialsFile for gs:// locations (empty = application default)
	GCSCredentialsFile string `yaml:"gcs_credentials_file" json:"gcs_credentials_file"`
}

// NormalizeConfig overrides the name sets used by the column rules.
// Empty lists keep the built-in defaults.
type NormalizeConfig struct {
	DateColumns        []string `yaml:"date_columns" json:"date_columns"`
	DateSuffixes       []string `yaml:"date_suffixes" json:"date_suffixes"`
	PrimaryDateColumns []string `yaml:"primary_date_columns" json:"primary_date_columns"`
	SmallIntColumns    []string `yaml:"small_int_columns" json:"small_int_columns"`
	SmallIntSuffixes   []string `yaml:"small_int_suffixes" json:"small_int_suffixes"`
	FlagSuffixes       []string `yaml:"flag_suffixes" json:"flag_suffixes"`
	DictionaryColumns  []string `yaml:"dictionary_columns" json:"dictionary_columns"`
	DictionarySuffixes []string `yaml:"dictionary_suffixes" json:"dictionary_suffixes"`
	// OutOfRange is the small-integer policy (error, skip)
	OutOfRange string `yaml:"out_of_range" json:"out_of_range"`
}

// LoggingConfig mirrors logger.Config.
type LoggingConfig struct {
	Level       string   `yaml:"level" json:"level"`
	Development bool     `yaml:"development" json:"development"`
	Encoding    string   `yaml:"encoding" json:"encoding"`
	OutputPaths []string `yaml:"output_paths" json:"output_paths"`
}

// ObservabilityConfig contains tracing and metrics output settings.
type ObservabilityConfig struct {
	// EnableTracing exports spans to stdout
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// ServiceName is the tracing resource name
	ServiceName string `yaml:"service_name" json:"service_name"`
	// MetricsTextfile, when set, receives the run's metrics in text format
	MetricsTextfile string `yaml:"metrics_textfile" json:"metrics_textfile"`
}

// NewConfig creates a Config with defaults that work for a local run.
func NewConfig() *Config {
	return &Config{
		API: APIConfig{
			Environment: EnvironmentQA,
			BaseURLs: map[string]string{
				EnvironmentQA:  "https://mbta-qa.api.cubicnextcloud.com/",
				EnvironmentEIL: "https://mbta-eil.api.cubicnextcloud.com/",
			},
			EnvironmentOverrides: map[string]string{},
			RequestTimeout:       5 * time.Minute,
			RateLimitPerSec:      5,
			RateBurst:            5,
			CircuitBreaker:       true,
			BreakerFailures:      5,
			BreakerTimeout:       time.Minute,
			UserAgent:            "dmapsync",
		},
		Sync: SyncConfig{
			Categories:         []string{"public", "controlled"},
			StateURL:           "data/state.json",
			ArchiveURL:         "data/archive",
			QuarantineURL:      "data/error",
			LandURL:            "data/springboard",
			BlockSize:          1 << 20,
			ChunkRows:          64 * 1024,
			WriteConcurrency:   runtime.NumCPU(),
			ExistingFiles:      "overwrite",
			LandFormat:         "parquet",
			ParquetCompression: "gzip",
			StrictConvergence:  true,
		},
		Storage: StorageConfig{
			S3Region:      "us-east-1",
			S3PartSize:    10 * 1024 * 1024,
			S3Concurrency: 5,
		},
		Normalize: NormalizeConfig{
			OutOfRange: "error",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Observability: ObservabilityConfig{
			ServiceName: "dmapsync",
		},
	}
}

// Validate validates the configuration for correctness.
func (c *Config) Validate() error {
	if c.API.Environment == "" {
		return fmt.Errorf("api.environment is required")
	}
	if _, ok := c.API.BaseURLs[c.API.Environment]; !ok {
		return fmt.Errorf("api.base_urls has no entry for environment %q", c.API.Environment)
	}
	for endpoint, env := range c.API.EnvironmentOverrides {
		if _, ok := c.API.BaseURLs[env]; !ok {
			return fmt.Errorf("api.environment_overrides[%s]: unknown environment %q", endpoint, env)
		}
	}
	if c.API.RateLimitPerSec < 0 {
		return fmt.Errorf("api.rate_limit_per_sec cannot be negative")
	}
	if c.Sync.StateURL == "" {
		return fmt.Errorf("sync.state_url is required")
	}
	if c.Sync.ArchiveURL == "" {
		return fmt.Errorf("sync.archive_url is required")
	}
	if c.Sync.QuarantineURL == "" {
		return fmt.Errorf("sync.quarantine_url is required")
	}
	if c.Sync.LandURL == "" {
		return fmt.Errorf("sync.land_url is required")
	}
	if c.Sync.BlockSize <= 0 {
		return fmt.Errorf("sync.block_size must be positive")
	}
	if c.Sync.ChunkRows <= 0 {
		return fmt.Errorf("sync.chunk_rows must be positive")
	}
	if c.Sync.WriteConcurrency <= 0 {
		return fmt.Errorf("sync.write_concurrency must be positive")
	}
	for _, cat := range c.Sync.Categories {
		if cat != "public" && cat != "controlled" {
			return fmt.Errorf("sync.categories: unknown category %q", cat)
		}
	}
	switch c.Sync.ExistingFiles {
	case "overwrite", "ignore":
	default:
		return fmt.Errorf("sync.existing_files must be overwrite or ignore, got %q", c.Sync.ExistingFiles)
	}
	switch c.Sync.LandFormat {
	case "parquet", "arrow":
	default:
		return fmt.Errorf("sync.land_format must be parquet or arrow, got %q", c.Sync.LandFormat)
	}
	switch c.Sync.ParquetCompression {
	case "gzip", "snappy", "zstd", "none":
	default:
		return fmt.Errorf("sync.parquet_compression: unsupported codec %q", c.Sync.ParquetCompression)
	}
	switch c.Normalize.OutOfRange {
	case "", "error", "skip":
	default:
		return fmt.Errorf("normalize.out_of_range must be error or skip, got %q", c.Normalize.OutOfRange)
	}
	return nil
}

// WantsCategory reports whether the given endpoint category is enabled.
func (s *SyncConfig) WantsCategory(category string) bool {
	if len(s.Categories) == 0 {
		return true
	}
	for _, c := range s.Categories {
		if c == category {
			return true
		}
	}
	return false
}
