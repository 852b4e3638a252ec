package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/paulswartz/data-platform/internal/pipeline"
	"github.com/paulswartz/data-platform/pkg/clients"
	"github.com/paulswartz/data-platform/pkg/config"
	"github.com/paulswartz/data-platform/pkg/dmap"
	"github.com/paulswartz/data-platform/pkg/formats/columnar"
	"github.com/paulswartz/data-platform/pkg/normalize"
	"github.com/paulswartz/data-platform/pkg/storage"
)

// newViper binds DMAP_* environment variables to config keys, with dots
// replaced by underscores: api.public_api_key is DMAP_API_PUBLIC_API_KEY.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads the YAML file over the defaults, then applies
// environment variables and flags, then validates.
func (o *options) loadConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	if o.configFile != "" {
		if err := config.LoadInto(o.configFile, cfg); err != nil {
			return nil, err
		}
	}
	applyOverrides(o.v, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(v *viper.Viper, cfg *config.Config) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	list := func(key string, dst *[]string) {
		if v.IsSet(key) {
			*dst = strings.FieldsFunc(v.GetString(key), func(r rune) bool {
				return r == ',' || r == ' '
			})
		}
	}
	flag := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	str("api.environment", &cfg.API.Environment)
	str("api.public_api_key", &cfg.API.PublicAPIKey)
	str("api.controlled_api_key", &cfg.API.ControlledAPIKey)
	str("api.user_agent", &cfg.API.UserAgent)
	if v.IsSet("api.rate_limit_per_sec") {
		cfg.API.RateLimitPerSec = v.GetFloat64("api.rate_limit_per_sec")
	}

	list("sync.endpoints", &cfg.Sync.Endpoints)
	list("sync.categories", &cfg.Sync.Categories)
	str("sync.state_url", &cfg.Sync.StateURL)
	str("sync.archive_url", &cfg.Sync.ArchiveURL)
	str("sync.quarantine_url", &cfg.Sync.QuarantineURL)
	str("sync.land_url", &cfg.Sync.LandURL)
	str("sync.temp_dir", &cfg.Sync.TempDir)
	str("sync.existing_files", &cfg.Sync.ExistingFiles)
	str("sync.land_format", &cfg.Sync.LandFormat)
	flag("sync.land_unnormalized", &cfg.Sync.LandUnnormalized)
	flag("sync.strict_convergence", &cfg.Sync.StrictConvergence)

	str("storage.s3_region", &cfg.Storage.S3Region)
	str("storage.gcs_credentials_file", &cfg.Storage.GCSCredentialsFile)

	str("logging.level", &cfg.Logging.Level)
	str("logging.encoding", &cfg.Logging.Encoding)

	flag("observability.enable_tracing", &cfg.Observability.EnableTracing)
	str("observability.metrics_textfile", &cfg.Observability.MetricsTextfile)
}

// selectEndpoints resolves the configured logical ids, filtered by
// category. No ids means every known endpoint.
func selectEndpoints(cfg *config.Config) ([]dmap.Endpoint, error) {
	candidates := dmap.Endpoints()
	if len(cfg.Sync.Endpoints) > 0 {
		candidates = candidates[:0:0]
		for _, id := range cfg.Sync.Endpoints {
			ep, err := dmap.Lookup(id)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, ep)
		}
	}

	var selected []dmap.Endpoint
	for _, ep := range candidates {
		if cfg.Sync.WantsCategory(string(ep.Category)) {
			selected = append(selected, ep)
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no endpoints selected by sync.endpoints %v and sync.categories %v",
			cfg.Sync.Endpoints, cfg.Sync.Categories)
	}
	return selected, nil
}

func dmapConfig(cfg *config.Config) dmap.Config {
	return dmap.Config{
		BaseURLs:             cfg.API.BaseURLs,
		Environment:          cfg.API.Environment,
		EnvironmentOverrides: cfg.API.EnvironmentOverrides,
		APIKeys: map[dmap.Category]string{
			dmap.CategoryPublic:     cfg.API.PublicAPIKey,
			dmap.CategoryControlled: cfg.API.ControlledAPIKey,
		},
	}
}

func httpConfig(cfg *config.Config) *clients.HTTPConfig {
	hc := clients.DefaultHTTPConfig()
	hc.RequestTimeout = cfg.API.RequestTimeout
	hc.RateLimit = cfg.API.RateLimitPerSec
	hc.RateBurst = cfg.API.RateBurst
	hc.CircuitBreakerEnabled = cfg.API.CircuitBreaker
	hc.FailureThreshold = cfg.API.BreakerFailures
	hc.BreakerTimeout = cfg.API.BreakerTimeout
	if cfg.API.UserAgent != "" {
		hc.UserAgent = cfg.API.UserAgent
	}
	return hc
}

func ruleConfig(nc config.NormalizeConfig) normalize.RuleConfig {
	// empty lists keep the defaults
	orNil := func(s []string) []string {
		if len(s) == 0 {
			return nil
		}
		return s
	}
	return normalize.RuleConfig{
		SmallIntColumns:    orNil(nc.SmallIntColumns),
		SmallIntSuffixes:   orNil(nc.SmallIntSuffixes),
		FlagSuffixes:       orNil(nc.FlagSuffixes),
		DateColumns:        orNil(nc.DateColumns),
		DateSuffixes:       orNil(nc.DateSuffixes),
		PrimaryDateColumns: orNil(nc.PrimaryDateColumns),
		DictionaryColumns:  orNil(nc.DictionaryColumns),
		DictionarySuffixes: orNil(nc.DictionarySuffixes),
		OutOfRange:         normalize.OutOfRangePolicy(nc.OutOfRange),
	}
}

func writerConfig(cfg *config.Config) *columnar.WriterConfig {
	wc := columnar.DefaultWriterConfig()
	wc.Format = columnar.Format(cfg.Sync.LandFormat)
	wc.Compression = cfg.Sync.ParquetCompression
	return wc
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		TempDir:          cfg.Sync.TempDir,
		BlockSize:        cfg.Sync.BlockSize,
		ChunkRows:        cfg.Sync.ChunkRows,
		WriteConcurrency: cfg.Sync.WriteConcurrency,
		ExistingFiles:    pipeline.ExistingFilesPolicy(cfg.Sync.ExistingFiles),
		LandUnnormalized: cfg.Sync.LandUnnormalized,
		Writer:           writerConfig(cfg),
	}
}

func storageOptions(cfg *config.Config) storage.Options {
	return storage.Options{
		S3Region:           cfg.Storage.S3Region,
		S3PartSize:         cfg.Storage.S3PartSize,
		S3Concurrency:      cfg.Storage.S3Concurrency,
		GCSCredentialsFile: cfg.Storage.GCSCredentialsFile,
	}
}

// splitStateURL splits a state document URL into its bucket location and
// key: s3://bucket/dmap/state.json is s3://bucket/dmap and state.json.
func splitStateURL(raw string) (string, string) {
	i := strings.LastIndex(raw, "/")
	switch {
	case i < 0 || strings.HasSuffix(raw[:i+1], "://"):
		return ".", raw
	case i == 0:
		return "/", raw[1:]
	}
	return raw[:i], raw[i+1:]
}
