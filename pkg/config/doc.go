// Package config provides configuration management for dmapsync.
//
// # Key Features
//
// - Config: a single structure with API, Sync, Storage, Normalize, Logging and Observability sections
// - Environment variable substitution with ${VAR_NAME} and ${VAR_NAME:-default} syntax
// - Defaults from NewConfig, overridden by whatever the YAML file sets
// - Validate catches bad enum values and missing locations before a run starts
//
// # Usage
//
//	cfg := config.NewConfig()
//	if err := config.LoadInto("dmapsync.yaml", cfg); err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// # Example YAML
//
//	api:
//	  environment: qa
//	  public_api_key: ${DMAP_PUBLIC_API_KEY}
//	  controlled_api_key: ${DMAP_CONTROLLED_API_KEY}
//	  environment_overrides:
//	    use_transaction_location: eil
//	sync:
//	  state_url: s3://mbta-ctd-dataplatform/dmap/state.json
//	  archive_url: s3://mbta-ctd-dataplatform/dmap/archive
//	  quarantine_url: s3://mbta-ctd-dataplatform/dmap/error
//	  land_url: s3://mbta-ctd-dataplatform/dmap/springboard
//	  parquet_compression: ${DMAP_PARQUET_CODEC:-gzip}
package config
