// Package dataplatform incrementally syncs datasets published by the DMAP
// API into a Hive-partitioned columnar store.
//
// Every run lists each selected endpoint from its stored last_updated
// watermark, downloads new dataset versions, archives the raw payloads,
// normalizes each CSV into a compact typed table and lands it as Parquet
// (or Arrow IPC) files partitioned by Year, Month and Day of the table's
// primary date column. Versions that fail to normalize are quarantined
// next to an error report. The watermark advances only for versions that
// were archived and either landed or quarantined, so a failed run resumes
// where it stopped.
//
// # Quick Start
//
//	export DMAP_API_PUBLIC_API_KEY=...
//	export DMAP_API_CONTROLLED_API_KEY=...
//	dmapsync sync --config dmapsync.yaml
//	dmapsync state --config dmapsync.yaml
//
// # Key Packages
//
//	cmd/dmapsync          - Command line entry point (sync, endpoints, state, normalize)
//	internal/syncer       - Run driver: watermark load/save and per-endpoint reports
//	internal/pipeline     - Per-endpoint list, fetch, archive, normalize, land
//	pkg/dmap              - DMAP API client and endpoint catalog
//	pkg/normalize         - Column rules producing compact typed tables
//	pkg/formats/columnar  - CSV reading and Parquet/Arrow writing
//	pkg/storage           - Local, in-memory, S3 and GCS buckets
//	pkg/watermark         - Per-endpoint last_updated state document
//	pkg/clients           - Rate-limited HTTP client with a circuit breaker
//	pkg/compression       - Payload encoding detection and decoding
//	pkg/config            - YAML configuration with ${VAR} substitution
//	pkg/errors            - Typed errors
//	pkg/logger            - Structured logging
//	pkg/metrics           - Prometheus collectors
//	pkg/observability     - OpenTelemetry tracing
//
// # Storage Layout
//
//	archive/<id>/last_updated=<yyyymmddThhmmss.ffffff>Z/<file>.csv[.gz]
//	error/<id>/last_updated=<yyyymmddThhmmss.ffffff>Z/{<file>, error.txt}
//	springboard/<id>/Year=YYYY/Month=MM/Day=DD/<id>-<version>.parquet
//
// # Configuration
//
// Settings are read from YAML and may be overridden by DMAP_* environment
// variables, with dots in the key replaced by underscores:
//
//	api:
//	  environment: qa
//	  public_api_key: ${DMAP_PUBLIC_KEY}
//	sync:
//	  state_url: s3://lake/dmap/state.json
//	  land_url: s3://lake/springboard
//	  categories: [public]
package dataplatform
