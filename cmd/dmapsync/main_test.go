package main

import (
	"bytes"
	"context"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulswartz/data-platform/pkg/config"
	"github.com/paulswartz/data-platform/pkg/dmap"
	"github.com/paulswartz/data-platform/pkg/normalize"
	"github.com/paulswartz/data-platform/pkg/storage"
	"github.com/paulswartz/data-platform/pkg/watermark"
)

const hourlyCSV = "Date,Station,entries\n" +
	"03-14-2022,Alewife,10\n" +
	"03-15-2022,Davis,4\n" +
	"03-14-2022,Porter,7\n"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSplitStateURL(t *testing.T) {
	tests := []struct {
		raw, dir, key string
	}{
		{"state.json", ".", "state.json"},
		{"data/state.json", "data", "state.json"},
		{"/var/lib/dmap/state.json", "/var/lib/dmap", "state.json"},
		{"/state.json", "/", "state.json"},
		{"s3://bucket/dmap/state.json", "s3://bucket/dmap", "state.json"},
		{"gs://bucket/state.json", "gs://bucket", "state.json"},
		{"mem://state", ".", "mem://state"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			dir, key := splitStateURL(tt.raw)
			assert.Equal(t, tt.dir, dir)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	t.Setenv("DMAP_API_ENVIRONMENT", "eil")
	t.Setenv("DMAP_API_PUBLIC_API_KEY", "pub")
	t.Setenv("DMAP_API_RATE_LIMIT_PER_SEC", "2.5")
	t.Setenv("DMAP_SYNC_ENDPOINTS", "citation, device_event")
	t.Setenv("DMAP_SYNC_LAND_URL", "s3://lake/springboard")
	t.Setenv("DMAP_SYNC_STRICT_CONVERGENCE", "false")
	t.Setenv("DMAP_SYNC_LAND_UNNORMALIZED", "true")

	cfg := config.NewConfig()
	applyOverrides(newViper(), cfg)

	assert.Equal(t, "eil", cfg.API.Environment)
	assert.Equal(t, "pub", cfg.API.PublicAPIKey)
	assert.Empty(t, cfg.API.ControlledAPIKey)
	assert.InDelta(t, 2.5, cfg.API.RateLimitPerSec, 1e-9)
	assert.Equal(t, []string{"citation", "device_event"}, cfg.Sync.Endpoints)
	assert.Equal(t, "s3://lake/springboard", cfg.Sync.LandURL)
	assert.Equal(t, "data/archive", cfg.Sync.ArchiveURL, "unset keys keep their value")
	assert.False(t, cfg.Sync.StrictConvergence)
	assert.True(t, cfg.Sync.LandUnnormalized)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dmapsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\nsync:\n  land_format: arrow\n"), 0o600))

	opts := &options{configFile: path, v: newViper()}
	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "arrow", cfg.Sync.LandFormat)

	t.Setenv("DMAP_SYNC_LAND_FORMAT", "orc")
	_, err = opts.loadConfig()
	assert.ErrorContains(t, err, "sync.land_format")
}

func TestSelectEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		endpoints  []string
		categories []string
		want       []string
		wantErr    string
	}{
		{
			name:       "explicit ids",
			endpoints:  []string{"citation", "agg_daily_fareprod_route"},
			categories: []string{"public", "controlled"},
			want:       []string{"citation", "agg_daily_fareprod_route"},
		},
		{
			name:       "category filter",
			endpoints:  []string{"citation", "agg_daily_fareprod_route"},
			categories: []string{"public"},
			want:       []string{"agg_daily_fareprod_route"},
		},
		{
			name:       "controlled only",
			categories: []string{"controlled"},
			want: []string{
				"use_transaction_longitudinal",
				"use_transaction_location",
				"sale_transaction",
				"device_event",
				"citation",
			},
		},
		{
			name:      "unknown id",
			endpoints: []string{"nope"},
			wantErr:   `unknown endpoint "nope"`,
		},
		{
			name:       "nothing left",
			endpoints:  []string{"citation"},
			categories: []string{"public"},
			wantErr:    "no endpoints selected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewConfig()
			cfg.Sync.Endpoints = tt.endpoints
			cfg.Sync.Categories = tt.categories

			eps, err := selectEndpoints(cfg)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			var ids []string
			for _, ep := range eps {
				ids = append(ids, ep.LogicalID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	t.Run("no ids means every endpoint", func(t *testing.T) {
		eps, err := selectEndpoints(config.NewConfig())
		require.NoError(t, err)
		assert.Len(t, eps, len(dmap.Endpoints()))
	})
}

func TestRuleConfig(t *testing.T) {
	rc := ruleConfig(config.NormalizeConfig{
		DateColumns:  []string{"service_date"},
		FlagSuffixes: []string{},
		OutOfRange:   "skip",
	})
	assert.Equal(t, []string{"service_date"}, rc.DateColumns)
	assert.Nil(t, rc.FlagSuffixes)
	assert.Equal(t, normalize.OutOfRangePolicy("skip"), rc.OutOfRange)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dmapsync v"+version)
	assert.Contains(t, out, "Go version:")
}

func TestEndpointsCommand(t *testing.T) {
	t.Setenv("DMAP_SYNC_CATEGORIES", "controlled")

	out, err := execute(t, "endpoints")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, len(dmap.Endpoints())+1)
	assert.Contains(t, lines[0], "ENDPOINT")
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		require.Len(t, fields, 5, line)
		assert.Equal(t, fields[1] == "controlled", fields[3] == "true", line)
		assert.True(t, strings.HasPrefix(fields[4], "https://mbta-qa.api.cubicnextcloud.com/"), line)
	}
}

func TestStateCommand(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	t.Setenv("DMAP_SYNC_STATE_URL", filepath.Join(dir, "state.json"))

	out, err := execute(t, "state")
	require.NoError(t, err)
	assert.Contains(t, out, "no watermarks")

	store := watermark.New()
	store.Record("citation", time.Date(2022, 3, 14, 13, 13, 34, 0, time.UTC))
	require.NoError(t, store.Save(ctx, storage.NewFSBucket(afero.NewOsFs(), dir, dir), "state.json"))

	out, err = execute(t, "state")
	require.NoError(t, err)
	assert.Contains(t, out, "citation")
	assert.Contains(t, out, "2022-03-14T13:13:34")
	assert.Contains(t, out, "2022-03-14T13:13:34.001000")
}

func TestNormalizeCommand(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "hourly.csv")
	output := filepath.Join(dir, "out", "hourly.parquet")
	require.NoError(t, os.WriteFile(input, []byte(hourlyCSV), 0o600))

	out, err := execute(t, "normalize", input, "--output", output)
	require.NoError(t, err)
	assert.Contains(t, out, "rows: 3")
	assert.Contains(t, out, "Date: date32")
	assert.Contains(t, out, "partitioned by: Year, Month, Day")

	info, err := os.Stat(output)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "normalize", filepath.Join(dir, "missing.csv"))
		assert.Error(t, err)
	})

	t.Run("requires one argument", func(t *testing.T) {
		_, err := execute(t, "normalize")
		assert.Error(t, err)
	})
}

// dmapServer publishes one version of agg_hourly_entry_exit_count and
// filters listings by last_updated.
type dmapServer struct {
	*httptest.Server
	published time.Time
	listings  atomic.Int32
	downloads atomic.Int32
}

func newDMAPServer(t *testing.T) *dmapServer {
	t.Helper()
	s := &dmapServer{published: time.Date(2022, 3, 16, 4, 0, 0, 0, time.UTC)}

	mux := http.NewServeMux()
	mux.HandleFunc("/datasetpublicusersapi/aggregations/agg_hourly_entry_exit_count", func(w http.ResponseWriter, r *http.Request) {
		s.listings.Add(1)
		if r.URL.Query().Get("apikey") != "secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		results := []dmap.Descriptor{}
		since := r.URL.Query().Get("last_updated")
		cursor, err := dmap.ParseTimestamp(since)
		if since == "" || (err == nil && !s.published.Before(cursor)) {
			results = append(results, dmap.Descriptor{
				LogicalID:    "agg_hourly_entry_exit_count",
				VersionID:    "v1",
				LastModified: s.published,
				SourceURI:    s.URL + "/files/v1.csv",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "results": results})
	})
	mux.HandleFunc("/files/v1.csv", func(w http.ResponseWriter, r *http.Request) {
		s.downloads.Add(1)
		_, _ = w.Write([]byte(hourlyCSV))
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func TestRunSync(t *testing.T) {
	srv := newDMAPServer(t)
	dir := t.TempDir()

	cfg := config.NewConfig()
	cfg.API.BaseURLs[config.EnvironmentQA] = srv.URL
	cfg.API.PublicAPIKey = "secret"
	cfg.API.RateLimitPerSec = 0
	cfg.Sync.Endpoints = []string{"agg_hourly_entry_exit_count"}
	cfg.Sync.StateURL = filepath.Join(dir, "state", "state.json")
	cfg.Sync.ArchiveURL = filepath.Join(dir, "archive")
	cfg.Sync.QuarantineURL = filepath.Join(dir, "error")
	cfg.Sync.LandURL = filepath.Join(dir, "springboard")
	cfg.Sync.TempDir = filepath.Join(dir, "spool")
	cfg.Logging.OutputPaths = []string{"stderr"}
	cfg.Observability.MetricsTextfile = filepath.Join(dir, "dmap.prom")
	require.NoError(t, cfg.Validate())

	var out bytes.Buffer
	require.NoError(t, runSync(context.Background(), cfg, &out))

	assert.Contains(t, out.String(), "agg_hourly_entry_exit_count")
	assert.Contains(t, out.String(), "2022-03-16T04:00:00Z")
	assert.Equal(t, int32(1), srv.downloads.Load())
	assert.Equal(t, int32(2), srv.listings.Load(), "listing plus convergence relist")

	var landed []string
	err := filepath.WalkDir(filepath.Join(dir, "springboard"), func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			landed = append(landed, p)
		}
		return err
	})
	require.NoError(t, err)
	assert.Len(t, landed, 2, "one file per service date")

	_, err = os.Stat(filepath.Join(dir, "archive", "agg_hourly_entry_exit_count", "last_updated=20220316T040000.000000Z", "v1.csv"))
	assert.NoError(t, err)
	spooled, err := os.ReadDir(cfg.Sync.TempDir)
	require.NoError(t, err)
	assert.Empty(t, spooled)

	b := storage.NewFSBucket(afero.NewOsFs(), filepath.Join(dir, "state"), "state")
	store, err := watermark.Load(context.Background(), b, "state.json")
	require.NoError(t, err)
	mark, ok := store.Get("agg_hourly_entry_exit_count")
	require.True(t, ok)
	assert.True(t, srv.published.Equal(mark))

	prom, err := os.ReadFile(cfg.Observability.MetricsTextfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `dmap_rows_landed_total{endpoint="agg_hourly_entry_exit_count"} 3`)

	t.Run("second run fetches nothing", func(t *testing.T) {
		out.Reset()
		require.NoError(t, runSync(context.Background(), cfg, &out))
		assert.Equal(t, int32(1), srv.downloads.Load())
	})
}
