package dmap

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/paulswartz/data-platform/pkg/clients"
	"github.com/paulswartz/data-platform/pkg/errors"
)

const sampleDescriptor = `{
	"dataset_id": "agg_boardings_fareprod_mode_month_2022",
	"end_date": "2022-12-31",
	"id": "agg_boardings_fareprod_mode_month",
	"last_updated": "2022-03-14T13:13:34.797248",
	"start_date": "2022-01-01",
	"url": "https://mbta.com"
}`

func TestDescriptorUnmarshal(t *testing.T) {
	var d Descriptor
	require.NoError(t, json.Unmarshal([]byte(sampleDescriptor), &d))

	assert.Equal(t, Descriptor{
		LogicalID:    "agg_boardings_fareprod_mode_month",
		VersionID:    "agg_boardings_fareprod_mode_month_2022",
		ValidFrom:    time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:      time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC),
		LastModified: time.Date(2022, 3, 14, 13, 13, 34, 797248000, time.UTC),
		SourceURI:    "https://mbta.com",
	}, d)

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, sampleDescriptor, string(out))
}

func TestDescriptorUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing id", `{"dataset_id": "x", "last_updated": "2022-03-14T13:13:34"}`},
		{"bad timestamp", `{"id": "a", "dataset_id": "x", "last_updated": "yesterday"}`},
		{"bad date", `{"id": "a", "dataset_id": "x", "last_updated": "2022-03-14T13:13:34", "start_date": "01/01/2022"}`},
		{"id with slash", `{"id": "a/b", "dataset_id": "x", "last_updated": "2022-03-14T13:13:34"}`},
		{"id is dot", `{"id": ".", "dataset_id": "x", "last_updated": "2022-03-14T13:13:34"}`},
		{"dataset_id traversal", `{"id": "a", "dataset_id": "../../state", "last_updated": "2022-03-14T13:13:34"}`},
		{"dataset_id dot dot", `{"id": "a", "dataset_id": "..", "last_updated": "2022-03-14T13:13:34"}`},
		{"dataset_id backslash", `{"id": "a", "dataset_id": "x\\y", "last_updated": "2022-03-14T13:13:34"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Descriptor
			err := d.UnmarshalJSON([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeData))
		})
	}
}

func TestFilename(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"https://cdn.mbta.com/archive/archived_feeds.txt", "archived_feeds.txt"},
		{"https://example.com/files/data.csv.gz?X-Amz-Signature=abc", "data.csv.gz"},
		{"https://example.com/dir/", "dir"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			assert.Equal(t, tt.want, Descriptor{SourceURI: tt.uri}.Filename())
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{"whole seconds", time.Date(2022, 3, 14, 13, 13, 34, 0, time.UTC), "2022-03-14T13:13:34"},
		{"microseconds", time.Date(2022, 3, 14, 13, 13, 34, 797248000, time.UTC), "2022-03-14T13:13:34.797248"},
		{"one millisecond", time.Date(2022, 3, 14, 13, 13, 34, int(time.Millisecond), time.UTC), "2022-03-14T13:13:34.001000"},
		{"sub-microsecond is dropped", time.Date(2022, 3, 14, 13, 13, 34, 500, time.UTC), "2022-03-14T13:13:34"},
		{"converted to UTC", time.Date(2022, 3, 14, 9, 13, 34, 0, time.FixedZone("EDT", -4*3600)), "2022-03-14T13:13:34"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatTimestamp(tt.in))
		})
	}
}

func TestQueryValues(t *testing.T) {
	assert.Empty(t, Query{}.Values().Encode())

	ts := time.Date(2022, 3, 14, 13, 13, 34, 798248000, time.UTC)
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	v := Query{LastUpdated: &ts, StartDate: &start}.Values()
	assert.Equal(t, "2022-03-14T13:13:34.798248", v.Get("last_updated"))
	assert.Equal(t, "2022-01-01", v.Get("start_date"))
	assert.NotContains(t, v, "end_date")
}

func TestEndpoints(t *testing.T) {
	assert.Len(t, PublicEndpoints(), 8)
	assert.Len(t, ControlledEndpoints(), 5)
	assert.Len(t, Endpoints(), 13)

	ep, err := Lookup("citation")
	require.NoError(t, err)
	assert.Equal(t, CategoryControlled, ep.Category)
	assert.Equal(t, "controlledresearchusersapi/transactional/citation", ep.Path)

	ep, err = Lookup("agg_daily_fareprod_station")
	require.NoError(t, err)
	assert.Equal(t, CategoryPublic, ep.Category)
	assert.Equal(t, "datasetpublicusersapi/aggregations/agg_daily_fareprod_station", ep.Path)

	_, err = Lookup("nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestEndpointURL(t *testing.T) {
	cfg := Config{
		BaseURLs: map[string]string{
			"qa":  "https://qa.example.com/",
			"eil": "https://eil.example.com",
		},
		Environment:          "qa",
		EnvironmentOverrides: map[string]string{"citation": "eil", "device_event": "prod"},
	}

	tests := []struct {
		id      string
		want    string
		wantErr bool
	}{
		{"agg_daily_fareprod_station", "https://qa.example.com/datasetpublicusersapi/aggregations/agg_daily_fareprod_station", false},
		{"citation", "https://eil.example.com/controlledresearchusersapi/transactional/citation", false},
		{"device_event", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			ep, err := Lookup(tt.id)
			require.NoError(t, err)

			got, err := cfg.EndpointURL(ep)
			if tt.wantErr {
				assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// newTestClient serves handler as both environments.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.RateLimit = 0
	httpCfg.CircuitBreakerEnabled = false
	transport := clients.NewHTTPClient(httpCfg, zaptest.NewLogger(t))

	cfg := Config{
		BaseURLs:    map[string]string{"qa": srv.URL},
		Environment: "qa",
		APIKeys: map[Category]string{
			CategoryPublic:     "public-key",
			CategoryControlled: "controlled-key",
		},
	}
	return NewClient(transport, cfg, zaptest.NewLogger(t)), srv
}

func TestListDescriptors(t *testing.T) {
	var got *http.Request
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = io.WriteString(w, `{"success": true, "results": [`+sampleDescriptor+`]}`)
	})
	ep, err := Lookup("agg_boardings_fareprod_mode_month")
	require.NoError(t, err)

	since := time.Date(2022, 3, 14, 13, 13, 34, 798248000, time.UTC)
	ds, err := client.ListDescriptors(context.Background(), ep, &since)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "agg_boardings_fareprod_mode_month_2022", ds[0].VersionID)

	assert.Equal(t, "/datasetpublicusersapi/aggregations/agg_boardings_fareprod_mode_month", got.URL.Path)
	assert.Equal(t, "public-key", got.URL.Query().Get("apikey"))
	assert.Equal(t, "2022-03-14T13:13:34.798248", got.URL.Query().Get("last_updated"))

	_, err = client.ListDescriptors(context.Background(), ep, nil)
	require.NoError(t, err)
	assert.NotContains(t, got.URL.Query(), "last_updated")
}

func TestListDescriptorsControlledKey(t *testing.T) {
	var key string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		key = r.URL.Query().Get("apikey")
		_, _ = io.WriteString(w, `{"success": true, "results": []}`)
	})
	ep, err := Lookup("sale_transaction")
	require.NoError(t, err)

	ds, err := client.ListDescriptors(context.Background(), ep, nil)
	require.NoError(t, err)
	assert.Empty(t, ds)
	assert.Equal(t, "controlled-key", key)
}

func TestListDescriptorsErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		errType errors.ErrorType
	}{
		{"unsuccessful", http.StatusOK, `{"success": false, "message": "bad key"}`, errors.ErrorTypeConnection},
		{"server error", http.StatusInternalServerError, `oops`, errors.ErrorTypeConnection},
		{"forbidden", http.StatusForbidden, `{"message": "no"}`, errors.ErrorTypePermission},
		{"not json", http.StatusOK, `<html>`, errors.ErrorTypeData},
		{"bad descriptor", http.StatusOK, `{"success": true, "results": [{"id": "a"}]}`, errors.ErrorTypeData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			ep, err := Lookup("citation")
			require.NoError(t, err)

			_, err = client.ListDescriptors(context.Background(), ep, nil)
			require.Error(t, err)
			assert.Equal(t, tt.errType, errors.GetType(err))
			assert.NotContains(t, err.Error(), "controlled-key")
		})
	}
}

func TestListDescriptorsMissingKey(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	client.cfg.APIKeys = nil

	_, err := client.ListDescriptors(context.Background(), PublicEndpoints()[0], nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestFetch(t *testing.T) {
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data.csv":
			assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
			w.Header().Set("Content-Encoding", "gzip")
			_, _ = io.WriteString(w, "not really gzip")
		default:
			http.NotFound(w, r)
		}
	})

	p, err := client.Fetch(context.Background(), Descriptor{VersionID: "v1", SourceURI: srv.URL + "/data.csv"})
	require.NoError(t, err)
	defer p.Body.Close()

	body, err := io.ReadAll(p.Body)
	require.NoError(t, err)
	assert.Equal(t, "gzip", p.ContentEncoding)
	assert.Equal(t, "not really gzip", string(body))

	_, err = client.Fetch(context.Background(), Descriptor{VersionID: "v2", SourceURI: srv.URL + "/missing.csv"})
	assert.True(t, errors.IsNotFound(err))

	_, err = client.Fetch(context.Background(), Descriptor{VersionID: "v3"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestListDescriptorsCancelled(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success": true, "results": []}`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ListDescriptors(ctx, PublicEndpoints()[0], nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "canceled"))
}
