package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCollector(reg)

	m.DescriptorProcessed("citation", "landed")
	m.DescriptorProcessed("citation", "landed")
	m.DescriptorProcessed("citation", "quarantine_failed")
	m.ListingFailed("device_event")
	m.ConvergenceViolated("citation")
	m.BytesFetched("citation", 1024)
	m.BytesFetched("citation", 0)
	m.RowsLanded("citation", 10)
	m.SetWatermark("citation", time.Unix(1647263614, 500000000))
	m.ObserveStage(NewTimer("fetch"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.descriptors.WithLabelValues("citation", "landed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.descriptors.WithLabelValues("citation", "quarantine_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.listingFailures.WithLabelValues("device_event")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.convergenceViolations.WithLabelValues("citation")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.bytesFetched.WithLabelValues("citation")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.rowsLanded.WithLabelValues("citation")))
	assert.Equal(t, 1647263614.5, testutil.ToFloat64(m.watermark.WithLabelValues("citation")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stageDuration))
}

func TestNilCollector(t *testing.T) {
	var m *Collector
	assert.NotPanics(t, func() {
		m.DescriptorProcessed("a", "landed")
		m.ListingFailed("a")
		m.ConvergenceViolated("a")
		m.BytesFetched("a", 1)
		m.RowsLanded("a", 1)
		m.SetWatermark("a", time.Now())
		m.ObserveStage(NewTimer("fetch"))
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCollector(reg)
	m.RowsLanded("citation", 3)

	path := filepath.Join(t.TempDir(), "dmapsync.prom")
	require.NoError(t, WriteTextfile(path, reg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `dmap_rows_landed_total{endpoint="citation"} 3`)

	err = WriteTextfile(filepath.Join(t.TempDir(), "missing", "dir", "x.prom"), reg)
	assert.Error(t, err)
}
