package pipeline

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulswartz/data-platform/pkg/compression"
	"github.com/paulswartz/data-platform/pkg/dmap"
	"github.com/paulswartz/data-platform/pkg/errors"
	"github.com/paulswartz/data-platform/pkg/normalize"
	"github.com/paulswartz/data-platform/pkg/testutil"
)

func TestSplitPartitions(t *testing.T) {
	data := "Date,entries\n" +
		"03-14-2022,1\n" +
		"03-14-2022,2\n" +
		"03-15-2022,3\n" +
		",4\n" +
		"03-14-2022,5\n"

	for _, chunkRows := range []int{0, 2} {
		raw := testutil.CSVTable(t, data, chunkRows)
		tbl, err := normalize.New(normalize.DefaultRuleConfig()).Normalize(context.Background(), raw)
		require.NoError(t, err)
		defer tbl.Release()

		names := normalize.TablePartitionColumns(tbl.Schema())
		parts, err := splitPartitions(tbl, names)
		require.NoError(t, err)
		require.Len(t, parts, 3)

		assert.Equal(t, "Year=2022/Month=03/Day=14", parts[0].dir(names))
		assert.Equal(t, [][2]int64{{0, 2}, {4, 5}}, parts[0].ranges)
		assert.Equal(t, "Year=2022/Month=03/Day=15", parts[1].dir(names))
		assert.Equal(t, [][2]int64{{2, 3}}, parts[1].ranges)
		assert.Equal(t, "Year=__HIVE_DEFAULT_PARTITION__/Month=__HIVE_DEFAULT_PARTITION__/Day=__HIVE_DEFAULT_PARTITION__",
			parts[2].dir(names))

		sub := partitionTable(tbl, names, parts[0])
		assert.Equal(t, int64(3), sub.NumRows())
		assert.Equal(t, int64(2), sub.NumCols(), "partition columns are dropped")
		assert.Equal(t, normalize.RuleSetVersion, metadataValue(sub, normalize.MetadataSchemaVersion))

		var entries []string
		for _, chunk := range sub.Column(1).Data().Chunks() {
			for i := 0; i < chunk.Len(); i++ {
				entries = append(entries, chunk.ValueStr(i))
			}
		}
		assert.Equal(t, []string{"1", "2", "5"}, entries, "chunkRows=%d", chunkRows)
		sub.Release()
	}
}

func metadataValue(tbl arrow.Table, key string) string {
	md := tbl.Schema().Metadata()
	if i := md.FindKey(key); i >= 0 {
		return md.Values()[i]
	}
	return ""
}

func TestSplitPartitionsMissingColumn(t *testing.T) {
	tbl := testutil.CSVTable(t, "entries\n1\n", 0)
	_, err := splitPartitions(tbl, normalize.PartitionColumns)
	require.Error(t, err)
}

type slowReader struct {
	r      io.Reader
	cancel context.CancelFunc
	reads  int
}

func (s *slowReader) Read(p []byte) (int, error) {
	s.reads++
	if s.reads == 2 {
		s.cancel()
	}
	return s.r.Read(p)
}

func TestSpool(t *testing.T) {
	body := strings.Repeat("Date,entries\n03-14-2022,1\n", 10)

	t.Run("copies in blocks and detects gzip", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		zipped := gzipped(t, body)
		sp, err := newSpool(context.Background(), fs, "/spool", 7, &dmap.Payload{
			Body: io.NopCloser(bytes.NewReader(zipped)),
		})
		require.NoError(t, err)

		assert.Equal(t, compression.Gzip, sp.encoding, "magic bytes without a header")
		assert.Equal(t, int64(len(zipped)), sp.size)

		raw, err := io.ReadAll(sp.Raw())
		require.NoError(t, err)
		assert.Equal(t, zipped, raw)

		// twice, as ReadCSV does
		for i := 0; i < 2; i++ {
			rc, err := sp.Decoded()
			require.NoError(t, err)
			decoded, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, body, string(decoded))
		}

		sp.Release()
		sp.Release()
		files, err := afero.ReadDir(fs, "/spool")
		require.NoError(t, err)
		assert.Empty(t, files)
	})

	t.Run("plain payload", func(t *testing.T) {
		sp, err := newSpool(context.Background(), afero.NewMemMapFs(), "/spool", 0, &dmap.Payload{
			Body: io.NopCloser(strings.NewReader(body)),
		})
		require.NoError(t, err)
		defer sp.Release()
		assert.Equal(t, compression.None, sp.encoding)
	})

	t.Run("cancelled mid-copy", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, err := newSpool(ctx, fs, "/spool", 4, &dmap.Payload{
			Body: io.NopCloser(&slowReader{r: strings.NewReader(body), cancel: cancel}),
		})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))

		files, err := afero.ReadDir(fs, "/spool")
		require.NoError(t, err)
		assert.Empty(t, files, "spool removed on failure")
	})
}
