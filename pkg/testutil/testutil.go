// Package testutil provides testing utilities for dmapsync
package testutil

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/paulswartz/data-platform/pkg/errors"
	"github.com/paulswartz/data-platform/pkg/formats/columnar"
	"github.com/paulswartz/data-platform/pkg/storage"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// MemBucket returns an empty in-memory bucket.
func MemBucket(name string) *storage.FSBucket {
	return storage.NewFSBucket(afero.NewMemMapFs(), "/"+name, "mem://"+name)
}

// Keys lists every file under an in-memory bucket as slash-separated keys,
// sorted, skipping in-flight temporary files.
func Keys(t *testing.T, b *storage.FSBucket) []string {
	t.Helper()

	root := b.String()
	root = "/" + strings.TrimPrefix(root, "mem://")

	var keys []string
	err := afero.Walk(b.Fs(), root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.Contains(info.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	sort.Strings(keys)
	return keys
}

// CSVTable parses data with columnar.ReadCSV in chunks of chunkRows rows
// (0 for the default). The table is released when the test completes.
func CSVTable(t *testing.T, data string, chunkRows int) arrow.Table {
	t.Helper()

	open := func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(data)), nil
	}
	tbl, err := columnar.ReadCSV(open, columnar.CSVOptions{ChunkRows: chunkRows})
	if err != nil {
		t.Fatalf("read CSV: %v", err)
	}
	t.Cleanup(tbl.Release)
	return tbl
}

// FailingBucket fails every operation with Err.
type FailingBucket struct {
	Err error
}

// NewFailingBucket returns a bucket whose reads and writes fail with a
// permission error.
func NewFailingBucket() *FailingBucket {
	return &FailingBucket{Err: errors.New(errors.ErrorTypePermission, "access denied")}
}

// NewReader implements storage.Bucket.
func (f *FailingBucket) NewReader(context.Context, string) (io.ReadCloser, error) {
	return nil, f.Err
}

// NewWriter implements storage.Bucket.
func (f *FailingBucket) NewWriter(context.Context, string) (storage.Writer, error) {
	return nil, f.Err
}

// MkdirAll implements storage.Bucket.
func (f *FailingBucket) MkdirAll(context.Context, string) error { return f.Err }

// ReadAll implements storage.Bucket.
func (f *FailingBucket) ReadAll(context.Context, string) ([]byte, error) { return nil, f.Err }

// Exists implements storage.Bucket.
func (f *FailingBucket) Exists(context.Context, string) (bool, error) { return false, f.Err }

// String implements storage.Bucket.
func (f *FailingBucket) String() string { return "failing://" }
