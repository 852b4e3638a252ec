package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/paulswartz/data-platform/pkg/errors"
)

// FSBucket stores objects as files under a root directory of an afero
// filesystem. Writes go to a temporary sibling and are renamed into place.
type FSBucket struct {
	fs   afero.Fs
	root string
	name string
}

// NewFSBucket creates a bucket rooted at root. name is used by String.
func NewFSBucket(fs afero.Fs, root, name string) *FSBucket {
	if name == "" {
		name = root
	}
	return &FSBucket{fs: fs, root: root, name: name}
}

// Fs exposes the underlying filesystem.
func (b *FSBucket) Fs() afero.Fs { return b.fs }

func (b *FSBucket) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

// NewReader implements Bucket.
func (b *FSBucket) NewReader(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := b.fs.Open(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(key, err)
		}
		if os.IsPermission(err) {
			return nil, errors.Wrapf(err, errors.ErrorTypePermission, "open %s", key)
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeStorage, "open %s", key)
	}
	return f, nil
}

// NewWriter implements Bucket.
func (b *FSBucket) NewWriter(_ context.Context, key string) (Writer, error) {
	final := b.path(key)
	dir := filepath.Dir(final)
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeStorage, "mkdir %s", dir)
	}
	tmp, err := afero.TempFile(b.fs, dir, "."+filepath.Base(final)+".tmp-*")
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeStorage, "create %s", key)
	}
	return &fsWriter{fs: b.fs, tmp: tmp, final: final}, nil
}

// MkdirAll implements Bucket.
func (b *FSBucket) MkdirAll(_ context.Context, dir string) error {
	if err := b.fs.MkdirAll(b.path(dir), 0o755); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeStorage, "mkdir %s", dir)
	}
	return nil
}

// ReadAll implements Bucket.
func (b *FSBucket) ReadAll(ctx context.Context, key string) ([]byte, error) {
	return readAll(ctx, b, key)
}

// Exists implements Bucket.
func (b *FSBucket) Exists(_ context.Context, key string) (bool, error) {
	ok, err := afero.Exists(b.fs, b.path(key))
	if err != nil {
		return false, errors.Wrapf(err, errors.ErrorTypeStorage, "stat %s", key)
	}
	return ok, nil
}

// String implements Bucket.
func (b *FSBucket) String() string { return b.name }

type fsWriter struct {
	fs    afero.Fs
	tmp   afero.File
	final string
	done  bool
}

func (w *fsWriter) Write(p []byte) (int, error) {
	return w.tmp.Write(p)
}

func (w *fsWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.tmp.Close(); err != nil {
		_ = w.fs.Remove(w.tmp.Name())
		return err
	}
	if err := w.fs.Rename(w.tmp.Name(), w.final); err != nil {
		_ = w.fs.Remove(w.tmp.Name())
		return err
	}
	return w.fs.Chmod(w.final, 0o644)
}

func (w *fsWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.tmp.Close()
	return w.fs.Remove(w.tmp.Name())
}
