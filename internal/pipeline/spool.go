package pipeline

import (
	"context"
	"io"

	"github.com/spf13/afero"

	"github.com/paulswartz/data-platform/pkg/compression"
	"github.com/paulswartz/data-platform/pkg/dmap"
	"github.com/paulswartz/data-platform/pkg/errors"
)

// spool is a local copy of a fetched payload, kept in its wire encoding.
type spool struct {
	fs       afero.Fs
	file     afero.File
	size     int64
	encoding compression.Algorithm
	released bool
}

// newSpool copies body into a temp file under dir, blockSize bytes at a
// time, checking ctx between blocks. The encoding comes from the
// Content-Encoding header, falling back to the stream's magic bytes.
func newSpool(ctx context.Context, fs afero.Fs, dir string, blockSize int, payload *dmap.Payload) (*spool, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeStorage, "create spool dir %s", dir)
	}
	f, err := afero.TempFile(fs, dir, "dmap-*.spool")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "create spool file")
	}
	s := &spool{fs: fs, file: f}

	if err := s.fill(ctx, payload.Body, blockSize); err != nil {
		s.Release()
		return nil, err
	}

	s.encoding = compression.FromContentEncoding(payload.ContentEncoding)
	if s.encoding == compression.None {
		prefix := make([]byte, compression.MagicLen)
		n, err := f.ReadAt(prefix, 0)
		if err != nil && err != io.EOF {
			s.Release()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "read spool prefix")
		}
		s.encoding = compression.Detect(prefix[:n])
	}
	return s, nil
}

func (s *spool) fill(ctx context.Context, body io.Reader, blockSize int) error {
	if blockSize <= 0 {
		blockSize = 64 * 1024
	}
	buf := make([]byte, blockSize)
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "spool interrupted")
		}
		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if _, err := s.file.Write(buf[:n]); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "write spool")
			}
			s.size += int64(n)
		}
		switch rerr {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			return nil
		default:
			return errors.Wrap(rerr, errors.ErrorTypeConnection, "read payload")
		}
	}
}

// Raw returns a reader over the spooled bytes as received.
func (s *spool) Raw() io.Reader {
	return io.NewSectionReader(s.file, 0, s.size)
}

// Decoded returns a reader over the decompressed payload.
func (s *spool) Decoded() (io.ReadCloser, error) {
	r, err := compression.NewReader(s.encoding, s.Raw())
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeData, "decode %s payload", s.encoding)
	}
	return r, nil
}

// Release closes and removes the spool file. It is safe to call twice.
func (s *spool) Release() {
	if s.released {
		return
	}
	s.released = true
	name := s.file.Name()
	_ = s.file.Close()
	_ = s.fs.Remove(name)
}
