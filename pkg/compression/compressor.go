// Package compression identifies and decodes the stream encodings a raw
// dataset payload may arrive in.
//
// # Detection
//
// The wire Content-Encoding header wins when present; otherwise the first
// bytes of the payload are checked against each format's magic number:
//
//	alg := compression.FromContentEncoding(resp.Header.Get("Content-Encoding"))
//	if alg == compression.None {
//	    alg = compression.Detect(prefix)
//	}
//	r, err := compression.NewReader(alg, body)
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents framed snappy compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
)

var (
	gzipMagic   = []byte{0x1f, 0x8b}
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic    = []byte{0x04, 0x22, 0x4d, 0x18}
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")
)

// MagicLen is the number of leading bytes Detect needs to see.
const MagicLen = 10

// Detect identifies a stream encoding from its leading bytes.
func Detect(prefix []byte) Algorithm {
	switch {
	case bytes.HasPrefix(prefix, gzipMagic):
		return Gzip
	case bytes.HasPrefix(prefix, zstdMagic):
		return Zstd
	case bytes.HasPrefix(prefix, lz4Magic):
		return LZ4
	case bytes.HasPrefix(prefix, snappyMagic):
		return Snappy
	default:
		return None
	}
}

// FromContentEncoding maps an HTTP Content-Encoding value. Unknown or
// identity encodings map to None.
func FromContentEncoding(encoding string) Algorithm {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		return Gzip
	case "zstd":
		return Zstd
	case "x-snappy-framed", "snappy":
		return Snappy
	case "lz4":
		return LZ4
	default:
		return None
	}
}

// Extension returns the conventional file suffix, including the dot, or
// "" for None.
func (a Algorithm) Extension() string {
	switch a {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	case Snappy:
		return ".sz"
	case LZ4:
		return ".lz4"
	default:
		return ""
	}
}

// NewReader wraps r with a decoder for alg. Closing the returned reader
// releases decoder resources but does not close r.
func NewReader(alg Algorithm, r io.Reader) (io.ReadCloser, error) {
	switch alg {
	case None, "":
		return io.NopCloser(r), nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip header: %w", err)
		}
		return zr, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
}
