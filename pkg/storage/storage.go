// Package storage provides the streaming read/write capability used for
// state, raw archives, quarantine and landed output.
//
// A Bucket is addressed by a location URL:
//
//	data/archive               local filesystem
//	file:///var/lib/dmap       local filesystem
//	mem://scratch              in-memory filesystem (shared per Opener)
//	s3://bucket/prefix         Amazon S3
//	gs://bucket/prefix         Google Cloud Storage
//
// Keys are slash-separated and relative to the location.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"

	gcs "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/paulswartz/data-platform/pkg/errors"
)

// Bucket is a keyed byte store.
type Bucket interface {
	// NewReader opens key for streaming reads. A missing key returns an
	// error for which errors.IsNotFound is true.
	NewReader(ctx context.Context, key string) (io.ReadCloser, error)
	// NewWriter opens key for streaming writes. The object becomes visible,
	// replacing any previous content, only when Close returns nil.
	NewWriter(ctx context.Context, key string) (Writer, error)
	// MkdirAll creates a directory prefix. Object stores treat it as a no-op.
	MkdirAll(ctx context.Context, dir string) error
	// ReadAll reads the whole object.
	ReadAll(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// String returns the location URL of the bucket root.
	String() string
}

// Writer is a streaming sink that can be abandoned without publishing.
type Writer interface {
	io.WriteCloser
	// Abort discards everything written so far.
	Abort() error
}

// Location is a parsed bucket URL.
type Location struct {
	Scheme string // file, mem, s3, gs
	Bucket string // s3/gs bucket or mem namespace
	Path   string // local root or object prefix
}

// ParseLocation parses a location URL. Bare paths are local.
func ParseLocation(raw string) (Location, error) {
	if raw == "" {
		return Location{}, errors.New(errors.ErrorTypeConfig, "empty storage location")
	}
	if !strings.Contains(raw, "://") {
		return Location{Scheme: "file", Path: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, errors.Wrapf(err, errors.ErrorTypeConfig, "invalid storage location %q", raw)
	}

	switch u.Scheme {
	case "file":
		p := u.Path
		if u.Host != "" {
			p = u.Host + p
		}
		return Location{Scheme: "file", Path: p}, nil
	case "mem", "s3", "gs":
		if u.Host == "" {
			return Location{}, errors.Newf(errors.ErrorTypeConfig, "storage location %q has no bucket", raw)
		}
		return Location{Scheme: u.Scheme, Bucket: u.Host, Path: strings.Trim(u.Path, "/")}, nil
	default:
		return Location{}, errors.Newf(errors.ErrorTypeConfig, "unsupported storage scheme %q", u.Scheme)
	}
}

// String renders the location back to URL form.
func (l Location) String() string {
	switch l.Scheme {
	case "file":
		return l.Path
	default:
		if l.Path == "" {
			return fmt.Sprintf("%s://%s", l.Scheme, l.Bucket)
		}
		return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Bucket, l.Path)
	}
}

// Options configures the cloud backends.
type Options struct {
	S3Region           string
	S3PartSize         int64
	S3Concurrency      int
	GCSCredentialsFile string
}

// Opener builds buckets from location URLs, sharing cloud clients and the
// in-memory filesystem across calls.
type Opener struct {
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	osFs  afero.Fs
	memFs afero.Fs
	s3    *s3.Client
	gcs   *gcs.Client
}

// NewOpener creates an Opener.
func NewOpener(opts Options, logger *zap.Logger) *Opener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{
		opts:   opts,
		logger: logger.With(zap.String("component", "storage")),
		osFs:   afero.NewOsFs(),
		memFs:  afero.NewMemMapFs(),
	}
}

// Open returns the bucket for a location URL.
func (o *Opener) Open(ctx context.Context, raw string) (Bucket, error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "file":
		return NewFSBucket(o.osFs, loc.Path, loc.String()), nil
	case "mem":
		return NewFSBucket(o.memFs, "/"+path.Join(loc.Bucket, loc.Path), loc.String()), nil
	case "s3":
		client, err := o.s3Client(ctx)
		if err != nil {
			return nil, err
		}
		return NewS3Bucket(client, loc.Bucket, loc.Path, o.opts, o.logger), nil
	case "gs":
		client, err := o.gcsClient(ctx)
		if err != nil {
			return nil, err
		}
		return NewGCSBucket(client, loc.Bucket, loc.Path, o.logger), nil
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported storage scheme %q", loc.Scheme)
}

// Close releases cloud clients.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gcs != nil {
		err := o.gcs.Close()
		o.gcs = nil
		return err
	}
	return nil
}

// readAll is shared by backends whose ReadAll is NewReader plus io.ReadAll.
func readAll(ctx context.Context, b Bucket, key string) ([]byte, error) {
	r, err := b.NewReader(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeStorage, "read %s", key)
	}
	return data, nil
}

// WriteAll streams r into key and publishes it, aborting on any error.
func WriteAll(ctx context.Context, b Bucket, key string, r io.Reader) (int64, error) {
	w, err := b.NewWriter(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Abort()
		return n, errors.Wrapf(err, errors.ErrorTypeStorage, "write %s", key)
	}
	if err := w.Close(); err != nil {
		return n, errors.Wrapf(err, errors.ErrorTypeStorage, "publish %s", key)
	}
	return n, nil
}

// Join builds a slash-separated key.
func Join(elem ...string) string {
	return path.Join(elem...)
}

func notFound(key string, cause error) error {
	return errors.Wrapf(cause, errors.ErrorTypeNotFound, "%s does not exist", key)
}
