package storage

import (
	"context"
	"io"
	"path"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/paulswartz/data-platform/pkg/errors"
)

// GCSBucket stores objects under a prefix of a Cloud Storage bucket.
type GCSBucket struct {
	handle *gcs.BucketHandle
	bucket string
	prefix string
	logger *zap.Logger
}

// NewGCSBucket creates a bucket over an existing client.
func NewGCSBucket(client *gcs.Client, bucket, prefix string, logger *zap.Logger) *GCSBucket {
	return &GCSBucket{
		handle: client.Bucket(bucket),
		bucket: bucket,
		prefix: prefix,
		logger: logger.With(zap.String("bucket", bucket)),
	}
}

func (o *Opener) gcsClient(ctx context.Context) (*gcs.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gcs != nil {
		return o.gcs, nil
	}

	var opts []option.ClientOption
	if o.opts.GCSCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(o.opts.GCSCredentialsFile))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create GCS client")
	}
	o.gcs = client
	return client, nil
}

func (b *GCSBucket) object(key string) *gcs.ObjectHandle {
	return b.handle.Object(path.Join(b.prefix, key))
}

// NewReader implements Bucket.
func (b *GCSBucket) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := b.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, notFound(key, err)
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeStorage, "read gs://%s/%s", b.bucket, path.Join(b.prefix, key))
	}
	return r, nil
}

// NewWriter implements Bucket. Cloud Storage publishes the object when
// the writer is closed; cancelling its context discards the upload.
func (b *GCSBucket) NewWriter(ctx context.Context, key string) (Writer, error) {
	wctx, cancel := context.WithCancel(ctx)
	w := b.object(key).NewWriter(wctx)
	return &gcsWriter{w: w, cancel: cancel}, nil
}

// MkdirAll implements Bucket. Cloud Storage has no directories.
func (b *GCSBucket) MkdirAll(context.Context, string) error { return nil }

// ReadAll implements Bucket.
func (b *GCSBucket) ReadAll(ctx context.Context, key string) ([]byte, error) {
	return readAll(ctx, b, key)
}

// Exists implements Bucket.
func (b *GCSBucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, errors.ErrorTypeStorage, "stat gs://%s/%s", b.bucket, path.Join(b.prefix, key))
}

// String implements Bucket.
func (b *GCSBucket) String() string {
	return Location{Scheme: "gs", Bucket: b.bucket, Path: b.prefix}.String()
}

type gcsWriter struct {
	w      *gcs.Writer
	cancel context.CancelFunc
	closed bool
}

func (w *gcsWriter) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

func (w *gcsWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.cancel()
	return w.w.Close()
}

func (w *gcsWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.cancel()
	_ = w.w.Close()
	return nil
}
