package storage

import (
	"context"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/paulswartz/data-platform/pkg/errors"
)

const (
	defaultUploadPartSize = 5 * 1024 * 1024 // 5MB
	defaultUploadWorkers  = 5
)

var errWriteAborted = errors.New(errors.ErrorTypeStorage, "write aborted")

// S3Bucket stores objects under a prefix of an S3 bucket. Writes are
// streamed through the multipart upload manager.
type S3Bucket struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	logger   *zap.Logger
}

// NewS3Bucket creates a bucket over an existing client.
func NewS3Bucket(client *s3.Client, bucket, prefix string, opts Options, logger *zap.Logger) *S3Bucket {
	partSize := opts.S3PartSize
	if partSize < manager.MinUploadPartSize {
		partSize = defaultUploadPartSize
	}
	workers := opts.S3Concurrency
	if workers <= 0 {
		workers = defaultUploadWorkers
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = workers
	})

	return &S3Bucket{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		logger:   logger.With(zap.String("bucket", bucket)),
	}
}

func (o *Opener) s3Client(ctx context.Context) (*s3.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.s3 != nil {
		return o.s3, nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(o.opts.S3Region),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}
	o.s3 = s3.NewFromConfig(cfg)
	return o.s3, nil
}

func (b *S3Bucket) key(key string) string {
	return path.Join(b.prefix, key)
}

// NewReader implements Bucket.
func (b *S3Bucket) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFound(key, err)
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeStorage, "get s3://%s/%s", b.bucket, b.key(key))
	}
	return out.Body, nil
}

// NewWriter implements Bucket. The upload runs in the background, fed by
// a pipe, and completes when the writer is closed.
func (b *S3Bucket) NewWriter(ctx context.Context, key string) (Writer, error) {
	pr, pw := io.Pipe()
	w := &s3Writer{pw: pw, done: make(chan error, 1)}
	fullKey := b.key(key)

	go func() {
		_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(fullKey),
			Body:   pr,
		})
		pr.CloseWithError(err)
		if err != nil {
			b.logger.Debug("s3 upload failed", zap.String("key", fullKey), zap.Error(err))
		}
		w.done <- err
	}()

	return w, nil
}

// MkdirAll implements Bucket. S3 has no directories.
func (b *S3Bucket) MkdirAll(context.Context, string) error { return nil }

// ReadAll implements Bucket.
func (b *S3Bucket) ReadAll(ctx context.Context, key string) ([]byte, error) {
	return readAll(ctx, b, key)
}

// Exists implements Bucket.
func (b *S3Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, errors.ErrorTypeStorage, "head s3://%s/%s", b.bucket, b.key(key))
}

// String implements Bucket.
func (b *S3Bucket) String() string {
	return Location{Scheme: "s3", Bucket: b.bucket, Path: b.prefix}.String()
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

type s3Writer struct {
	pw     *io.PipeWriter
	done   chan error
	closed bool
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *s3Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}

func (w *s3Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.pw.CloseWithError(errWriteAborted)
	<-w.done
	return nil
}
