package pipeline

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/paulswartz/data-platform/pkg/dmap"
	"github.com/paulswartz/data-platform/pkg/errors"
	"github.com/paulswartz/data-platform/pkg/storage"
)

// ArchiveStampLayout formats last_updated in archive and quarantine keys.
const ArchiveStampLayout = "20060102T150405.000000"

// ErrorFileName is written next to quarantined payloads.
const ErrorFileName = "error.txt"

// versionDir is <logical_id>/last_updated=<stamp>.
func versionDir(d dmap.Descriptor) string {
	stamp := d.LastModified.UTC().Format(ArchiveStampLayout) + "Z"
	return storage.Join(d.LogicalID, "last_updated="+stamp)
}

// rawName is the source file name, suffixed with the wire encoding when the
// name does not already carry it.
func rawName(d dmap.Descriptor, s *spool) string {
	name := d.Filename()
	if name == "" {
		name = d.VersionID + ".csv"
	}
	if ext := s.encoding.Extension(); ext != "" && !strings.HasSuffix(name, ext) {
		name += ext
	}
	return name
}

// archive stores the spooled bytes unchanged and returns the key.
func (p *Pipeline) archive(ctx context.Context, d dmap.Descriptor, s *spool) (string, error) {
	key := storage.Join(versionDir(d), rawName(d, s))
	if err := p.buckets.Archive.MkdirAll(ctx, versionDir(d)); err != nil {
		return "", errors.Wrapf(err, errors.ErrorTypeStorage, "archive %s", key)
	}
	if _, err := storage.WriteAll(ctx, p.buckets.Archive, key, s.Raw()); err != nil {
		return "", errors.Wrapf(err, errors.ErrorTypeStorage, "archive %s", key)
	}
	return key, nil
}

// quarantine stores the raw bytes and the error that stopped them.
func (p *Pipeline) quarantine(ctx context.Context, d dmap.Descriptor, s *spool, cause error) error {
	dir := versionDir(d)
	if err := p.buckets.Quarantine.MkdirAll(ctx, dir); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeStorage, "quarantine %s", dir)
	}

	key := storage.Join(dir, rawName(d, s))
	if _, err := storage.WriteAll(ctx, p.buckets.Quarantine, key, s.Raw()); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeStorage, "quarantine %s", key)
	}

	report := errorReport(d, cause)
	errKey := storage.Join(dir, ErrorFileName)
	if _, err := storage.WriteAll(ctx, p.buckets.Quarantine, errKey, strings.NewReader(report)); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeStorage, "quarantine %s", errKey)
	}

	p.logger.Debug("payload quarantined",
		zap.String("bucket", p.buckets.Quarantine.String()),
		zap.String("key", key))
	return nil
}

func errorReport(d dmap.Descriptor, cause error) string {
	var b strings.Builder
	b.WriteString("dataset_id: " + d.VersionID + "\n")
	b.WriteString("last_updated: " + dmap.FormatTimestamp(d.LastModified) + "\n")
	b.WriteString("quarantined_at: " + time.Now().UTC().Format(time.RFC3339) + "\n")
	b.WriteString("error: " + errors.Describe(cause))
	return b.String()
}
