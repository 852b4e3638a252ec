package dmap

import (
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/paulswartz/data-platform/pkg/errors"
)

// Wire formats used by the API. Timestamps carry no zone and are UTC.
const (
	DateLayout      = "2006-01-02"
	TimestampLayout = "2006-01-02T15:04:05.000000"
)

var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
}

// Descriptor describes one published version of a dataset.
type Descriptor struct {
	// LogicalID names the dataset series, e.g. agg_daily_fareprod_station.
	LogicalID string
	// VersionID is unique within a LogicalID.
	VersionID    string
	ValidFrom    time.Time
	ValidTo      time.Time
	LastModified time.Time
	// SourceURI is where the CSV payload is downloaded from.
	SourceURI string
}

type wireDescriptor struct {
	ID          string `json:"id"`
	DatasetID   string `json:"dataset_id"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	LastUpdated string `json:"last_updated"`
	URL         string `json:"url"`
}

// UnmarshalJSON decodes the API representation.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var w wireDescriptor
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "decode descriptor")
	}
	if w.ID == "" || w.DatasetID == "" {
		return errors.New(errors.ErrorTypeData, "descriptor is missing id or dataset_id")
	}
	for name, v := range map[string]string{"id": w.ID, "dataset_id": w.DatasetID} {
		if !safeKeySegment(v) {
			return errors.Newf(errors.ErrorTypeData, "descriptor %s %q is not a single path segment", name, v)
		}
	}

	lastUpdated, err := ParseTimestamp(w.LastUpdated)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "decode descriptor").WithDetail("dataset_id", w.DatasetID)
	}
	from, err := parseOptionalDate(w.StartDate)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "decode start_date").WithDetail("dataset_id", w.DatasetID)
	}
	to, err := parseOptionalDate(w.EndDate)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "decode end_date").WithDetail("dataset_id", w.DatasetID)
	}

	*d = Descriptor{
		LogicalID:    w.ID,
		VersionID:    w.DatasetID,
		ValidFrom:    from,
		ValidTo:      to,
		LastModified: lastUpdated,
		SourceURI:    w.URL,
	}
	return nil
}

// safeKeySegment reports whether s can be used as one element of a storage
// key without escaping it.
func safeKeySegment(s string) bool {
	return s != "." && !strings.Contains(s, "..") && !strings.ContainsAny(s, "/\\")
}

// MarshalJSON encodes the API representation.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	w := wireDescriptor{
		ID:          d.LogicalID,
		DatasetID:   d.VersionID,
		LastUpdated: FormatTimestamp(d.LastModified),
		URL:         d.SourceURI,
	}
	if !d.ValidFrom.IsZero() {
		w.StartDate = d.ValidFrom.Format(DateLayout)
	}
	if !d.ValidTo.IsZero() {
		w.EndDate = d.ValidTo.Format(DateLayout)
	}
	return json.Marshal(w)
}

// Filename returns the base name of the source URI path.
func (d Descriptor) Filename() string {
	p := d.SourceURI
	if u, err := url.Parse(d.SourceURI); err == nil && u.Path != "" {
		p = u.Path
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// ParseTimestamp parses an API timestamp. Values without a zone are UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf(errors.ErrorTypeData, "invalid timestamp %q", raw)
}

// FormatTimestamp renders t the way the API expects: UTC, no zone, and
// microseconds only when the fraction is non-zero.
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	if t.Nanosecond()/int(time.Microsecond) == 0 {
		return t.Format("2006-01-02T15:04:05")
	}
	return t.Format(TimestampLayout)
}

func parseOptionalDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, errors.ErrorTypeData, "invalid date %q", raw)
	}
	return t, nil
}
