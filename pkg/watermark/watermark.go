// Package watermark tracks, per DMAP logical id, the newest last_updated
// timestamp that has been processed, and turns it into the cursor for the
// next incremental listing.
package watermark

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/paulswartz/data-platform/pkg/errors"
	"github.com/paulswartz/data-platform/pkg/storage"
)

// CursorStep is added to a stored watermark to form the next cursor. The
// API's last_updated filter is inclusive, so the cursor must be strictly
// after the last processed version.
const CursorStep = time.Millisecond

// accepted timestamp layouts, most specific first
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Store is the in-memory watermark state. It is not safe for concurrent use.
type Store struct {
	marks map[string]time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{marks: make(map[string]time.Time)}
}

// NextCursor returns the inclusive lower bound for the next listing of id,
// or nil when nothing has been recorded.
func (s *Store) NextCursor(id string) *time.Time {
	t, ok := s.marks[id]
	if !ok {
		return nil
	}
	next := t.Add(CursorStep)
	return &next
}

// Record merges an observed timestamp by maximum. It reports whether the
// stored value advanced.
func (s *Store) Record(id string, observed time.Time) bool {
	prior, ok := s.marks[id]
	if ok && !observed.After(prior) {
		return false
	}
	s.marks[id] = observed.UTC()
	return true
}

// Get returns the stored watermark for id.
func (s *Store) Get(id string) (time.Time, bool) {
	t, ok := s.marks[id]
	return t, ok
}

// IDs returns the recorded logical ids in sorted order.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.marks))
	for id := range s.marks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of the recorded watermarks.
func (s *Store) Snapshot() map[string]time.Time {
	out := make(map[string]time.Time, len(s.marks))
	for id, t := range s.marks {
		out[id] = t
	}
	return out
}

// Len returns the number of recorded logical ids.
func (s *Store) Len() int { return len(s.marks) }

// Equal reports whether both stores hold the same instants for the same ids.
func (s *Store) Equal(other *Store) bool {
	if len(s.marks) != len(other.marks) {
		return false
	}
	for id, t := range s.marks {
		o, ok := other.marks[id]
		if !ok || !o.Equal(t) {
			return false
		}
	}
	return true
}

// Marshal encodes the store as a JSON object of id to RFC 3339 timestamp.
func (s *Store) Marshal() ([]byte, error) {
	doc := make(map[string]string, len(s.marks))
	for id, t := range s.marks {
		doc[id] = t.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "encode watermarks")
	}
	return append(data, '\n'), nil
}

// Unmarshal decodes a document written by Marshal. Empty input is an empty
// store. Malformed input returns an error of type ErrorTypeData.
func Unmarshal(data []byte) (*Store, error) {
	s := New()
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}

	var doc map[string]string
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "watermark document is not a JSON object of strings")
	}
	for id, raw := range doc {
		t, err := parseTimestamp(raw)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid watermark timestamp").
				WithDetail("id", id).
				WithDetail("value", raw)
		}
		s.marks[id] = t
	}
	return s, nil
}

// Load reads the store from key. A missing object yields an empty store.
// A corrupt object yields an empty store together with an ErrorTypeData
// error, so the caller can decide to continue as on a first run. Any other
// read failure is returned with a nil store.
func Load(ctx context.Context, b storage.Bucket, key string) (*Store, error) {
	data, err := b.ReadAll(ctx, key)
	if err != nil {
		if errors.IsNotFound(err) {
			return New(), nil
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeStorage, "read watermarks from %s", key)
	}

	s, err := Unmarshal(data)
	if err != nil {
		return New(), err
	}
	return s, nil
}

// Save writes the store to key, replacing the previous document.
func (s *Store) Save(ctx context.Context, b storage.Bucket, key string) error {
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	if _, err := storage.WriteAll(ctx, b, key, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeStorage, "write watermarks to %s", key)
	}
	return nil
}

func parseTimestamp(raw string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
