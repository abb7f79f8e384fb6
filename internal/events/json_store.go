package events

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

// JSONStore keeps the whole log as one indented JSON array, rewritten
// atomically on every append.
type JSONStore struct {
	path string
}

func NewJSONStore(path string) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &JSONStore{path: path}, nil
}

// Load returns nil for a missing file. An undecodable file is moved aside
// and reported so the caller starts from an empty log.
func (s *JSONStore) Load(context.Context) ([]CaptureEvent, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var recs []jsonRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		if qerr := quarantine(s.path); qerr != nil {
			return nil, fmt.Errorf("decode %s: %w (quarantine: %v)", s.path, err, qerr)
		}
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	var fallback time.Time
	if fi, err := os.Stat(s.path); err == nil {
		fallback = fi.ModTime().UTC()
	}
	out := make([]CaptureEvent, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.event(fallback))
	}
	return out, nil
}

// jsonRecord reads both the current layout and the older attacks.json one
// (ip, lat, lon, time as a locale string).
type jsonRecord struct {
	CaptureEvent
	IP   string   `json:"ip"`
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
	Time string   `json:"time"`
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"1/2/2006, 3:04:05 PM",
	"2006-01-02 15:04:05",
	"2006/1/2 15:04:05",
}

func (r jsonRecord) event(fallback time.Time) CaptureEvent {
	e := r.CaptureEvent
	if e.SourceAddress == "" {
		e.SourceAddress = r.IP
	}
	if r.Lat != nil && e.Latitude == 0 {
		e.Latitude = *r.Lat
	}
	if r.Lon != nil && e.Longitude == 0 {
		e.Longitude = *r.Lon
	}
	if e.CapturedAt.IsZero() {
		e.CapturedAt = fallback
		for _, layout := range legacyTimeLayouts {
			if t, err := time.ParseInLocation(layout, r.Time, time.Local); err == nil {
				e.CapturedAt = t.UTC()
				break
			}
		}
	}
	return e
}

func (s *JSONStore) Save(_ context.Context, _ CaptureEvent, retained []CaptureEvent) error {
	b, err := json.MarshalIndent(retained, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *JSONStore) Path() string { return s.path }

func (s *JSONStore) Close() error { return nil }
