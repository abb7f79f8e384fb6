package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"decoy-sentinel/internal/metrics"
)

// DefaultMaxRetained is the retention bound used when none is configured.
const DefaultMaxRetained = 100

// ErrPersist marks an append that succeeded in memory but could not be
// written to durable storage.
var ErrPersist = errors.New("persist capture log")

// CaptureEvent is one successfully enriched connection attempt.
type CaptureEvent struct {
	SourceAddress string    `json:"sourceAddress" yaml:"sourceAddress"`
	Latitude      float64   `json:"latitude" yaml:"latitude"`
	Longitude     float64   `json:"longitude" yaml:"longitude"`
	City          string    `json:"city" yaml:"city"`
	Country       string    `json:"country" yaml:"country"`
	CapturedAt    time.Time `json:"capturedAt" yaml:"capturedAt"`
}

// Location is the enrichment result a CaptureEvent is built from.
type Location struct {
	Latitude  float64
	Longitude float64
	City      string
	Country   string
}

// NewCaptureEvent stamps an enriched attempt. Callers only reach this after
// a successful lookup.
func NewCaptureEvent(addr string, loc Location, now time.Time) CaptureEvent {
	return CaptureEvent{
		SourceAddress: addr,
		Latitude:      loc.Latitude,
		Longitude:     loc.Longitude,
		City:          loc.City,
		Country:       loc.Country,
		CapturedAt:    now.UTC().Round(0),
	}
}

// Persister is the durable side of the log. Save is called with the store
// lock held and must not retain the retained slice.
type Persister interface {
	Load(ctx context.Context) ([]CaptureEvent, error)
	Save(ctx context.Context, appended CaptureEvent, retained []CaptureEvent) error
	Close() error
}

// Log is the bounded, ordered capture history. All mutation goes through
// Append, which holds the write lock across eviction, growth and persistence.
type Log struct {
	mu      sync.RWMutex
	entries []CaptureEvent
	max     int
	p       Persister
	gauge   Gauge
}

// Gauge receives the retained count after every change, under the log lock.
// prometheus.Gauge satisfies it.
type Gauge interface {
	Set(float64)
}

func NewLog(p Persister, maxRetained int) *Log {
	if maxRetained <= 0 {
		maxRetained = DefaultMaxRetained
	}
	if p == nil {
		p = Discard{}
	}
	return &Log{entries: make([]CaptureEvent, 0, maxRetained), max: maxRetained, p: p, gauge: metrics.RetainedEvents}
}

// SetGauge replaces the retained-count gauge.
func (l *Log) SetGauge(g Gauge) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gauge = g
	l.gauge.Set(float64(len(l.entries)))
}

// Restore replaces the in-memory contents with the persisted log. On error
// the log is left empty and the error is returned for reporting only.
func (l *Log) Restore(ctx context.Context) error {
	loaded, err := l.p.Load(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
	defer func() { l.gauge.Set(float64(len(l.entries))) }()
	if err != nil {
		return fmt.Errorf("load capture log: %w", err)
	}
	if len(loaded) > l.max {
		loaded = loaded[len(loaded)-l.max:]
	}
	l.entries = append(l.entries, loaded...)
	return nil
}

// Append adds evt as the newest entry, evicting the oldest when the log is
// full. A persistence failure is returned wrapped in ErrPersist; the
// in-memory append is kept regardless.
func (l *Log) Append(ctx context.Context, evt CaptureEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.max {
		n := copy(l.entries, l.entries[len(l.entries)-l.max+1:])
		l.entries = l.entries[:n]
	}
	l.entries = append(l.entries, evt)
	l.gauge.Set(float64(len(l.entries)))
	if err := l.p.Save(ctx, evt, l.entries); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// Snapshot returns a copy of the log, oldest first.
func (l *Log) Snapshot() []CaptureEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]CaptureEvent, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Log) Cap() int { return l.max }

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.Close()
}

// Discard keeps the log in memory only.
type Discard struct{}

func (Discard) Load(context.Context) ([]CaptureEvent, error)              { return nil, nil }
func (Discard) Save(context.Context, CaptureEvent, []CaptureEvent) error { return nil }
func (Discard) Close() error                                              { return nil }
