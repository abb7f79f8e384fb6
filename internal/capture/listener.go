// Package capture runs the decoy accept loop and drives every accepted
// connection through resolution, enrichment and recording.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"decoy-sentinel/internal/events"
	"decoy-sentinel/internal/geo"
	"decoy-sentinel/internal/logging"
	"decoy-sentinel/internal/metrics"
)

// AttemptState tracks one connection attempt:
// Accepted → AddressResolved → {Enriched → Recorded, EnrichmentFailed → Dropped} → Closed.
type AttemptState int

const (
	Accepted AttemptState = iota
	AddressResolved
	Enriched
	EnrichmentFailed
	Recorded
	Dropped
	Closed
)

func (s AttemptState) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case AddressResolved:
		return "address_resolved"
	case Enriched:
		return "enriched"
	case EnrichmentFailed:
		return "enrichment_failed"
	case Recorded:
		return "recorded"
	case Dropped:
		return "dropped"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Attempt is the transient record of one accepted connection. It is never
// persisted.
type Attempt struct {
	RawPeer  string
	Resolved string
	Path     []AttemptState
	Event    events.CaptureEvent // set only when Outcome is Recorded
	Err      error
}

func (a *Attempt) advance(s AttemptState) { a.Path = append(a.Path, s) }

func (a *Attempt) finished() bool {
	for _, s := range a.Path {
		if s == Recorded || s == Dropped {
			return true
		}
	}
	return false
}

// Outcome is Recorded or Dropped once the attempt has finished.
func (a *Attempt) Outcome() AttemptState {
	for i := len(a.Path) - 1; i >= 0; i-- {
		if a.Path[i] == Recorded || a.Path[i] == Dropped {
			return a.Path[i]
		}
	}
	return Dropped
}

type Resolver interface {
	Resolve(raw string) string
}

type Store interface {
	Append(ctx context.Context, evt events.CaptureEvent) error
}

type Options struct {
	MaxInFlight int // 0 means unbounded
	// OnRecorded runs after a successful append, on the attempt goroutine.
	OnRecorded func(context.Context, events.CaptureEvent)
	// OnDone observes every finished attempt.
	OnDone func(Attempt)
	Now    func() time.Time
}

type Listener struct {
	resolver Resolver
	enricher geo.Enricher
	store    Store
	log      *logging.Logger
	opts     Options
	group    errgroup.Group
}

func New(r Resolver, e geo.Enricher, s Store, log *logging.Logger, opts Options) *Listener {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Listener{resolver: r, enricher: e, store: s, log: log.With("component", "capture"), opts: opts}
	if opts.MaxInFlight > 0 {
		l.group.SetLimit(opts.MaxInFlight)
	}
	return l
}

// ListenAndServe binds addr and serves until ctx is done.
func (l *Listener) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return l.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled or ln is closed, then waits for
// in-flight attempts. Attempts are not cancelled by ctx; each is bounded by
// the enricher's own timeout.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	work := context.WithoutCancel(ctx)
	l.log.Info("decoy listening", "addr", ln.Addr().String())

	var serveErr error
	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				serveErr = err
				break
			}
			metrics.AcceptErrorsTotal.Inc()
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			l.log.Warn("accept failed", "err", err, "retry_in", tempDelay.String())
			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
			}
			continue
		}
		tempDelay = 0
		l.dispatch(work, conn)
	}

	_ = l.group.Wait()
	l.log.Info("decoy stopped")
	return serveErr
}

// dispatch closes conn at once and hands the peer address to a worker. It
// never blocks: when the in-flight bound is reached the attempt is dropped.
func (l *Listener) dispatch(ctx context.Context, conn net.Conn) {
	raw := conn.RemoteAddr().String()
	if err := conn.Close(); err != nil {
		l.log.Debug("close decoy conn", "peer", raw, "err", err)
	}
	l.log.Info("decoy triggered", "peer", raw)

	ok := l.group.TryGo(func() error {
		l.run(ctx, raw)
		return nil
	})
	if !ok {
		metrics.AttemptsTotal.WithLabelValues("saturated").Inc()
		l.log.Warn("attempt dropped, too many in flight", "peer", raw)
		a := Attempt{RawPeer: raw, Path: []AttemptState{Accepted, Dropped, Closed}}
		l.done(a)
	}
}

func (l *Listener) run(ctx context.Context, raw string) {
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	a := Attempt{RawPeer: raw, Path: []AttemptState{Accepted}}
	defer func() {
		if r := recover(); r != nil {
			a.Err = fmt.Errorf("attempt panicked: %v", r)
			if !a.finished() {
				a.advance(Dropped)
			}
			l.log.Error("attempt panicked", "peer", raw, "panic", fmt.Sprint(r))
		}
		a.advance(Closed)
		metrics.AttemptsTotal.WithLabelValues(a.Outcome().String()).Inc()
		l.done(a)
	}()
	l.process(ctx, &a)
}

func (l *Listener) done(a Attempt) {
	if l.opts.OnDone != nil {
		l.opts.OnDone(a)
	}
}

// Process runs one attempt synchronously: resolve, enrich, and append on
// success. Failures are logged and end the attempt as Dropped.
func (l *Listener) Process(ctx context.Context, raw string) Attempt {
	a := Attempt{RawPeer: raw, Path: []AttemptState{Accepted}}
	l.process(ctx, &a)
	a.advance(Closed)
	return a
}

func (l *Listener) process(ctx context.Context, a *Attempt) {
	a.Resolved = l.resolver.Resolve(a.RawPeer)
	a.advance(AddressResolved)

	loc, err := l.enricher.Enrich(ctx, a.Resolved)
	if err != nil {
		a.Err = err
		a.advance(EnrichmentFailed)
		a.advance(Dropped)
		l.log.Warn("enrichment failed, attempt dropped", "addr", a.Resolved, "err", err)
		return
	}
	a.advance(Enriched)

	evt := events.NewCaptureEvent(a.Resolved, loc, l.opts.Now())
	if err := l.store.Append(ctx, evt); err != nil {
		if !errors.Is(err, events.ErrPersist) {
			a.Err = err
			a.advance(Dropped)
			l.log.Error("append failed", "addr", a.Resolved, "err", err)
			return
		}
		metrics.PersistErrorsTotal.Inc()
		l.log.Error("capture kept in memory only", "addr", a.Resolved, "err", err)
	}
	a.Event = evt
	a.advance(Recorded)
	l.log.Info("capture recorded", "addr", evt.SourceAddress, "city", evt.City, "country", evt.Country)

	if l.opts.OnRecorded != nil {
		l.opts.OnRecorded(ctx, evt)
	}
}
