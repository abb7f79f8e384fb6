// Package query exposes the capture log read-only to the visualization layer.
package query

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"decoy-sentinel/internal/events"
	"decoy-sentinel/internal/hostinfo"
	"decoy-sentinel/internal/logging"
)

// Snapshotter is the read side of the event store.
type Snapshotter interface {
	Snapshot() []events.CaptureEvent
	Len() int
	Cap() int
}

// Service has no mutation capability; it only reads snapshots.
type Service struct {
	store Snapshotter
}

func NewService(s Snapshotter) *Service { return &Service{store: s} }

// CurrentLog returns the retained captures, oldest first.
func (s *Service) CurrentLog() []events.CaptureEvent { return s.store.Snapshot() }

type Status struct {
	Retained int            `json:"retained"`
	Capacity int            `json:"capacity"`
	TestMode bool           `json:"testMode"`
	Breaker  string         `json:"geoBreaker,omitempty"`
	Host     *hostinfo.Host `json:"host,omitempty"`
}

func (s *Service) Status() Status {
	return Status{Retained: s.store.Len(), Capacity: s.store.Cap()}
}

type RouterOptions struct {
	StaticDir         string
	RequestsPerMinute int // per client IP on /api; 0 disables
	// Decorate fills in the parts of Status the store does not know.
	Decorate func(*Status)
	Log      *logging.Logger
}

func NewRouter(svc *Service, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.RequestsPerMinute > 0 {
			r.Use(httprate.LimitByIP(opts.RequestsPerMinute, time.Minute))
		}
		r.Get("/logs", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, opts.Log, svc.CurrentLog())
		})
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			st := svc.Status()
			if opts.Decorate != nil {
				opts.Decorate(&st)
			}
			writeJSON(w, opts.Log, st)
		})
	})

	if opts.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(opts.StaticDir)))
	}
	return r
}

func writeJSON(w http.ResponseWriter, log *logging.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil && log != nil {
		log.Warn("write response", "err", err)
	}
}
