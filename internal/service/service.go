package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"decoy-sentinel/internal/capture"
	"decoy-sentinel/internal/config"
	"decoy-sentinel/internal/events"
	"decoy-sentinel/internal/gateway"
	"decoy-sentinel/internal/geo"
	"decoy-sentinel/internal/hostinfo"
	"decoy-sentinel/internal/logging"
	"decoy-sentinel/internal/metrics"
	"decoy-sentinel/internal/query"
	"decoy-sentinel/internal/resolver"
)

const shutdownTimeout = 10 * time.Second

type Service struct {
	cfg      *config.Config
	log      *logging.Logger
	store    *events.Log
	geo      *geo.IPAPIClient
	gc       gateway.Forwarder
	listener *capture.Listener
	httpSrv  *http.Server
	host     *hostinfo.Host

	decoyLn net.Listener
	queryLn net.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	forwards sync.WaitGroup
	done     chan struct{}
	runErr   error
}

func New(cfg *config.Config, logger *logging.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{cfg: cfg, log: logger, ctx: ctx, cancel: cancel, done: make(chan struct{})}

	p, err := events.OpenPersister(cfg)
	if err != nil {
		// keep serving from memory; durability is best effort
		s.log.Error("failed to open capture store, running in memory", "backend", cfg.StoreBackend, "err", err)
		p = events.Discard{}
	}
	s.store = events.NewLog(p, cfg.MaxRetained)
	if err := s.store.Restore(ctx); err != nil {
		s.log.Warn("starting with empty capture log", "err", err)
	}
	if sk, ok := p.(interface{ Skipped() int }); ok && sk.Skipped() > 0 {
		s.log.Warn("unreadable captures set aside", "rows", sk.Skipped())
	}

	res := resolver.New(cfg.TestMode, cfg.DemoAddresses)
	if cfg.TestMode {
		s.log.Warn("test mode on: non-routable peers are attributed to demo addresses", "demo", cfg.DemoAddresses)
	}
	s.geo = geo.NewIPAPIClient(geo.Options{
		Endpoint:      cfg.GeoEndpoint,
		Timeout:       cfg.GeoTimeout(),
		RatePerMinute: cfg.GeoRatePerMinute,
	})
	s.gc = gateway.NewHTTPClient(cfg.GatewayURL, 0)
	s.listener = capture.New(res, s.geo, s.store, logger, capture.Options{
		MaxInFlight: cfg.MaxInFlight,
		OnRecorded:  s.forward,
	})

	if h, err := hostinfo.Collect(); err == nil {
		s.host = &h
	} else {
		s.log.Debug("host info unavailable", "err", err)
	}

	router := query.NewRouter(query.NewService(s.store), query.RouterOptions{
		StaticDir:         cfg.StaticDir,
		RequestsPerMinute: 600,
		Log:               logger.With("component", "query"),
		Decorate: func(st *query.Status) {
			st.TestMode = cfg.TestMode
			st.Breaker = s.geo.BreakerState()
			st.Host = s.host
		},
	})
	s.httpSrv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start binds the decoy and query sockets and serves in the background.
// On a bind failure the store is closed and the Service is spent.
func (s *Service) Start() error {
	if err := s.bind(); err != nil {
		s.log.Error("service start failed", "err", err)
		if cerr := s.store.Close(); cerr != nil {
			s.log.Error("close capture store", "err", cerr)
		}
		return err
	}
	attrs := []any{"decoy", s.decoyLn.Addr().String(), "query", s.queryLn.Addr().String(),
		"retained", s.store.Len(), "max_retained", s.store.Cap()}
	if s.host != nil {
		attrs = append(attrs, "host", s.host.Hostname, "os", s.host.OS)
	}
	s.log.Info("service starting", attrs...)

	stopBeat := func() {}
	if s.cfg.Heartbeat() > 0 {
		stopBeat = RunEvery(s.cfg.Heartbeat(), s.heartbeat)
	}

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		return s.listener.Serve(gctx, s.decoyLn)
	})
	g.Go(func() error {
		if err := s.httpSrv.Serve(s.queryLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("query server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(ctx)
	})

	go func() {
		err := g.Wait()
		stopBeat()
		s.forwards.Wait()
		if cerr := s.store.Close(); cerr != nil {
			s.log.Error("close capture store", "err", cerr)
		}
		if err != nil {
			s.log.Error("service stopped with error", "err", err)
		}
		s.log.Info("service stopped")
		s.runErr = err
		close(s.done)
	}()
	return nil
}

func (s *Service) bind() error {
	var err error
	s.decoyLn, err = net.Listen("tcp", s.cfg.DecoyAddr)
	if err != nil {
		return fmt.Errorf("decoy listen %s: %w", s.cfg.DecoyAddr, err)
	}
	s.queryLn, err = net.Listen("tcp", s.cfg.QueryAddr)
	if err != nil {
		s.decoyLn.Close()
		return fmt.Errorf("query listen %s: %w", s.cfg.QueryAddr, err)
	}
	return nil
}

// Run starts the service and blocks until Stop is called or a component fails.
func (s *Service) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.Wait()
}

func (s *Service) Wait() error {
	<-s.done
	return s.runErr
}

func (s *Service) Stop() {
	s.cancel()
}

// DecoyAddr and QueryAddr are valid after Start.
func (s *Service) DecoyAddr() net.Addr { return s.decoyLn.Addr() }
func (s *Service) QueryAddr() net.Addr { return s.queryLn.Addr() }

func (s *Service) heartbeat() {
	s.log.Info("heartbeat", "retained", s.store.Len(), "max_retained", s.store.Cap(), "geo_breaker", s.geo.BreakerState())
}

func (s *Service) forward(ctx context.Context, evt events.CaptureEvent) {
	if s.cfg.GatewayURL == "" {
		return
	}
	s.forwards.Add(1)
	go func() {
		defer s.forwards.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := s.gc.Forward(ctx, evt); err != nil {
			metrics.ForwardErrorsTotal.Inc()
			s.log.Error("gateway forward failed", "addr", evt.SourceAddress, "err", err)
		}
	}()
}
