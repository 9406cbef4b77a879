// Package apiserver assembles the HTTP control plane: router, middleware
// stack, service wiring, and background health sweeping.
package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	bnmiddleware "github.com/bundlenudge/bundlenudge/internal/api_server/middleware"
	"github.com/bundlenudge/bundlenudge/internal/auth"
	"github.com/bundlenudge/bundlenudge/internal/bundlestore"
	"github.com/bundlenudge/bundlenudge/internal/config"
	"github.com/bundlenudge/bundlenudge/internal/healthagg"
	"github.com/bundlenudge/bundlenudge/internal/instrumentation/metrics"
	"github.com/bundlenudge/bundlenudge/internal/kvstore"
	"github.com/bundlenudge/bundlenudge/internal/lifecycle"
	"github.com/bundlenudge/bundlenudge/internal/service"
	"github.com/bundlenudge/bundlenudge/internal/store"
	"github.com/bundlenudge/bundlenudge/internal/telemetry"
	"github.com/bundlenudge/bundlenudge/internal/transport"
	"github.com/bundlenudge/bundlenudge/pkg/thread"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const gracefulShutdownTimeout = 5 * time.Second

type Server struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	store    store.Store
	bundles  bundlestore.Store
	listener net.Listener
}

// New returns a new instance of a bundlenudge server.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	bundles bundlestore.Store,
	listener net.Listener,
) *Server {
	return &Server{
		log:      log,
		cfg:      cfg,
		store:    st,
		bundles:  bundles,
		listener: listener,
	}
}

func (s *Server) Run(ctx context.Context) error {
	s.log.Println("Initializing API server")

	kvStore, err := kvstore.NewKVStore(ctx, s.cfg.KV.Hostname, s.cfg.KV.Port, s.cfg.KV.Password)
	if err != nil {
		// Failure-report dedup degrades to per-node without a shared KV.
		s.log.WithError(err).Warn("kv store unavailable, using in-memory dedup")
		kvStore = kvstore.NewMemoryKVStore()
	}

	signer, err := auth.NewTokenSigner([]byte(s.cfg.Service.TokenSigningKey), s.cfg.Service.TokenTTL.D())
	if err != nil {
		return err
	}

	m := metrics.New()
	events := telemetry.NewQueue(s.cfg.Service.TelemetryQueueCapacity, telemetry.NewLogSink(s.log), s.log)
	go events.Run(ctx)

	lifecycleMgr := lifecycle.NewManager(s.store, s.bundles, s.log)
	aggregator := healthagg.New(s.store, kvStore, lifecycleMgr, healthagg.Options{
		Window:           s.cfg.Health.Window.D(),
		MinSample:        s.cfg.Health.MinSample,
		FailureThreshold: s.cfg.Health.FailureThreshold,
		DedupWindow:      s.cfg.Health.DedupWindow.D(),
	}, s.log)

	serviceHandler := service.NewServiceHandler(
		s.store, signer, aggregator, lifecycleMgr, events, m, s.cfg.Service.ChannelCacheTTL.D(), s.log)
	transportHandler := transport.NewTransportHandler(serviceHandler, s.bundles, s.log)

	router := chi.NewRouter()

	// request size limits come before logging to keep oversized requests
	// out of the logs
	router.Use(
		middleware.RequestSize(int64(s.cfg.Service.HttpMaxRequestSize)),
		bnmiddleware.RequestSizeLimiter(s.cfg.Service.HttpMaxUrlLength, s.cfg.Service.HttpMaxNumHeaders),
		bnmiddleware.SecurityHeaders,
		bnmiddleware.RequestID,
		bnmiddleware.ChiLogger(s.log),
		middleware.Recoverer,
	)

	// device endpoints authenticate any presented token, then carry the
	// per-token/per-IP rate limits
	router.Group(func(r chi.Router) {
		r.Use(bnmiddleware.TokenVerifier(signer.Verify))
		r.Use(bnmiddleware.DeviceRateLimiter(bnmiddleware.RateLimitOptions{
			AuthenticatedRequests: s.cfg.Service.CheckRateLimit,
			AnonymousRequests:     s.cfg.Service.CheckRateLimitAnon,
			Window:                s.cfg.Service.CheckRateLimitWindow.D(),
			Message:               "rate limit exceeded, try again later",
		}))
		transportHandler.RegisterDeviceRoutes(r)
	})

	router.Group(func(r chi.Router) {
		transportHandler.RegisterControlRoutes(r)
	})

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.cfg.Service.MetricsAddress != "" {
		go func() {
			metricsServer := &http.Server{
				Addr:              s.cfg.Service.MetricsAddress,
				Handler:           m.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.WithError(err).Error("metrics listener failed")
			}
		}()
	}

	sweeper := thread.New(ctx, s.log, "health sweeper", s.cfg.Health.SweepInterval.D(), aggregator.Sweep)
	sweeper.Start()

	srv := bnmiddleware.NewHTTPServer(router, s.log, s.cfg.Service.Address)

	go func() {
		<-ctx.Done()
		s.log.Println("Shutdown signal received:", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		kvStore.Close()
	}()

	s.log.Printf("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
