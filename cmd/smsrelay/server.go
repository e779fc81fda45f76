package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"smsrelay/internal/errors"
	"smsrelay/internal/metrics"
	"smsrelay/internal/middleware"
	"smsrelay/internal/models"
	"smsrelay/internal/normalize"
	"smsrelay/internal/release"
	"smsrelay/internal/service"
	"smsrelay/pkg/circuitbreaker"
)

// eventMatcher resolves normalized events against pending requests
type eventMatcher interface {
	Match(ctx context.Context, ev models.InboundEvent) (*service.MatchResult, error)
	MatchProvider(ctx context.Context, ev models.InboundEvent) (*service.MatchResult, error)
	IsFastPath(ev models.InboundEvent) bool
}

type alertQueue interface {
	Enqueue(a service.Alert) bool
}

type releaseOpener interface {
	Open(ctx context.Context) (*release.Package, error)
}

type auditRecorder interface {
	Record(ctx context.Context, entry models.AuditLogEntry) error
}

type healthChecker interface {
	Ping(ctx context.Context) error
	Degraded() bool
}

// Dependencies are the services the HTTP layer dispatches to
type Dependencies struct {
	Normalizer *normalize.Normalizer
	Matcher    eventMatcher
	Alerts     alertQueue
	Releases   releaseOpener
	Audit      auditRecorder
	Health     healthChecker
	// BreakerState reports the chat API circuit, nil when unknown
	BreakerState func() circuitbreaker.State
}

type Server struct {
	router    *mux.Router
	logger    *logrus.Logger
	errLog    *errors.Logger
	cfg       models.ServerConfig
	deps      Dependencies
	allowList *ipAllowList
	server    *http.Server
}

func NewServer(cfg models.ServerConfig, deps Dependencies, verbose bool, logger *logrus.Logger) (*Server, error) {
	allowList, err := newIPAllowList(cfg.AllowedIPs, cfg.TrustProxyHeaders, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:    mux.NewRouter(),
		logger:    logger,
		errLog:    errors.FromLogger(logger),
		cfg:       cfg,
		deps:      deps,
		allowList: allowList,
	}
	s.setupRoutes(verbose)
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadTimeout:       time.Duration(cfg.ReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.IdleTimeoutSec) * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes(verbose bool) {
	detailed := middleware.DefaultDetailedLoggingConfig()
	detailed.TrustProxyHeaders = s.cfg.TrustProxyHeaders
	detailed.Verbose = verbose

	chain := []mux.MiddlewareFunc{
		middleware.Observability(s.logger, middleware.Options{
			TrustProxyHeaders: s.cfg.TrustProxyHeaders,
			Verbose:           verbose,
		}),
		middleware.DetailedLogging(s.logger, detailed),
		s.allowList.Middleware,
	}
	s.router.Use(chain...)

	// mux skips Use middleware when no route matches, so the fallbacks
	// get the same chain and unknown clients see 403 on any path.
	s.router.NotFoundHandler = wrap(s.handleNotFound(), chain)
	s.router.MethodNotAllowedHandler = wrap(s.handleMethodNotAllowed(), chain)

	s.router.HandleFunc("/call", s.handleCall()).Methods(http.MethodGet)
	s.router.HandleFunc("/sms", s.handleSMS()).Methods(http.MethodGet)
	s.router.HandleFunc("/download_app", s.handleDownloadApp()).Methods(http.MethodGet)
	s.router.HandleFunc("/log", s.handleLog()).Methods(http.MethodPost)
	s.router.HandleFunc("/mts", s.handleProviderWebhook()).Methods(http.MethodPost)

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

func wrap(h http.Handler, chain []mux.MiddlewareFunc) http.Handler {
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	return h
}

// SetAllowedIPs swaps the allow list after a configuration reload
func (s *Server) SetAllowedIPs(entries []string) error {
	return s.allowList.Set(entries)
}

func (s *Server) Start() error {
	s.logger.WithField("port", s.cfg.Port).Info("Starting HTTP server")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
