package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/screenmirror/internal/config"
	apperrors "github.com/zsiec/screenmirror/internal/errors"
	"github.com/zsiec/screenmirror/internal/health"
	"github.com/zsiec/screenmirror/internal/logger"
)

// Server serves the control API over HTTP/1.1 and, when TLS material is
// configured, HTTP/3.
type Server struct {
	config       *config.ServerConfig
	router       *mux.Router
	httpServer   *http.Server
	http3Server  *http3.Server
	logger       logger.Logger
	deps         Deps
	healthMgr    *health.Manager
	errorHandler *apperrors.ErrorHandler

	// Additional handlers can be registered before Start.
	additionalRoutes []func(*mux.Router)
	routesOnce       sync.Once
}

// New creates a server. Routes are installed lazily so RegisterRoutes can be
// called until Start or Router.
func New(cfg *config.ServerConfig, log logger.Logger, deps Deps, healthMgr *health.Manager) *Server {
	log = logger.WithComponent(log, "server")
	return &Server{
		config:       cfg,
		router:       mux.NewRouter(),
		logger:       log,
		deps:         deps,
		healthMgr:    healthMgr,
		errorHandler: apperrors.NewErrorHandler(log),
	}
}

// Start listens until ctx is done or a listener fails, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Router()

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(s.config.ListenAddr, strconv.Itoa(s.config.HTTPPort)),
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.WithField("addr", s.httpServer.Addr).Info("Starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if s.config.HTTP3Enabled() {
		if err := s.startHTTP3(handler, errCh); err != nil {
			_ = s.httpServer.Close()
			return err
		}
	}

	select {
	case err := <-errCh:
		s.shutdown()
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

func (s *Server) startHTTP3(handler http.Handler, errCh chan<- error) error {
	cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificates: %w", err)
	}

	s.http3Server = &http3.Server{
		Addr:    net.JoinHostPort(s.config.ListenAddr, strconv.Itoa(s.config.HTTP3Port)),
		Handler: handler,
		TLSConfig: &tls.Config{
			MinVersion:   tls.VersionTLS13,
			NextProtos:   []string{"h3"},
			Certificates: []tls.Certificate{cert},
		},
		QUICConfig: &quic.Config{
			MaxIncomingStreams:    s.config.MaxIncomingStreams,
			MaxIncomingUniStreams: s.config.MaxIncomingUniStreams,
			MaxIdleTimeout:        s.config.MaxIdleTimeout,
		},
	}

	go func() {
		s.logger.WithField("addr", s.http3Server.Addr).Info("Starting HTTP/3 server")
		if err := s.http3Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http3 server: %w", err)
		}
	}()
	return nil
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down control API")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// http3.Server.Close has no graceful variant here
	if s.http3Server != nil {
		if err := s.http3Server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("http3 shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Router returns the fully configured handler.
func (s *Server) Router() *mux.Router {
	s.routesOnce.Do(s.setupRoutes)
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(logger.RequestLoggerMiddleware(s.logger))
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.corsMiddleware)

	healthHandler := health.NewHandler(s.healthMgr, s.deps.Runtime)
	s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/live", healthHandler.HandleLive).Methods(http.MethodGet)
	s.router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	s.registerAPI(api)

	for _, register := range s.additionalRoutes {
		register(s.router)
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}

// RegisterRoutes adds route handlers. It has no effect once routes are built.
func (s *Server) RegisterRoutes(registerFunc func(*mux.Router)) {
	s.additionalRoutes = append(s.additionalRoutes, registerFunc)
}
