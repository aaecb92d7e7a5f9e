// Package server exposes a jobregistry.Manager over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/jobsup/internal/server/handlers"
	"github.com/3leaps/jobsup/internal/server/middleware"
)

type Server struct {
	host    string
	port    int
	router  chi.Router
	health  *handlers.HealthManager
	logger  *zap.Logger
	version handlers.VersionInfo

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout, s.writeTimeout, s.idleTimeout = read, write, idle
	}
}

// WithVersion sets what /version and /health report.
func WithVersion(info handlers.VersionInfo) Option {
	return func(s *Server) {
		s.version = info
	}
}

// New builds a server for jobs listening on host:port.
func New(host string, port int, jobs handlers.JobService, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		router:       chi.NewRouter(),
		logger:       zap.NewNop(),
		version:      handlers.VersionInfo{Version: "dev"},
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}
	s.health = handlers.NewHealthManager(s.version.Version)

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RequestLogger(s.logger))
	s.router.Use(middleware.Recovery)
	s.router.NotFound(handlers.NotFound)
	s.router.MethodNotAllowed(handlers.MethodNotAllowed)

	s.router.Get("/version", handlers.VersionHandler(s.version))
	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/health/live", s.health.LivenessHandler)
	s.router.Route("/jobs", handlers.NewJobsHandler(jobs, s.logger).Routes)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.port
}

// Health returns the manager behind /health so callers can register checks.
func (s *Server) Health() *handlers.HealthManager {
	return s.health
}

// Run serves until ctx is cancelled, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("Server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
