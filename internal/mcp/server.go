// Package mcp exposes the engine over HTTP: a command endpoint, task
// polling for asynchronous commands, a readiness probe and a WebSocket feed
// of attempts.
package mcp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/service"
)

// Server hosts the HTTP API in front of a service.
type Server struct {
	cfg    config.ServerConfig
	logger *zap.Logger
	svc    *service.Service

	hub      *AttemptHub
	tasks    *TaskRegistry
	handlers *Handlers
	router   http.Handler
}

// NewServer wires the API around svc and subscribes the attempt feed to it.
func NewServer(cfg config.ServerConfig, svc *service.Service, logger *zap.Logger) *Server {
	logger = logger.Named("mcp")
	s := &Server{
		cfg:    cfg,
		logger: logger,
		svc:    svc,
		hub:    NewAttemptHub(logger),
		tasks:  NewTaskRegistry(cfg.TaskRetention, logger),
	}
	s.handlers = NewHandlers(logger, svc, s.tasks)
	svc.Observe(s.hub)
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the attempt feed.
func (s *Server) Hub() *AttemptHub {
	return s.hub
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// The feed is long-lived, so it sits outside the request timeout and
	// the access log.
	r.Get("/ws/v1/attempts", s.hub.ServeHTTP)

	r.Group(func(r chi.Router) {
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
			Logger:  zap.NewStdLog(s.logger.Named("access")),
			NoColor: true,
		}))
		s.handlers.RegisterRoutes(r)
	})
	return r
}

// Start serves on the configured address until ctx is cancelled, then shuts
// down gracefully. It does not shut the service down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Command server starting", zap.String("address", ln.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		s.closeBackground(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("HTTP server Serve error", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Received shutdown signal, shutting down gracefully...")
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Feed connections are hijacked, so Shutdown does not wait for them.
	s.hub.Close()
	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	s.closeBackground(shutdownCtx)
	<-serveErr
	s.logger.Info("Command server stopped.")
	return err
}

func (s *Server) closeBackground(ctx context.Context) {
	s.hub.Close()
	if err := s.tasks.Close(ctx); err != nil {
		s.logger.Warn("Background tasks did not finish before shutdown.", zap.Error(err))
	}
}

// corsMiddleware provides basic CORS support for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
