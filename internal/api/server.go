package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/agentexec/internal/events"
	"github.com/seantiz/agentexec/internal/model"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Service is the execution facade the handlers call into.
type Service interface {
	StartExecution(ctx context.Context, agentID, taskID string, input json.RawMessage) (*model.Execution, error)
	CancelExecution(ctx context.Context, id string) error
	RetryExecution(ctx context.Context, id string) (*model.Execution, error)
	PauseExecution(ctx context.Context, id string) (*model.Execution, error)
	ResumeExecution(ctx context.Context, id string) (*model.Execution, error)
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, agentID string) ([]*model.Execution, error)
	GetHistory(ctx context.Context, id string) ([]model.HistoryEntry, error)
}

// Subscriber streams live events for one execution.
type Subscriber interface {
	Subscribe(executionID string) (<-chan events.Event, func())
}

// Capabilities lists the registered capability names.
type Capabilities interface {
	List() []string
}

// WorkerStats reports worker occupancy.
type WorkerStats interface {
	Active() int
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router       *chi.Mux
	service      Service
	events       Subscriber
	capabilities Capabilities
	workers      WorkerStats
	logger       *slog.Logger
	addr         string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, svc Service, sub Subscriber, caps Capabilities, workers WorkerStats, logger *slog.Logger) *Server {
	srv := &Server{
		router:       chi.NewRouter(),
		service:      svc,
		events:       sub,
		capabilities: caps,
		workers:      workers,
		logger:       logger,
		addr:         addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/capabilities", s.handleListCapabilities)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/executions", func(r chi.Router) {
		r.Post("/", s.handleStartExecution)
		r.Get("/", s.handleListExecutions)
		r.Get("/{id}", s.handleGetExecution)
		r.Get("/{id}/history", s.handleGetHistory)
		r.Get("/{id}/events", s.handleStreamEvents)
		r.Post("/{id}/cancel", s.handleCancelExecution)
		r.Post("/{id}/pause", s.handlePauseExecution)
		r.Post("/{id}/resume", s.handleResumeExecution)
		r.Post("/{id}/retry", s.handleRetryExecution)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received
// and in-flight requests have finished.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
