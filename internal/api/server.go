// File: internal/api/server.go
// Description: HTTP and WebSocket surface over the orchestrator, the task
// registry, the notification bus and the target mapper.

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/config"
	"github.com/xkilldash9x/scalpel-recon/internal/mapper"
	"github.com/xkilldash9x/scalpel-recon/internal/notify"
	"github.com/xkilldash9x/scalpel-recon/internal/observability"
	"github.com/xkilldash9x/scalpel-recon/internal/orchestrator"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TaskStore is the registry read side the API needs, including incremental
// output reads for tailing.
type TaskStore interface {
	schemas.TaskReader
	OutputSince(id string, offset int) (string, int, schemas.TaskStatus, error)
}

// ProjectStore is the persistence the project endpoints use. It is nil when
// no database is configured.
type ProjectStore interface {
	CreateProject(ctx context.Context, name, target, scope string) (schemas.Project, error)
	ListProjects(ctx context.Context) ([]schemas.Project, error)
	ListScans(ctx context.Context, projectID int64) ([]schemas.ScanRecord, error)
}

// Deps are the components the server routes to.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Tasks        TaskStore
	Catalog      *tools.Registry
	Bus          *notify.Bus
	Mapper       *mapper.Aggregator
	Projects     ProjectStore
	Metrics      *observability.Metrics
}

// Server hosts the router and owns the lifetime of streaming connections.
type Server struct {
	cfg      config.ServerConfig
	deps     Deps
	logger   *zap.Logger
	upgrader websocket.Upgrader

	// baseCtx ends every stream when the server shuts down; http.Server does
	// not track hijacked connections.
	baseCtx context.Context
	cancel  context.CancelFunc

	httpServer *http.Server
}

// NewServer builds the server. Routes are mounted by Router.
func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("api"),
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}
	return s
}

// Router assembles every route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.deps.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Streams stay outside the request timeout and the access log.
		r.Get("/ws/v1/tasks/{id}", s.handleTaskStream)
		r.Get("/ws/v1/run", s.handleRunStream)
		r.Get("/ws/v1/pipelines/{id}", s.handlePipelineStream)
		r.Get("/ws/v1/notifications", s.handleNotificationStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Use(s.accessLog)
			s.registerRoutes(r)
		})
	})
	return r
}

// Start serves on the configured address until ctx ends, then shuts down
// gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server listening", zap.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.cancel()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}
	<-errCh
	s.logger.Info("API server stopped")
	return nil
}

// Close ends open streams without stopping the listener. Used by tests that
// drive Router through httptest.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
