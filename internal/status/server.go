package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskwarden/internal/storage"
	"taskwarden/internal/task/engine"
	logx "taskwarden/pkg/logx"
)

// Engine is the read-only view of the task engine the server needs.
type Engine interface {
	Tasks() []engine.TaskInfo
	Snapshot() engine.Snapshot
}

// RunSource lists recent runs from the journal.
type RunSource interface {
	RecentRuns(ctx context.Context, limit int) ([]storage.RunRecord, error)
}

// Config controls the listener. Zero timeouts fall back to defaults.
type Config struct {
	Addr         string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8089"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// pprof profile/trace stream for up to 30s by default
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithRuns enables /api/v1/runs.
func WithRuns(src RunSource) Option {
	return func(s *Server) { s.runs = src }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// Server is the optional status HTTP surface.
type Server struct {
	cfg       Config
	log       logx.Logger
	router    chi.Router
	eng       Engine
	runs      RunSource
	metrics   http.Handler
	version   string
	startTime time.Time

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(cfg Config, eng Engine, log logx.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg.withDefaults(),
		log:       log.With(logx.String("comp", "status")),
		router:    chi.NewRouter(),
		eng:       eng,
		version:   "dev",
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tasks", s.handleTasks)
		r.Get("/runs", s.handleRuns)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start binds the listener and serves in the background. Calling Start on a
// running server is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("status server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("status server listening", logx.String("addr", addr), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	err := srv.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	_ = ln.Close()
	s.log.Info("status server stopped", logx.String("addr", addr))
	return err
}

// Addr reports the actual listen address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
