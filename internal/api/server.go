package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/metrics"
	"github.com/JakeFAU/govdoc-harvester/internal/supervisor"
)

const (
	defaultRequestTimeout = 60 * time.Second
	readyTimeout          = 3 * time.Second
)

// Controller is the control surface the handlers drive;
// *supervisor.Supervisor implements it.
type Controller interface {
	Identities() []string
	Start(ctx context.Context, identity string) (bool, error)
	Stop(ctx context.Context, identity string) (bool, error)
	Pause(ctx context.Context, identity string) (bool, error)
	Resume(ctx context.Context, identity string) (bool, error)
	Status(ctx context.Context, identity string) (supervisor.Status, error)
	Stats(ctx context.Context, identity string) (crawler.StatsSnapshot, error)
	RecentErrors(ctx context.Context, identity string, limit int) ([]crawler.ErrorEntry, error)
	Reset(ctx context.Context, identity string, soft bool) error
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	// APIKey enables key checks on /v1 when non-empty.
	APIKey         string
	RequestTimeout time.Duration
	IDs            crawler.IDGenerator
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the supervisor.
type Server struct {
	router  chi.Router
	ctl     Controller
	ready   Pinger
	logger  *zap.Logger
	timeout time.Duration
}

// NewServer constructs a Server with middleware and routes. ready may be nil,
// in which case /readyz always succeeds.
func NewServer(ctl Controller, ready Pinger, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		ctl:     ctl,
		ready:   ready,
		logger:  logger.Named("api"),
		timeout: timeout,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(opts.IDs))
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/targets", s.listTargets)
		r.Route("/targets/{identity}", func(r chi.Router) {
			r.Get("/status", s.getStatus)
			r.Get("/stats", s.getStats)
			r.Get("/errors", s.getErrors)
			r.Post("/start", s.control(actionStart))
			r.Post("/stop", s.control(actionStop))
			r.Post("/pause", s.control(actionPause))
			r.Post("/resume", s.control(actionResume))
			r.Post("/reset", s.reset)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "state store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
