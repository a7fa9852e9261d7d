package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/submission"
)

// defaultMaxBody caps request bodies when server.max_body_bytes is unset.
const defaultMaxBody = 1 << 20

// Server is the HTTP server for the runbox API.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	executor sandbox.Sandbox
	runs     *submission.Orchestrator
	auth     *authenticator
	throttle *ipThrottle
	proxies  proxyList
	maxBody  int64
	logger   *zap.Logger
	router   chi.Router
	http     *http.Server
}

// New creates a new Server.
func New(cfg *config.Config, store storage.Store, executor sandbox.Sandbox, runs *submission.Orchestrator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		executor: executor,
		runs:     runs,
		auth:     newAuthenticator(cfg.Auth),
		throttle: newIPThrottle(cfg.Server.IPRate, cfg.Server.IPBurst),
		maxBody:  cfg.Server.MaxBodyBytes,
		logger:   logger,
		router:   chi.NewRouter(),
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBody
	}
	proxies, err := parseProxies(cfg.Server.TrustedProxies)
	if err != nil {
		logger.Warn("ignoring trusted proxies", zap.Error(err))
	}
	s.proxies = proxies
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(s.proxies.Middleware)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		// Executor service boundary
		r.With(s.throttle.Middleware).Post("/execute/{language}/{kind}", s.handleExecute)

		// Submission API
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)

			r.With(s.throttle.Middleware).Post("/challenges/{id}/run", s.handleRunChallenge)
			r.With(s.throttle.Middleware).Post("/projects/{id}/run", s.handleRunProject)

			r.Get("/submissions", s.handleListSubmissions)
			r.Get("/submissions/{id}", s.handleGetSubmission)
			r.Get("/logs", s.handleListLogs)

			// WebSocket (no JSON content-type)
			r.Get("/submissions/{id}/ws", s.handleSubmissionStream)
		})
	})
}

// Handler returns the root handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("runbox server starting", zap.String("addr", "http://localhost"+addr))
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.runs.Hub().CloseAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(shutdownCtx)
}
