// Package api serves the status of a running retrieval: health, prometheus
// metrics, live progress and the current checkpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seenimoa/ukenergy/internal/checkpoint"
	"github.com/seenimoa/ukenergy/internal/fetcher"
	"github.com/seenimoa/ukenergy/pkg/utils"
)

// ProgressSource reports the state of a run. *fetcher.Session implements it.
type ProgressSource interface {
	Progress() fetcher.Progress
}

// Options configure a Server. Every field is optional.
type Options struct {
	Progress    ProgressSource
	Gatherer    prometheus.Gatherer
	Checkpoints *checkpoint.Store
	CORSOrigins []string
	Logger      *slog.Logger
	Version     string
}

// Server is the HTTP status server.
type Server struct {
	router chi.Router
	opts   Options
	logger *slog.Logger
}

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewServer creates a server with all routes and middleware.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{opts: opts, logger: opts.Logger}
	s.router = s.buildRouter()
	return s
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("status server shutting down")
	return httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	origins := []string{"*"}
	if len(s.opts.CORSOrigins) > 0 {
		origins = s.opts.CORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	gatherer := s.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/progress", s.handleProgress)
		r.Get("/checkpoint", s.handleCheckpoint)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"request_id", middleware.GetReqID(r.Context()),
			"elapsed", time.Since(start).String())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]any{
			"status":  "ok",
			"version": s.opts.Version,
			"time_uk": utils.FormatDateTimeUK(utils.NowUK()),
		},
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if s.opts.Progress == nil {
		writeError(w, http.StatusServiceUnavailable, "no retrieval is running")
		return
	}
	p := s.opts.Progress.Progress()
	percent := 0.0
	if p.Total > 0 {
		percent = float64(p.Completed) / float64(p.Total) * 100
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: struct {
			fetcher.Progress
			Percent float64 `json:"percent"`
		}{p, percent},
	})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.opts.Checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint store not configured")
		return
	}
	cp, err := s.opts.Checkpoints.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cp == nil {
		writeError(w, http.StatusNotFound, "no checkpoint")
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: cp})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIResponse{
		Success: false,
		Error:   msg,
	})
}
