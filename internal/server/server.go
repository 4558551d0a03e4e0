// Package server exposes the scheduler over HTTP: job submission and
// inspection, template and schedule management, group status, and the
// direct-execution reservation protocol.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/duskforge/nocturne/pkg/scheduler"
)

// Server wraps the HTTP listener and routes.
type Server struct {
	host    string
	port    int
	sched   *scheduler.Scheduler
	version string
	log     *zap.Logger
	router  chi.Router

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// Option tweaks server construction.
type Option func(*Server)

// WithTimeouts sets the HTTP server timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
	}
}

func New(host string, port int, sched *scheduler.Scheduler, version string, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		host:         host,
		port:         port,
		sched:        sched,
		version:      version,
		log:          log,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) Port() int { return s.port }

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleListJobs)
		r.Post("/direct", s.handleRunDirect)
		r.Get("/{jobID}", s.handleGetJob)
		r.Post("/{jobID}/cancel", s.handleCancelJob)
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", s.handleQueueSnapshot)
		r.Post("/normalize", s.handleNormalize)
	})

	r.Route("/templates", func(r chi.Router) {
		r.Post("/", s.handleCreateTemplate)
		r.Get("/", s.handleListTemplates)
		r.Get("/{templateID}", s.handleGetTemplate)
		r.Post("/{templateID}/archive", s.handleArchiveTemplate)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", s.handleCreateSchedule)
		r.Get("/{scheduleID}", s.handleGetSchedule)
		r.Post("/{scheduleID}/enable", s.handleSetScheduleEnabled(true))
		r.Post("/{scheduleID}/disable", s.handleSetScheduleEnabled(false))
	})

	r.Route("/groups", func(r chi.Router) {
		r.Post("/", s.handleCreateGroup)
		r.Get("/", s.handleListGroups)
		r.Get("/{groupID}", s.handleGetGroup)
	})

	r.Get("/reservations/active", s.handleActiveReservation)

	return r
}

// recoverer converts panics into the standard JSON error envelope.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path))
				writeError(w, r, http.StatusInternalServerError,
					"INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Start serves until the context is cancelled, then shuts down gracefully
// within the given timeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
