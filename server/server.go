// Package server exposes the scheduler over HTTP: a JSON API for jobs and
// history plus a Server-Sent Events stream of job updates.
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
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/stevecastle/grabq/auth"
	"github.com/stevecastle/grabq/engine"
	"github.com/stevecastle/grabq/history"
	"github.com/stevecastle/grabq/runners"
	"github.com/stevecastle/grabq/stream"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Prober fetches metadata for a URL without downloading it.
// *engine.Prober satisfies it.
type Prober interface {
	Probe(ctx context.Context, path, url, cookiesBrowser string) (*engine.Info, error)
}

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Scheduler *runners.Scheduler
	History   history.Store
	Auth      *auth.AuthService
	Prober    Prober
	Logger    *zap.Logger
}

type Server struct {
	jobs    *runners.Scheduler
	history history.Store
	auth    *auth.AuthService
	prober  Prober
	locate  func(string) (string, error)
	logger  *zap.Logger
	router  chi.Router
}

// New wires the routes. A nil Auth leaves the API open.
func New(d Deps) *Server {
	s := &Server{
		jobs:    d.Scheduler,
		history: d.History,
		auth:    d.Auth,
		prober:  d.Prober,
		locate:  engine.Locate,
		logger:  d.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.auth == nil {
		s.auth = auth.NewAuthService("", "")
	}
	if s.prober == nil {
		s.prober = &engine.Prober{Retries: 2, Backoff: 3 * time.Second, Logger: s.logger}
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// URL returns the base URL for host and port.
func URL(host string, port int) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/"
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, r.Method+" not allowed on "+r.URL.Path)
	})

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/jobs", s.handleListJobs)
			r.Post("/jobs", s.handleSubmit)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Delete("/jobs/{id}", s.handleCancel)
			r.Put("/concurrency", s.handleConcurrency)
			r.Get("/history", s.handleHistory)
			r.Get("/history/stats", s.handleHistoryStats)
			r.Get("/info", s.handleInfo)
			r.Method(http.MethodGet, "/events", stream.Handler(s.jobs.Bus(), s.logger))
		})
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. Open event streams end with ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return <-errCh
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
