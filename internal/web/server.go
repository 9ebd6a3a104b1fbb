// Package web serves a read-only HTTP view of the running capture session.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/andresmejia3/facecap/internal/session"
	"github.com/andresmejia3/facecap/internal/utils"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// OverlaySource provides the latest overlay as PNG, or nil before the first frame.
type OverlaySource interface {
	PNG() ([]byte, error)
}

// Server exposes the session over HTTP
type Server struct {
	session    *session.Session
	overlay    OverlaySource
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer builds the router. overlay may be nil.
func NewServer(s *session.Session, overlay OverlaySource, addr string) *Server {
	r := chi.NewRouter()
	srv := &Server{session: s, overlay: overlay, router: r}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(30 * time.Second))

	srv.setupRoutes()

	srv.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", healthCheck)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/session", s.getSession)
		r.Get("/captures", s.listCaptures)
		r.Get("/captures/{id}", s.getCapture)
		r.Get("/captures/{id}/{part}", s.getCapturePart)
		r.Get("/groups", s.listGroups)
		r.Get("/overlay", s.getOverlay)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on the configured address until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	utils.Log.WithField("addr", ln.Addr().String()).Info("display server listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("display server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("display server shutdown: %w", err)
	}
	return nil
}

// requestLogger logs each request at debug level through the shared logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		utils.Log.WithFields(logrus.Fields{
			"request_id": chiMiddleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start),
		}).Debug("http request")
	})
}
