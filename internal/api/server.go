// Package api is the main app: the HTTP surface the UI talks to, plus the
// WebSocket stream that pushes db_change hints so the UI knows when to
// re-fetch.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"recio/internal/config"
)

// Server runs the main app HTTP listener.
type Server struct {
	cfg      config.APIConfig
	handlers *Handlers
	hub      *Hub
	server   *http.Server
	logger   *slog.Logger
}

// NewServer assembles the router and listener.
func NewServer(addr string, cfg config.APIConfig, handlers *Handlers, hub *Hub, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.AuthEnabled {
		r.Use(bearerAuth(cfg.AuthToken))
	}

	handlers.mountRoutes(r)

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		hub:      hub,
		server: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api_server"),
	}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.server.Addr, "auth", s.cfg.AuthEnabled)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// bearerAuth gates every endpoint except /health behind a static token.
// WebSocket clients may pass the token as a query parameter because browser
// WebSocket APIs cannot set headers.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get("Authorization")
			if got == "Bearer "+token && token != "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.URL.Query().Get("token") == token && token != "" {
				next.ServeHTTP(w, r)
				return
			}

			writeError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}
