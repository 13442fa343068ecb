// Package api provides the HTTP façade over the store, engine, and event
// bus.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mailtriage/mailtriage/internal/config"
	"github.com/mailtriage/mailtriage/internal/events"
	"github.com/mailtriage/mailtriage/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	engine Engine
	bus    *events.Bus
	logger *slog.Logger
	router chi.Router
	server *http.Server
}

// NewServer creates an API server over the store, engine, and bus.
func NewServer(cfg *config.Config, st *store.Store, eng Engine, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		engine: eng,
		bus:    bus,
		logger: logger,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/stats", s.handleStats)

		r.Get("/messages", s.handleListMessages)
		r.Get("/messages/{id}", s.handleGetMessage)
		r.Post("/messages/{id}/read", s.handleMarkRead)
		r.Post("/messages/{id}/trash", s.handleTrash)
		r.Post("/messages/{id}/restore", s.handleRestore)
		r.Delete("/messages/{id}", s.handleDelete)
		r.Put("/messages/{id}/tags", s.handleUpdateTags)

		r.Get("/tags", s.handleListTags)
		r.Get("/folders", s.handleListFolders)
		r.Get("/accounts", s.handleListAccounts)

		r.Post("/sync", s.handleTriggerSyncAll)
		r.Post("/sync/{account}", s.handleTriggerSync)
		r.Post("/reclassify/{account}", s.handleReclassify)
		r.Post("/send", s.handleSend)

		r.Get("/events", s.handleEvents)
	})

	return r
}

// Start begins listening on the loopback interface.
func (s *Server) Start() error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Server.APIPort))

	if s.cfg.Server.APIKey == "" {
		s.logger.Warn("API server running without authentication; set server.apiKey in the config")
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware validates the API key from Authorization: Bearer or
// X-API-Key. When no key is configured, requests pass through.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
				key = auth[len(prefix):]
			}
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Server.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
