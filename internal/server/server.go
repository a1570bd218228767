// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

// Package server exposes the coordinator over HTTP: a huma/chi REST API
// plus a raw SSE route for the session event stream.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/andresmarpz/sandcastle/internal/coordinator"
	"github.com/andresmarpz/sandcastle/internal/store"
	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr  string
	CORSOrigins []string

	// AuthToken, when non-empty, requires a matching bearer token on
	// every /api request.
	AuthToken string

	ReadTimeout time.Duration
}

// Deps are the collaborators the server exposes.
type Deps struct {
	Coordinator *coordinator.Registry
	History     store.HistoryStore
	RunnerName  string
	Version     string
}

// Server wraps a chi router with a huma API and the SSE stream route.
type Server struct {
	router  chi.Router
	api     huma.API
	cfg     Config
	coord   *coordinator.Registry
	history store.HistoryStore
	runner  string
	version string
	logger  *slog.Logger
}

// New creates a Server with chi router, huma API, CORS, auth, and all
// routes registered.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, scerr.New(scerr.CodeServerStartFailure, "listen address is required")
	}
	if deps.Coordinator == nil || deps.History == nil {
		return nil, scerr.New(scerr.CodeServerStartFailure, "coordinator and history are required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(authMiddleware(cfg.AuthToken, logger))

	humaConfig := huma.DefaultConfig("Sandcastle", "0.1.0")
	humaConfig.Info.Description = "Session event coordinator for long-running agent chats"
	api := humachi.New(r, humaConfig)

	srv := &Server{
		router:  r,
		api:     api,
		cfg:     cfg,
		coord:   deps.Coordinator,
		history: deps.History,
		runner:  deps.RunnerName,
		version: deps.Version,
		logger:  logger,
	}

	srv.registerRoutes()
	srv.registerEventsRoute()

	return srv, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// API returns the huma API for registering additional operations.
func (s *Server) API() huma.API {
	return s.api
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return scerr.Wrap(err, scerr.CodeServerStartFailure, "listening",
			scerr.Field("addr", s.cfg.ListenAddr))
	}

	// WriteTimeout stays unset: the events route holds its response open
	// for the lifetime of the subscription.
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}

	s.logger.Info("server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return scerr.Wrap(err, scerr.CodeServerInternalFailure, "shutting down")
	}

	return <-errCh
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
