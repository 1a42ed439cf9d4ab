package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keymint/keymint/internal/engine"
	"github.com/keymint/keymint/internal/handler"
	"github.com/keymint/keymint/internal/ratelimit"
	"github.com/keymint/keymint/internal/server/middleware"
	"github.com/keymint/keymint/internal/service"
	"github.com/keymint/keymint/internal/signing"
	"github.com/keymint/keymint/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxBodySize     int64 // bytes

	// RequestCeiling is the outer per-IP request cap applied in front of the
	// domain rate limiter. It exists to shed abusive traffic before body
	// parsing; the domain limiter enforces the real activation quotas.
	RequestCeiling       int
	RequestCeilingWindow time.Duration

	// SweepInterval is how often expired rate-limit counters are evicted.
	SweepInterval time.Duration
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:                 "0.0.0.0",
		Port:                 8080,
		ShutdownTimeout:      30 * time.Second,
		CORSOrigins:          []string{"*"},
		MaxBodySize:          1 * 1024 * 1024, // 1MB; payloads here are tiny
		RequestCeiling:       300,
		RequestCeilingWindow: time.Minute,
		SweepInterval:        5 * time.Minute,
	}
}

// Server is the top-level HTTP server for Keymint. It owns the Chi router,
// the code store, the redemption engine, and the authentication service.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *store.Store
	engine     *engine.Engine
	signer     *signing.Signer
	limiter    *ratelimit.MemoryStore
	authSvc    *service.AuthService
	httpServer *http.Server
	logger     *slog.Logger
	sweepStop  chan struct{}
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, st *store.Store, eng *engine.Engine, signer *signing.Signer, authSvc *service.AuthService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		engine:    eng,
		signer:    signer,
		limiter:   ratelimit.NewMemoryStore(),
		authSvc:   authSvc,
		logger:    logger,
		sweepStop: make(chan struct{}),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))
	if s.cfg.RequestCeiling > 0 {
		r.Use(middleware.RateLimit(s.cfg.RequestCeiling, s.cfg.RequestCeilingWindow))
	}
	if s.cfg.MaxBodySize > 0 {
		r.Use(maxBodySize(s.cfg.MaxBodySize))
	}

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {

		// Device-facing activation endpoints
		r.Route("/client", func(r chi.Router) {
			r.Use(middleware.RateLimitByHeader("X-API-Key", 120, time.Minute))
			r.Use(middleware.Authenticate(s.authSvc))
			r.Use(middleware.RequireAPIKey())

			clientHandler := handler.NewClientHandler(s.engine, s.signer, s.limiter, s.logger)
			r.Post("/activate", clientHandler.Activate)
			r.Post("/verify", clientHandler.Verify)
		})

		// Operator endpoints
		r.Route("/admin", func(r chi.Router) {
			adminHandler := handler.NewAdminHandler(s.store, s.engine, s.authSvc, s.logger)

			// Login is the only unauthenticated admin endpoint.
			r.Post("/login", adminHandler.Login)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Authenticate(s.authSvc))
				r.Use(middleware.RequireAdmin())

				r.Post("/password", adminHandler.ChangePassword)

				r.Post("/codes", adminHandler.CreateCodes)
				r.Get("/codes", adminHandler.ListCodes)
				r.Post("/codes/{id}/reset", adminHandler.ResetCode)

				r.Get("/devices/{deviceID}", adminHandler.DeviceStatus)
				r.Delete("/devices/{deviceID}", adminHandler.ResetDevice)

				r.Post("/cleanup", adminHandler.Cleanup)
				r.Get("/cleanup", adminHandler.CleanupStats)
			})
		})
	})

	s.router = r
}

// maxBodySize caps request body reads so oversized payloads fail during
// decoding instead of buffering.
func maxBodySize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the code store is
// reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	if err := s.store.Ping(r.Context()); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before closing the store.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if s.cfg.SweepInterval > 0 {
		s.limiter.StartSweeper(s.cfg.SweepInterval, s.sweepStop)
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	close(s.sweepStop)
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
