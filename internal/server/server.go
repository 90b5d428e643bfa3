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

	"github.com/wardenmcp/warden/internal/config"
	"github.com/wardenmcp/warden/internal/handler"
	"github.com/wardenmcp/warden/internal/model"
	"github.com/wardenmcp/warden/internal/server/middleware"
	"github.com/wardenmcp/warden/internal/service"
	"github.com/wardenmcp/warden/internal/telegram"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	RateLimit       int // requests per minute per IP, 0 disables
	APIKeyHeader    string
}

// DefaultConfig returns a Config with sensible production defaults. The
// admin API binds to loopback; expose it deliberately, not by default.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		RateLimit:       300,
		APIKeyHeader:    "X-API-Key",
	}
}

// Server is the admin HTTP server for Warden. It owns the Chi router and
// exposes key management, audit queries, and admin session endpoints.
type Server struct {
	cfg        Config
	router     chi.Router
	guard      *service.Guard
	store      *config.Store
	authSvc    *service.AuthService
	bridge     telegram.Bridge
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, guard *service.Guard, store *config.Store, authSvc *service.AuthService, bridge telegram.Bridge, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		guard:   guard,
		store:   store,
		authSvc: authSvc,
		bridge:  bridge,
		logger:  logger,
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
	if s.cfg.RateLimit > 0 {
		r.Use(middleware.RateLimit(s.cfg.RateLimit))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", s.cfg.APIKeyHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(middleware.RateLimitByAPIKey(s.cfg.APIKeyHeader, s.cfg.RateLimit))
		}

		sysHandler := handler.NewSystemHandler(s.authSvc)
		keyHandler := handler.NewKeyHandler(s.guard)
		auditHandler := handler.NewAuditHandler(s.guard)

		// Session endpoints are unauthenticated (login) or
		// self-authenticated (logout).
		r.Post("/admin/session", sysHandler.Login)
		r.Delete("/admin/session", sysHandler.Logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.guard.Keys(), s.authSvc, s.cfg.APIKeyHeader))

			// Audit reads are open to admins and to API keys holding
			// the view_audit_log permission.
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequirePermission(s.guard.Engine(), s.guard.Keys(), model.PermViewAuditLog))

				r.Get("/audit/events", auditHandler.QueryEvents)
				r.Get("/audit/recent", auditHandler.RecentEvents)
				r.Get("/audit/stats", auditHandler.Stats)
				r.Get("/audit/export", auditHandler.Export)
			})

			// Everything else requires an admin session.
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin())

				// Admin accounts
				r.Post("/admins", sysHandler.CreateAdmin)

				// API key management
				r.Get("/keys", keyHandler.ListKeys)
				r.Post("/keys", keyHandler.CreateKey)
				r.Post("/keys/purge", keyHandler.PurgeKeys)
				r.Put("/keys/{keyPrefix}", keyHandler.UpdateKey)
				r.Delete("/keys/{keyPrefix}", keyHandler.RevokeKey)
				r.Post("/keys/{keyPrefix}/extend", keyHandler.ExtendKey)

				// Tool permission table
				r.Get("/tools", keyHandler.ListTools)

				// Audit maintenance
				r.Post("/audit/purge", auditHandler.Purge)
			})
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the store responds and
// reports the Telegram client's reachability without failing on it; Warden
// still serves audit queries and key management while the client is away.
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

	if s.bridge != nil {
		if client, err := s.bridge.Status(r.Context()); err != nil {
			checks["telegram"] = "unreachable"
		} else if client.Connected {
			checks["telegram"] = "ok"
		} else {
			checks["telegram"] = "disconnected"
		}
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
// requests.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
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
