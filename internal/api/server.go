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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"n8nadmin/internal/alerts"
	"n8nadmin/internal/config"
	"n8nadmin/internal/instances"
	"n8nadmin/internal/license"
	"n8nadmin/internal/n8n"
	"n8nadmin/internal/store"
	"n8nadmin/internal/version"
)

type Server struct {
	cfg       config.APIConfig
	store     *store.Store
	instances *instances.Service
	notifier  *alerts.Notifier
	license   *license.Resolver
	mailer    alerts.Mailer
	hub       *Hub
	logger    *slog.Logger
	server    *http.Server
}

func NewServer(cfg config.APIConfig, st *store.Store, svc *instances.Service, notifier *alerts.Notifier, resolver *license.Resolver, mailer alerts.Mailer, hub *Hub, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		instances: svc,
		notifier:  notifier,
		license:   resolver,
		mailer:    mailer,
		hub:       hub,
		logger:    logger,
	}
}

func (s *Server) Run(ctx context.Context) error {
	router := chi.NewRouter()

	// Global middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(otelhttp.NewMiddleware("admin-api"))
	router.Use(corsMiddleware)

	s.registerRoutes(router)

	s.server = &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.cfg.HTTPAddr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes(router chi.Router) {
	// Health and version endpoints
	router.Get(s.cfg.HealthLivenessEndpoint, s.handleHealth)
	router.Get("/version", version.HandleVersion)
	router.Handle("/metrics", promhttp.Handler())

	// Live status updates (public, no auth)
	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.hub.ServeWS(w, r)
	})

	// Auth endpoints (public)
	router.Post("/auth/login", s.handleLogin)
	router.Post("/auth/logout", s.handleLogout)
	router.Post("/auth/request-password-reset", s.handlePasswordResetRequest)
	router.Get("/auth/validate-reset-token", s.handlePasswordResetValidate)
	router.Post("/auth/reset-password", s.handlePasswordReset)

	// License info is public so the login screen can show the edition
	router.Get("/license", s.handleGetLicense)

	// All other endpoints require auth
	router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/auth/me", s.handleGetCurrentUser)

		// Instance endpoints
		r.Get("/instances", s.handleListInstances)
		r.Post("/instances", s.handleCreateInstance)
		r.Get("/instances/quota", s.handleInstanceQuota)
		r.Get("/instances/{id}", s.handleGetInstance)
		r.Put("/instances/{id}", s.handleUpdateInstance)
		r.Delete("/instances/{id}", s.handleDeleteInstance)
		r.Get("/instances/{id}/workflows", s.handleGetWorkflows)
		r.Post("/instances/{id}/workflows/import", s.handleImportWorkflow)
		r.Get("/instances/{id}/events", s.handleGetEvents)
		r.Get("/instances/{id}/error-patterns", s.handleGetErrorPatterns)
		r.Get("/instances/{id}/export", s.handleExportWorkflows)
		r.Get("/instances/{id}/last-backup", s.handleGetLastBackup)

		// Settings endpoints
		r.Get("/settings/alerts", s.handleGetAlertSettings)
		r.Put("/settings/alerts", s.handleSaveAlertSettings)
		r.Get("/settings/backups", s.handleGetBackupSettings)
		r.Put("/settings/backups", s.handleSaveBackupSettings)
		r.Get("/backups/last-all", s.handleGetLastBackups)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleGetLicense(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.license.Info(), http.StatusOK)
}

// writeServiceError maps service sentinels to HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, "not found", http.StatusNotFound)
	case errors.Is(err, instances.ErrValidation):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, instances.ErrQuotaExceeded):
		writeJSONError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, instances.ErrPremiumRequired):
		writeJSONError(w, "premium edition required", http.StatusForbidden)
	case errors.Is(err, instances.ErrLocked):
		writeJSONError(w, "instance locked: update the api key to unlock", http.StatusLocked)
	case errors.Is(err, n8n.ErrUnauthorized), errors.Is(err, n8n.ErrUnreachable):
		writeJSONError(w, "instance unavailable: "+err.Error(), http.StatusBadGateway)
	default:
		s.logger.Error("request failed", "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
