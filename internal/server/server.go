// Package server assembles the HTTP surface: webhook ingress, worker
// progress ingress, the operator maintenance toggle, health and
// metrics.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conveyor-ci/conveyor/internal/health"
	"github.com/conveyor-ci/conveyor/internal/store"
)

// Config holds server settings.
type Config struct {
	// Addr is the listen address.
	Addr string

	// EngineType is reported by the health endpoint.
	EngineType string

	// Metrics mounts the Prometheus scrape endpoint when true.
	Metrics bool
}

// Server is the orchestrator's HTTP front.
type Server struct {
	cfg    Config
	store  *store.Store
	http   *http.Server
	logger *slog.Logger
}

// New wires the routes. webhook handles event deliveries and progress
// handles worker callbacks; both own their own verification.
func New(cfg Config, s *store.Store, webhook, progress http.Handler, logger *slog.Logger) *Server {
	srv := &Server{cfg: cfg, store: s, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/webhook", webhook)
	r.Post("/progress/{id}/{token}", progress.ServeHTTP)

	r.Get("/maintenance/{platform}", srv.getMaintenance)
	r.Post("/maintenance/{platform}/{state}", srv.setMaintenance)

	r.Get("/health", health.Handler(cfg.EngineType))
	if cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	srv.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", slog.String("addr", s.cfg.Addr))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) getMaintenance(w http.ResponseWriter, req *http.Request) {
	platform, ok := store.ParsePlatform(chi.URLParam(req, "platform"))
	if !ok {
		http.Error(w, "unknown platform", http.StatusNotFound)
		return
	}

	enabled, err := s.store.MaintenanceEnabled(req.Context(), platform)
	if err != nil {
		s.logger.Error("maintenance read failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeMaintenance(w, platform, enabled)
}

// setMaintenance flips the gate. The path carries the desired state as
// "on" or "off"; the response reports the state now in effect.
func (s *Server) setMaintenance(w http.ResponseWriter, req *http.Request) {
	platform, ok := store.ParsePlatform(chi.URLParam(req, "platform"))
	if !ok {
		http.Error(w, "unknown platform", http.StatusNotFound)
		return
	}

	var desired bool
	switch chi.URLParam(req, "state") {
	case "on":
		desired = true
	case "off":
		desired = false
	default:
		http.Error(w, "state must be on or off", http.StatusBadRequest)
		return
	}

	enabled, err := s.store.SetMaintenance(req.Context(), platform, desired)
	if err != nil {
		s.logger.Error("maintenance toggle failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("maintenance toggled",
		slog.String("platform", string(platform)),
		slog.Bool("enabled", enabled),
	)
	writeMaintenance(w, platform, enabled)
}

func writeMaintenance(w http.ResponseWriter, platform store.Platform, enabled bool) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"platform":    platform,
		"maintenance": enabled,
	})
}
