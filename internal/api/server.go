// Package api exposes the admin REST API: route and pool introspection,
// quarantine contents, guideline management and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mysqlgate/mysqlgate/internal/config"
	"github.com/mysqlgate/mysqlgate/internal/destination"
	"github.com/mysqlgate/mysqlgate/internal/guidelines"
	"github.com/mysqlgate/mysqlgate/internal/metrics"
	"github.com/mysqlgate/mysqlgate/internal/pool"
)

// Deps are the collaborators the API serves state from.
type Deps struct {
	Engine     *guidelines.Engine
	Quarantine *destination.Quarantine
	Pool       *pool.ConnectionPool
	Managers   map[string]destination.Manager
	Metrics    *metrics.Collector

	// UpdateGuidelines applies a new guidelines document; an empty
	// document restores the auto-generated default.
	UpdateGuidelines func(document string) (guidelines.RouteChanges, error)
}

// Server is the admin API HTTP server.
type Server struct {
	deps   Deps
	apiKey string
	logger *slog.Logger

	httpServer *http.Server
}

// NewServer builds the API server.
func NewServer(deps Deps, cfg config.APIConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, apiKey: cfg.APIKey, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))

	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(s.authMiddleware)
	apiRouter.HandleFunc("/routes", s.handleRoutes).Methods(http.MethodGet)
	apiRouter.HandleFunc("/quarantine", s.handleQuarantine).Methods(http.MethodGet)
	apiRouter.HandleFunc("/pool", s.handlePool).Methods(http.MethodGet)
	apiRouter.HandleFunc("/guidelines", s.handleGetGuidelines).Methods(http.MethodGet)
	apiRouter.HandleFunc("/guidelines", s.handlePutGuidelines).Methods(http.MethodPut)
	apiRouter.HandleFunc("/guidelines/schema", s.handleSchema).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Handler:      r,
		Addr:         net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("binding API listener: %w", err)
	}
	s.logger.Info("admin API listening", "address", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "err", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpServer.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-API-Key") != s.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type routeStatus struct {
	Name         string   `json:"name"`
	Purpose      string   `json:"purpose"`
	HasReadOnly  bool     `json:"has_read_only"`
	HasReadWrite bool     `json:"has_read_write"`
	Candidates   []string `json:"destination_candidates"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	out := make([]routeStatus, 0, len(s.deps.Managers))
	for name, manager := range s.deps.Managers {
		status := routeStatus{
			Name:         name,
			Purpose:      manager.Purpose().String(),
			HasReadOnly:  manager.HasReadOnly(),
			HasReadWrite: manager.HasReadWrite(),
		}
		for _, ep := range manager.GetDestinationCandidates() {
			status.Candidates = append(status.Candidates, ep.String())
		}
		out = append(out, status)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuarantine(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"quarantined": s.deps.Quarantine.Snapshot(),
	})
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pooled_connections":  s.deps.Pool.CurrentPooledConnections(),
		"stashed_connections": s.deps.Pool.CurrentStashedConnections(),
		"reused_connections":  s.deps.Pool.ReusedConnections(),
		"max_pooled":          s.deps.Pool.MaxPooledConnections(),
		"idle_timeout":        s.deps.Pool.IdleTimeout().String(),
	})
}

func (s *Server) handleGetGuidelines(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, s.deps.Engine.Document())
}

func (s *Server) handlePutGuidelines(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	changes, err := s.deps.UpdateGuidelines(string(body))
	if err != nil {
		s.deps.Metrics.GuidelineUpdate(false)
		if parseErr, ok := err.(*guidelines.ParseError); ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"errors": parseErr.Errors,
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.deps.Metrics.GuidelineUpdate(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"guideline_name":  changes.GuidelineName,
		"affected_routes": changes.AffectedRoutes,
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, guidelines.Schema())
}
