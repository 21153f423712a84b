// Package web is the HTTP shell over the engine: session CRUD, the chat
// completion endpoint with SSE streaming, health, and metrics.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pilotd/pilot/internal/config"
	"github.com/pilotd/pilot/internal/engine"
	"github.com/pilotd/pilot/internal/fault"
	"github.com/pilotd/pilot/internal/observability"
	"github.com/pilotd/pilot/internal/session"
)

// Server hosts the HTTP API.
type Server struct {
	config   config.ServerConfig
	sessions *session.Manager
	engine   *engine.Engine
	logger   *slog.Logger
	metrics  *observability.Metrics

	httpServer *http.Server
}

// NewServer wires the API over a session manager and engine. metrics may
// be nil.
func NewServer(cfg config.ServerConfig, sessions *session.Manager, eng *engine.Engine, logger *slog.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:   cfg,
		sessions: sessions,
		engine:   eng,
		logger:   logger.With("component", "web"),
		metrics:  metrics,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/sessions/", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PUT /api/v1/sessions/{id}", s.handleUpdateSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("POST /api/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /api/v1/chat/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /api/v1/chat/health", s.handleChatHealth)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withRequestLogging(mux)
}

// Start blocks serving the API until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"service":         "chat",
		"active_sessions": s.sessions.LiveCount(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
