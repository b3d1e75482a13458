// Package server wires the coaching websocket and its side routes into one
// http.Handler, runs the periodic health and stats logging, and drives the
// shutdown broadcast.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/vai-coach/pkg/coach/config"
	"github.com/vango-go/vai-coach/pkg/coach/feedback"
	"github.com/vango-go/vai-coach/pkg/coach/handler"
	"github.com/vango-go/vai-coach/pkg/coach/lifecycle"
	"github.com/vango-go/vai-coach/pkg/coach/protocol"
	"github.com/vango-go/vai-coach/pkg/coach/registry"
)

// Coach is the shared upstream client: used per message by connections and
// connected/disconnected by the registry.
type Coach interface {
	handler.Coach
	registry.Upstream
}

type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	mux      *http.ServeMux
	coach    Coach
	registry *registry.Registry
	life     *lifecycle.Lifecycle
	feedback *feedback.Builder
	now      func() time.Time
}

func New(cfg config.Config, coach Coach, fb *feedback.Builder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		coach:    coach,
		registry: registry.New(coach, logger),
		life:     lifecycle.New(),
		feedback: fb,
		now:      time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	ws := handler.Handler{
		Config:    s.cfg,
		Coach:     s.coach,
		Registry:  s.registry,
		Feedback:  s.feedback,
		Lifecycle: s.life,
		Logger:    s.logger,
	}
	s.mux.Handle("/{$}", ws)
	s.mux.Handle("/ws", ws)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = Recover(s.logger, h)
	h = AccessLog(s.logger, h)
	h = RequestID(h)
	return h
}

func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.life }

func (s *Server) Registry() *registry.Registry { return s.registry }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	type readyResp struct {
		OK             bool   `json:"ok"`
		Draining       bool   `json:"draining"`
		ConnectionType string `json:"connectionType"`
		ActiveSessions int    `json:"activeSessions"`
		Model          string `json:"model"`
	}
	draining := s.life.IsDraining()
	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:             !draining,
		Draining:       draining,
		ConnectionType: s.coach.ConnectionType(),
		ActiveSessions: s.registry.Count(),
		Model:          s.coach.ModelName(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	type statsResp struct {
		registry.ServerStats
		Model          string `json:"model"`
		ConnectionType string `json:"connectionType"`
	}
	writeJSON(w, http.StatusOK, statsResp{
		ServerStats:    s.registry.Snapshot(),
		Model:          s.coach.ModelName(),
		ConnectionType: s.coach.ConnectionType(),
	})
}

// Supervise logs a health line every HealthInterval and full statistics
// every StatsInterval until ctx ends.
func (s *Server) Supervise(ctx context.Context) error {
	healthEvery := s.cfg.HealthInterval
	if healthEvery <= 0 {
		healthEvery = time.Minute
	}
	statsEvery := s.cfg.StatsInterval
	if statsEvery <= 0 {
		statsEvery = 5 * time.Minute
	}
	logger := s.logger.With("component", "supervisor")

	health := time.NewTicker(healthEvery)
	defer health.Stop()
	stats := time.NewTicker(statsEvery)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-health.C:
			snap := s.registry.Snapshot()
			if snap.ActiveSessions > 0 {
				logger.Info("health check",
					"active_clients", snap.ActiveSessions,
					"connection_type", s.coach.ConnectionType(),
					"last_activity", snap.LastActivityAt,
				)
			} else {
				logger.Debug("health check", "active_clients", 0)
			}
		case <-stats.C:
			snap := s.registry.Snapshot()
			logger.Info("server stats",
				"active_clients", snap.ActiveSessions,
				"total_connections", snap.TotalConnections,
				"audio_messages", snap.TotalAudioMessages,
				"coaching_responses", snap.TotalCoachingResponses,
				"uptime", time.Duration(snap.UptimeSeconds*float64(time.Second)).Round(time.Second),
				"model", s.coach.ModelName(),
			)
		}
	}
}

// BeginShutdown stops new upgrades, sends serverShutdown to every connected
// client and asks their handlers to close. It returns the number of clients
// notified.
func (s *Server) BeginShutdown(reason string) int {
	s.life.SetDraining(true)
	s.registry.Drain()
	now := s.now()
	sent := s.registry.Broadcast(protocol.TypeServerShutdown, protocol.ServerShutdownData{
		Message:   "Server shutting down gracefully",
		Reason:    reason,
		Timestamp: protocol.FormatTimestamp(now),
	})
	s.registry.CancelAll()
	s.logger.Info("shutdown broadcast", "reason", reason, "notified", sent)
	return sent
}

// WaitSessions blocks until every handler has unwound or ctx ends.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.registry.Wait(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
