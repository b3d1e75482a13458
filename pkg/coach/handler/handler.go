// Package handler serves the downstream coaching websocket: one goroutine
// pair per client socket, strictly ordered message processing, and every
// failure turned into an error frame for that client only.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-coach/pkg/coach/config"
	"github.com/vango-go/vai-coach/pkg/coach/feedback"
	"github.com/vango-go/vai-coach/pkg/coach/lifecycle"
	"github.com/vango-go/vai-coach/pkg/coach/registry"
	"github.com/vango-go/vai-coach/pkg/coach/upstream"
)

// Coach is the upstream surface a connection uses.
type Coach interface {
	ModelName() string
	ConnectionType() string
	SendForCoaching(ctx context.Context, turn upstream.Turn) (*upstream.Reply, error)
	StreamAudio(ctx context.Context, chunk []byte, final bool) (*upstream.Reply, error)
}

// Handler handles /ws coaching sessions.
type Handler struct {
	Config    config.Config
	Coach     Coach
	Registry  *registry.Registry
	Feedback  *feedback.Builder
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeHTTPError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if h.Lifecycle.IsDraining() {
		writeHTTPError(w, http.StatusServiceUnavailable, "draining", "server is shutting down")
		return
	}
	if !h.originAllowed(r) {
		writeHTTPError(w, http.StatusForbidden, "forbidden_origin", "origin is not allowed")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	if h.Config.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.Config.MaxMessageBytes)
	}

	logger := h.logger().With("remote_addr", r.RemoteAddr)
	c := newConn(h, ws, logger)

	session, err := h.Registry.Register(r.Context(), r.RemoteAddr, registry.Handle{
		Notify: c.sendPriority,
		Cancel: c.cancel,
	})
	switch {
	case errors.Is(err, registry.ErrDraining):
		logger.Info("rejecting client: server draining")
		c.reject("draining", "Server shutting down", websocket.CloseGoingAway)
		return
	case err != nil:
		logger.Error("rejecting client: upstream unavailable", "error", err)
		c.reject("upstream_unavailable", "Failed to connect to AI backend", websocket.CloseTryAgainLater)
		return
	}
	defer h.Registry.Unregister(session)

	c.attach(session)
	c.run()
}

func (h Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default().With("component", "handler")
	}
	return h.Logger.With("component", "handler")
}

func (h Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h Handler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.Config.CORSAllowedOrigin) == 0 {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigin[origin]
	return ok
}

func (h Handler) writeTimeout() time.Duration {
	if h.Config.WSWriteTimeout > 0 {
		return h.Config.WSWriteTimeout
	}
	return 10 * time.Second
}

// readTimeout is how long a client may stay silent, pongs included, before
// it is dropped. It defaults to two ping intervals.
func (h Handler) readTimeout() time.Duration {
	if h.Config.WSReadTimeout > 0 {
		return h.Config.WSReadTimeout
	}
	if h.Config.WSPingInterval > 0 {
		return 2 * h.Config.WSPingInterval
	}
	return time.Minute
}

func writeHTTPError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
