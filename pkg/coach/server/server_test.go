package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-coach/pkg/coach/config"
	"github.com/vango-go/vai-coach/pkg/coach/feedback"
	"github.com/vango-go/vai-coach/pkg/coach/registry"
	"github.com/vango-go/vai-coach/pkg/coach/upstream"
)

type stubCoach struct {
	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
}

func (c *stubCoach) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.connects++
	return nil
}

func (c *stubCoach) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
	return nil
}

func (c *stubCoach) ModelName() string { return "gemini-test" }

func (c *stubCoach) ConnectionType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return "fallback"
	}
	return ""
}

func (c *stubCoach) SendForCoaching(context.Context, upstream.Turn) (*upstream.Reply, error) {
	return &upstream.Reply{Text: "Nice work.", Transport: upstream.TransportFallback}, nil
}

func (c *stubCoach) StreamAudio(context.Context, []byte, bool) (*upstream.Reply, error) {
	return nil, upstream.ErrStreamingUnavailable
}

func newTestServer(t *testing.T, cfg config.Config, logger *slog.Logger) (*Server, *stubCoach) {
	t.Helper()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	strategy, err := feedback.LoadStrategy("")
	if err != nil {
		t.Fatalf("LoadStrategy: %v", err)
	}
	if cfg.WSWriteTimeout == 0 {
		cfg.WSWriteTimeout = time.Second
	}
	if cfg.WSPingInterval == 0 {
		cfg.WSPingInterval = time.Hour
	}
	coach := &stubCoach{}
	return New(cfg, coach, feedback.NewBuilder(strategy, "gemini-test"), logger), coach
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestServer_ShutdownBroadcastReachesEveryClient(t *testing.T) {
	s, coach := newTestServer(t, config.Config{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		if msg := readFrame(t, conn); msg["type"] != "connected" {
			t.Fatalf("first frame=%v", msg)
		}
		conns = append(conns, conn)
	}

	if sent := s.BeginShutdown("maintenance"); sent != 2 {
		t.Fatalf("BeginShutdown notified %d clients, want 2", sent)
	}

	for i, conn := range conns {
		msg := readFrame(t, conn)
		if msg["type"] != "serverShutdown" {
			t.Fatalf("client %d frame=%v", i, msg)
		}
		if data := msg["data"].(map[string]any); data["reason"] != "maintenance" {
			t.Fatalf("client %d data=%v", i, data)
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err == nil {
			t.Fatalf("client %d: expected close after serverShutdown", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !s.WaitSessions(ctx) {
		t.Fatalf("handlers did not unwind")
	}
	coach.mu.Lock()
	defer coach.mu.Unlock()
	if coach.connects != 1 || coach.disconnects != 1 {
		t.Fatalf("connects=%d disconnects=%d", coach.connects, coach.disconnects)
	}

	// New upgrades are refused once draining.
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, resp=%v err=%v", resp, err)
	}
}

func TestServer_RootPathAlsoServesWebsocket(t *testing.T) {
	s, _ := newTestServer(t, config.Config{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if msg := readFrame(t, conn); msg["type"] != "connected" {
		t.Fatalf("first frame=%v", msg)
	}
}

func TestServer_SideRoutes(t *testing.T) {
	s, _ := newTestServer(t, config.Config{}, nil)
	h := s.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("healthz status=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("stats body %q: %v", rr.Body.String(), err)
	}
	if stats["activeSessions"] != float64(0) || stats["model"] != "gemini-test" {
		t.Fatalf("stats=%v", stats)
	}
	if _, ok := stats["totalConnections"]; !ok {
		t.Fatalf("stats missing totalConnections: %v", stats)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok":true`) {
		t.Fatalf("readyz status=%d body=%q", rr.Code, rr.Body.String())
	}

	s.Lifecycle().SetDraining(true)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), `"draining":true`) {
		t.Fatalf("draining readyz status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("404 status=%d content-type=%q", rr.Code, rr.Header().Get("Content-Type"))
	}
}

func TestRecover_PanicReturnsJSON(t *testing.T) {
	h := Recover(nil, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	h = RequestID(h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"code":"internal_error"`) {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSupervise_LogsHealthAndStats(t *testing.T) {
	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s, _ := newTestServer(t, config.Config{
		HealthInterval: 10 * time.Millisecond,
		StatsInterval:  15 * time.Millisecond,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Supervise(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		logs := out.String()
		if strings.Contains(logs, "health check") && strings.Contains(logs, "server stats") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Supervise() error = %v", err)
	}

	logs := out.String()
	if !strings.Contains(logs, "health check") || !strings.Contains(logs, "server stats") {
		t.Fatalf("missing supervisor lines in logs:\n%s", logs)
	}
	if !strings.Contains(logs, "component=supervisor") {
		t.Fatalf("missing component attribute:\n%s", logs)
	}
}

func TestServer_BeginShutdownRefusesLateRegistration(t *testing.T) {
	s, coach := newTestServer(t, config.Config{}, nil)
	s.BeginShutdown("test")

	_, err := s.Registry().Register(context.Background(), "127.0.0.1:9", registry.Handle{})
	if !errors.Is(err, registry.ErrDraining) {
		t.Fatalf("Register() err=%v, want ErrDraining", err)
	}
	coach.mu.Lock()
	defer coach.mu.Unlock()
	if coach.connects != 0 {
		t.Fatalf("connects=%d, want 0", coach.connects)
	}
}
