// Package registry tracks downstream client sessions and aggregate server
// statistics, and owns the connect-on-first / disconnect-on-last policy for
// the shared upstream connection.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Upstream is the part of the upstream client the registry drives.
type Upstream interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

// Handle lets the registry reach a session's connection without owning it.
type Handle struct {
	// Notify queues one outbound frame for the session.
	Notify func(typ string, data any) error
	// Cancel asks the session's handler to wind down.
	Cancel func()
}

type MessageKind int

const (
	// KindMessage is any decoded inbound message.
	KindMessage MessageKind = iota
	// KindAudio is a voice message accepted for coaching.
	KindAudio
	// KindCoachingResponse is a coaching reply delivered to the client.
	KindCoachingResponse
)

// ErrDraining is returned by Register once Drain has been called.
var ErrDraining = errors.New("registry is draining")

var sessionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:vai-coach:session"))

// Session is the server-side state of one downstream connection. Counters
// are updated through Registry.Touch.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	messages     atomic.Int64
	audio        atomic.Int64
	coaching     atomic.Int64
	lastActivity atomic.Int64

	handle Handle
	once   sync.Once
}

type SessionCounters struct {
	Messages          int64
	AudioMessages     int64
	CoachingResponses int64
	LastActivityAt    time.Time
}

func (s *Session) Counters() SessionCounters {
	return SessionCounters{
		Messages:          s.messages.Load(),
		AudioMessages:     s.audio.Load(),
		CoachingResponses: s.coaching.Load(),
		LastActivityAt:    time.Unix(0, s.lastActivity.Load()),
	}
}

// AudioMessages is the running count of accepted voice messages.
func (s *Session) AudioMessages() int {
	return int(s.audio.Load())
}

type ServerStats struct {
	TotalConnections       int64     `json:"totalConnections"`
	ActiveSessions         int       `json:"activeSessions"`
	TotalAudioMessages     int64     `json:"totalAudioMessages"`
	TotalCoachingResponses int64     `json:"totalCoachingResponses"`
	StartTime              time.Time `json:"startTime"`
	LastActivityAt         time.Time `json:"lastActivityAt"`
	UptimeSeconds          float64   `json:"uptimeSeconds"`
}

type Registry struct {
	upstream Upstream
	logger   *slog.Logger
	now      func() time.Time

	// connMu is the single ownership token over the "is upstream
	// connected" decision. It is held across Connect/Disconnect calls.
	connMu sync.Mutex

	mu                     sync.Mutex
	draining               bool
	sessions               map[string]*Session
	seq                    uint64
	totalConnections       int64
	totalAudioMessages     int64
	totalCoachingResponses int64
	startTime              time.Time
	lastActivity           time.Time

	wg sync.WaitGroup
}

func New(upstream Upstream, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		upstream:  upstream,
		logger:    logger.With("component", "registry"),
		now:       time.Now,
		sessions:  make(map[string]*Session),
		startTime: time.Now(),
	}
}

// Register creates a session for a newly accepted connection. The first
// active session connects the upstream; if that fails nothing is registered
// and the error is returned for the caller to report to the client. After
// Drain, Register returns ErrDraining.
func (r *Registry) Register(ctx context.Context, remoteAddr string, h Handle) (*Session, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	r.mu.Lock()
	active, draining := len(r.sessions), r.draining
	r.mu.Unlock()
	if draining {
		return nil, ErrDraining
	}

	connected := false
	if active == 0 {
		if err := r.upstream.Connect(ctx); err != nil {
			r.logger.Error("upstream connect failed for first session", "remote_addr", remoteAddr, "error", err)
			return nil, err
		}
		connected = true
	}

	now := r.now()
	s := &Session{RemoteAddr: remoteAddr, ConnectedAt: now, handle: h}
	s.lastActivity.Store(now.UnixNano())

	// Drain may have run while Connect was in flight. Checking under mu makes
	// every session either visible to Broadcast and Wait or refused here.
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		if connected {
			if err := r.upstream.Disconnect(); err != nil {
				r.logger.Warn("upstream disconnect failed", "error", err)
			}
		}
		return nil, ErrDraining
	}
	r.seq++
	s.ID = uuid.NewSHA1(sessionNamespace, []byte(fmt.Sprintf("%s|%d|%d", remoteAddr, now.UnixNano(), r.seq))).String()
	r.sessions[s.ID] = s
	r.totalConnections++
	r.lastActivity = now
	active = len(r.sessions)
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("session registered", "client_id", s.ID, "remote_addr", remoteAddr, "active_sessions", active)
	return s, nil
}

// Drain makes every later Register fail with ErrDraining. Sessions already
// registered are unaffected.
func (r *Registry) Drain() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
}

// Touch records activity of the given kind on s.
func (r *Registry) Touch(s *Session, kind MessageKind) {
	if s == nil {
		return
	}
	now := r.now()
	s.lastActivity.Store(now.UnixNano())
	switch kind {
	case KindMessage:
		s.messages.Add(1)
	case KindAudio:
		s.audio.Add(1)
	case KindCoachingResponse:
		s.coaching.Add(1)
	}

	r.mu.Lock()
	switch kind {
	case KindAudio:
		r.totalAudioMessages++
	case KindCoachingResponse:
		r.totalCoachingResponses++
	}
	r.lastActivity = now
	r.mu.Unlock()
}

// Unregister removes s. It is safe to call more than once; only the first
// call has an effect. The last session out disconnects the upstream.
func (r *Registry) Unregister(s *Session) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		r.connMu.Lock()
		defer r.connMu.Unlock()

		r.mu.Lock()
		if r.sessions[s.ID] == s {
			delete(r.sessions, s.ID)
		}
		remaining := len(r.sessions)
		r.mu.Unlock()

		c := s.Counters()
		r.logger.Info("session closed",
			"client_id", s.ID,
			"duration", r.now().Sub(s.ConnectedAt).Round(time.Millisecond),
			"messages", c.Messages,
			"audio_messages", c.AudioMessages,
			"coaching_responses", c.CoachingResponses,
			"active_sessions", remaining,
		)

		if remaining == 0 {
			if err := r.upstream.Disconnect(); err != nil {
				r.logger.Warn("upstream disconnect failed", "error", err)
			}
		}
		r.wg.Done()
	})
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Snapshot() ServerStats {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return ServerStats{
		TotalConnections:       r.totalConnections,
		ActiveSessions:         len(r.sessions),
		TotalAudioMessages:     r.totalAudioMessages,
		TotalCoachingResponses: r.totalCoachingResponses,
		StartTime:              r.startTime,
		LastActivityAt:         r.lastActivity,
		UptimeSeconds:          now.Sub(r.startTime).Seconds(),
	}
}

func (r *Registry) handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.handle)
	}
	return out
}

// Broadcast queues one frame for every live session and reports how many
// accepted it.
func (r *Registry) Broadcast(typ string, data any) (sent int) {
	for _, h := range r.handles() {
		if h.Notify == nil {
			continue
		}
		if err := h.Notify(typ, data); err != nil {
			continue
		}
		sent++
	}
	return sent
}

func (r *Registry) CancelAll() (canceled int) {
	for _, h := range r.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
