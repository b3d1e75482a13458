// Package upstream owns the single logical connection to the AI provider: a
// BidiGenerateContent streaming socket with an automatic fallback to stateless
// generateContent calls.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	StreamingConnected
	FallbackConnected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case StreamingConnected:
		return "streaming"
	case FallbackConnected:
		return "fallback"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Transport string

const (
	TransportStreaming Transport = "streaming"
	TransportFallback  Transport = "fallback"
)

// Turn is one coaching request.
type Turn struct {
	Prompt     string
	Transcript string
	Audio      []byte

	// Used only to personalize synthesized replies.
	CustomerName  string
	ScenarioTitle string
}

// Reply is the raw model output for one Turn. Synthesized replies were
// produced locally instead of by the provider.
type Reply struct {
	Text         string
	Audio        []byte
	Transport    Transport
	Model        string
	FinishReason string
	Synthesized  bool
}

type Options struct {
	APIKey            string
	Model             string
	Voice             string
	ResponseModality  string
	StreamURL         string
	SystemInstruction string

	HandshakeTimeout time.Duration
	ResponseTimeout  time.Duration
	FallbackTimeout  time.Duration
	ProbeTimeout     time.Duration

	// Generator is the fallback transport. Required.
	Generator Generator
	// Retries defaults to DefaultRetryTable().
	Retries RetryTable
	// Dialer defaults to a proxy-aware dialer bounded by HandshakeTimeout.
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Counters are lifetime totals, exposed for stats and tests.
type Counters struct {
	Connects    int64
	Disconnects int64
	Fallbacks   int64
	Exchanges   int64
}

type Client struct {
	opts      Options
	logger    *slog.Logger
	generator Generator
	retries   RetryTable
	dialer    *websocket.Dialer

	stateMu sync.Mutex
	state   State
	conn    *websocket.Conn

	// streamMu serializes whole exchanges on the streaming socket.
	streamMu sync.Mutex

	connects    atomic.Int64
	disconnects atomic.Int64
	fallbacks   atomic.Int64
	exchanges   atomic.Int64
}

func New(opts Options) (*Client, error) {
	if opts.Generator == nil {
		return nil, errors.New("upstream: fallback generator is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("upstream: model is required")
	}
	if opts.ResponseModality == "" {
		opts.ResponseModality = "TEXT"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 30 * time.Second
	}
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retries := opts.Retries
	if retries == nil {
		retries = DefaultRetryTable()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	return &Client{
		opts:      opts,
		logger:    logger.With("component", "upstream"),
		generator: opts.Generator,
		retries:   retries,
		dialer:    dialer,
	}, nil
}

func (c *Client) ModelName() string { return c.opts.Model }

func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// ConnectionType reports the active transport, or "" when disconnected.
func (c *Client) ConnectionType() string {
	switch c.State() {
	case StreamingConnected:
		return string(TransportStreaming)
	case FallbackConnected:
		return string(TransportFallback)
	default:
		return ""
	}
}

func (c *Client) Counters() Counters {
	return Counters{
		Connects:    c.connects.Load(),
		Disconnects: c.disconnects.Load(),
		Fallbacks:   c.fallbacks.Load(),
		Exchanges:   c.exchanges.Load(),
	}
}

// Connect establishes the streaming transport, or validates the fallback
// transport when the streaming handshake fails. It is a no-op when already
// connected. Callers serialize Connect and Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.stateMu.Lock()
	switch c.state {
	case StreamingConnected, FallbackConnected:
		c.stateMu.Unlock()
		return nil
	}
	c.state = Connecting
	c.stateMu.Unlock()

	c.connects.Add(1)
	conn, streamErr := c.dialStream(ctx)
	if streamErr == nil {
		c.stateMu.Lock()
		c.conn = conn
		c.state = StreamingConnected
		c.stateMu.Unlock()
		c.logger.Info("upstream connected", "transport", TransportStreaming, "model", c.opts.Model)
		return nil
	}

	c.logger.Warn("streaming handshake failed, probing fallback transport", "error", streamErr)
	if probeErr := c.probe(ctx); probeErr != nil {
		c.stateMu.Lock()
		c.state = Disconnected
		c.stateMu.Unlock()
		return &ConnectionError{StreamErr: streamErr, FallbackErr: probeErr}
	}

	c.stateMu.Lock()
	c.state = FallbackConnected
	c.stateMu.Unlock()
	c.logger.Info("upstream connected", "transport", TransportFallback, "model", c.opts.Model)
	return nil
}

// Disconnect closes the streaming socket if open. It is idempotent and
// does not wait for an in-flight exchange; that exchange fails on its next
// socket read.
func (c *Client) Disconnect() error {
	c.stateMu.Lock()
	conn := c.conn
	prev := c.state
	c.conn = nil
	c.state = Disconnected
	c.stateMu.Unlock()

	if conn != nil {
		closeSocket(conn)
	}
	if prev != Disconnected {
		c.disconnects.Add(1)
		c.logger.Info("upstream disconnected", "previous_state", prev.String())
	}
	return nil
}

// SendForCoaching runs one coaching exchange on the active transport.
//
// When the returned error is an *UpstreamError the Reply is still non-nil
// and carries a synthesized placeholder. Other errors (ErrNotConnected,
// context cancellation) come with a nil Reply.
func (c *Client) SendForCoaching(ctx context.Context, turn Turn) (*Reply, error) {
	switch c.State() {
	case StreamingConnected:
		reply, fallBack, err := c.exchange(ctx, turn)
		if !fallBack {
			return reply, err
		}
		return c.sendFallback(ctx, turn)
	case FallbackConnected:
		return c.sendFallback(ctx, turn)
	default:
		return nil, ErrNotConnected
	}
}

// StreamAudio forwards one audio chunk on the streaming socket. A final
// chunk waits for the turn to complete and returns the reply; non-final
// chunks return a nil Reply. Outside streaming mode it returns
// ErrStreamingUnavailable and the caller is expected to buffer.
func (c *Client) StreamAudio(ctx context.Context, chunk []byte, final bool) (*Reply, error) {
	if c.State() != StreamingConnected {
		return nil, ErrStreamingUnavailable
	}

	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	conn := c.streamConn()
	if conn == nil {
		return nil, ErrStreamingUnavailable
	}
	deadline := c.deadline(ctx)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(newAudioChunkMessage(chunk, final)); err != nil {
		c.fallBack(conn, "audio chunk send failed", err)
		return nil, newError(KindTransient, "audio chunk send failed", err)
	}
	if !final {
		return nil, nil
	}

	c.exchanges.Add(1)
	text, audio, err := c.readTurn(conn, deadline)
	if err != nil {
		ue := classify(err)
		if !isProviderError(err) {
			c.fallBack(conn, "audio stream read failed", err)
		}
		return nil, ue
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return &Reply{
		Text:         text,
		Audio:        audio,
		Transport:    TransportStreaming,
		Model:        c.opts.Model,
		FinishReason: FinishStop,
	}, nil
}

func (c *Client) dialStream(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.StreamURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid stream url")
	}
	q := u.Query()
	q.Set("key", c.opts.APIKey)
	u.RawQuery = q.Encode()

	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(hctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial streaming endpoint: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial streaming endpoint: %w", err)
	}

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	setup := newSetupMessage(c.opts.Model, c.opts.ResponseModality, c.opts.Voice, c.opts.SystemInstruction)
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("await setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if len(msg.Error) > 0 && string(msg.Error) != "null" {
			_ = conn.Close()
			return nil, fmt.Errorf("setup rejected: %s", providerMessage(msg.Error))
		}
		if msg.SetupComplete != nil {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

func (c *Client) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	_, err := c.generator.Generate(pctx, GenerateRequest{
		Prompt:          probePrompt,
		MaxOutputTokens: probeMaxOutputTokens,
	})
	if err == nil {
		return nil
	}
	// Any well-formed answer proves the endpoint is reachable and authorized.
	if ue, ok := AsUpstreamError(err); ok && ue.Kind == KindMalformed {
		return nil
	}
	return err
}

// exchange runs one turn on the streaming socket while holding streamMu.
// fallBack reports that the socket was unavailable before anything was
// sent, so the caller should retry on the fallback transport.
func (c *Client) exchange(ctx context.Context, turn Turn) (reply *Reply, fallBack bool, err error) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	conn := c.streamConn()
	if conn == nil {
		return nil, c.State() == FallbackConnected, ErrNotConnected
	}

	c.exchanges.Add(1)
	deadline := c.deadline(ctx)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(newTurnMessage(turn.Prompt, turn.Audio)); err != nil {
		c.fallBack(conn, "turn send failed", err)
		return nil, true, nil
	}

	// The turn is read to completion even if ctx is cancelled meanwhile, so
	// the next exchange starts on a clean stream.
	text, audio, err := c.readTurn(conn, deadline)
	if err != nil {
		ue := classify(err)
		if !isProviderError(err) {
			c.fallBack(conn, "turn read failed", err)
		}
		c.logger.Warn("streaming exchange failed", "kind", ue.Kind, "error", err)
		return c.synthesize(ue, turn, TransportStreaming), false, ue
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, false, ctxErr
	}
	if text == "" && len(audio) == 0 {
		ue := newError(KindMalformed, "empty streaming turn", nil)
		return c.synthesize(ue, turn, TransportStreaming), false, ue
	}
	return &Reply{
		Text:         text,
		Audio:        audio,
		Transport:    TransportStreaming,
		Model:        c.opts.Model,
		FinishReason: FinishStop,
	}, false, nil
}

type providerError struct{ msg string }

func (e *providerError) Error() string { return "provider error: " + e.msg }

func isProviderError(err error) bool {
	var pe *providerError
	return errors.As(err, &pe)
}

// readTurn accumulates text and audio until the provider marks the turn
// complete. Audio fragments are concatenated in arrival order.
func (c *Client) readTurn(conn *websocket.Conn, deadline time.Time) (string, []byte, error) {
	var text strings.Builder
	var audio []byte

	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return "", nil, newError(KindTimeout, "response timeout", err)
			}
			return "", nil, newError(KindTransient, "streaming read failed", err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return "", nil, newError(KindMalformed, "invalid streaming frame", err)
		}
		if len(msg.Error) > 0 && string(msg.Error) != "null" {
			pe := &providerError{msg: providerMessage(msg.Error)}
			return "", nil, &UpstreamError{Kind: KindRejected, Message: pe.msg, Err: pe}
		}
		sc := msg.ServerContent
		if sc == nil {
			continue
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.Text != "" {
					text.WriteString(part.Text)
				}
				if part.InlineData != nil && strings.HasPrefix(part.InlineData.MimeType, "audio/") {
					audio = append(audio, part.InlineData.Data...)
				}
			}
		}
		if sc.TurnComplete {
			return strings.TrimSpace(text.String()), audio, nil
		}
	}
}

func providerMessage(raw json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && (obj.Message != "" || obj.Status != "") {
		if obj.Message == "" {
			return obj.Status
		}
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (c *Client) sendFallback(ctx context.Context, turn Turn) (*Reply, error) {
	var (
		reply    *Reply
		lastKind Kind
		attempts int
	)
	err := retry.Do(ctx, c.retries.backoff(&lastKind), func(ctx context.Context) error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, c.opts.FallbackTimeout)
		defer cancel()

		r, err := c.generator.Generate(actx, GenerateRequest{
			Prompt:          turn.Prompt,
			Audio:           turn.Audio,
			MaxOutputTokens: fallbackMaxOutputTokens,
		})
		if err != nil {
			ue := classify(err)
			lastKind = ue.Kind
			if c.retries.retryable(ue.Kind) {
				return retry.RetryableError(ue)
			}
			return ue
		}
		reply = r
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		ue := classify(err)
		ue.Attempts = attempts
		c.logger.Warn("fallback exchange failed", "kind", ue.Kind, "attempts", attempts, "error", err)
		return c.synthesize(ue, turn, TransportFallback), ue
	}
	return c.finish(reply, turn), nil
}

// finish maps provider-completed but unusable replies to placeholders.
func (c *Client) finish(r *Reply, turn Turn) *Reply {
	out := *r
	out.Transport = TransportFallback
	if out.Model == "" {
		out.Model = c.opts.Model
	}
	switch {
	case out.FinishReason == FinishBlocked:
		out.Text = blockedPlaceholder(turn)
		out.Audio = nil
		out.Synthesized = true
	case out.Text == "" && len(out.Audio) == 0 && out.FinishReason == FinishTruncated:
		out.Text = truncatedPlaceholder(turn)
		out.Synthesized = true
	case out.Text == "" && len(out.Audio) == 0:
		out.Text = ApologyText
		out.Synthesized = true
	}
	return &out
}

func (c *Client) synthesize(ue *UpstreamError, turn Turn, transport Transport) *Reply {
	return &Reply{
		Text:         c.retries.reply(ue.Kind, turn),
		Transport:    transport,
		Model:        c.opts.Model,
		FinishReason: FinishOther,
		Synthesized:  true,
	}
}

// fallBack abandons the streaming socket. Once fallen back the client stays
// on the stateless transport until the next Connect.
func (c *Client) fallBack(conn *websocket.Conn, reason string, err error) {
	c.stateMu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.state == StreamingConnected {
			c.state = FallbackConnected
		}
	}
	c.stateMu.Unlock()

	closeSocket(conn)
	c.fallbacks.Add(1)
	c.logger.Warn("switching to fallback transport", "reason", reason, "error", err)
}

func (c *Client) streamConn() *websocket.Conn {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != StreamingConnected {
		return nil
	}
	return c.conn
}

func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.opts.ResponseTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

func closeSocket(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
