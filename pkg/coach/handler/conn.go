package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-coach/pkg/coach/feedback"
	"github.com/vango-go/vai-coach/pkg/coach/prompt"
	"github.com/vango-go/vai-coach/pkg/coach/protocol"
	"github.com/vango-go/vai-coach/pkg/coach/registry"
	"github.com/vango-go/vai-coach/pkg/coach/upstream"
)

const (
	inboundQueueSize  = 64
	outboundQueueSize = 64
	maxPriorityFrames = 8

	// maxStreamBuffer caps the audio kept for one audio_stream utterance.
	maxStreamBuffer = 16 << 20

	codeUpstream    = "upstream_error"
	codeRateLimited = "rate_limited"
	codeInternal    = "internal"
)

var errConnClosed = errors.New("connection closed")

// conn is the state of one accepted client socket. Only run's goroutine
// touches stream.
type conn struct {
	h       Handler
	ws      *websocket.Conn
	logger  *slog.Logger
	session *registry.Session

	ctx    context.Context
	cancel context.CancelFunc

	priority chan outboundFrame
	normal   chan outboundFrame

	stream *audioStreamPolicy
}

func newConn(h Handler, ws *websocket.Conn, logger *slog.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		h:        h,
		ws:       ws,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		priority: make(chan outboundFrame, maxPriorityFrames),
		normal:   make(chan outboundFrame, outboundQueueSize),
		stream:   newAudioStreamPolicy(h.now, h.Config.AudioMaxFPS, h.Config.AudioMaxBPS, h.Config.AudioBurstSecond, maxStreamBuffer),
	}
}

// reject answers a client that could not be registered and releases the
// connection's context.
func (c *conn) reject(code, message string, closeCode int) {
	defer c.cancel()
	deadline := time.Now().Add(c.h.writeTimeout())
	_ = c.ws.SetWriteDeadline(deadline)
	_ = c.ws.WriteJSON(protocol.NewEnvelope(protocol.TypeError, protocol.NewError(code, message), c.h.now()))
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, message), deadline)
}

func (c *conn) attach(s *registry.Session) {
	c.session = s
	c.logger = c.logger.With("client_id", s.ID)
}

func (c *conn) run() {
	defer c.cancel()

	// A peer that stops answering pings is dropped once the read deadline
	// passes, which unregisters its session.
	readTimeout := c.h.readTimeout()
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	readCh := make(chan []byte, inboundQueueSize)
	writerErrCh := make(chan error, 1)
	go c.readLoop(readCh, readTimeout)
	go func() {
		w := outboundWriter{
			ws:           c.ws,
			ctx:          c.ctx,
			pingInterval: c.h.Config.WSPingInterval,
			writeTimeout: c.h.writeTimeout(),
			priority:     c.priority,
			normal:       c.normal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	_ = c.send(protocol.TypeConnected, protocol.ConnectedData{
		Status:         "connected",
		Message:        "Connected to Voice Coach",
		ClientID:       c.session.ID,
		Model:          c.h.Coach.ModelName(),
		ConnectionType: c.h.Coach.ConnectionType(),
		AudioConfig:    protocol.DefaultAudioConfig(),
	})

	for {
		select {
		case <-c.ctx.Done():
			c.waitWriter(writerErrCh)
			return
		case err, ok := <-writerErrCh:
			if ok && err != nil {
				c.logger.Warn("client write failed", "error", err)
			}
			return
		case data, ok := <-readCh:
			if !ok {
				c.waitWriter(writerErrCh)
				return
			}
			c.handleMessage(data)
		}
	}
}

func (c *conn) waitWriter(writerErrCh <-chan error) {
	timer := time.NewTimer(c.h.writeTimeout())
	defer timer.Stop()
	select {
	case <-writerErrCh:
	case <-timer.C:
	}
}

// readLoop feeds out until the socket fails. A failed read cancels the
// connection at once so an in-flight upstream call is abandoned.
func (c *conn) readLoop(out chan<- []byte, readTimeout time.Duration) {
	defer close(out)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("client read ended", "error", err)
			}
			c.cancel()
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		select {
		case out <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

// handleMessage processes one inbound frame to completion. A panic here is
// reported to this client and does not end the connection.
func (c *conn) handleMessage(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while handling message", "panic", r, "stack", string(debug.Stack()))
			_ = c.sendError(codeInternal, fmt.Sprintf("Processing error: %v", r))
		}
	}()

	c.h.Registry.Touch(c.session, registry.KindMessage)

	msg, err := protocol.DecodeClientMessage(raw)
	if err != nil {
		var decErr *protocol.DecodeError
		if errors.As(err, &decErr) {
			c.logger.Warn("rejected client message", "code", decErr.Code, "error", decErr)
			_ = c.sendError(decErr.Code, decErr.Message)
			return
		}
		_ = c.sendError(protocol.CodeBadRequest, err.Error())
		return
	}

	switch m := msg.(type) {
	case protocol.VoiceData:
		c.handleVoiceData(m)
	case protocol.AudioStream:
		c.handleAudioStream(m)
	case protocol.StartPitchSession:
		c.handleStartPitchSession(m)
	case protocol.Ping:
		_ = c.send(protocol.TypePong, protocol.NewPong(c.h.now()))
	}
}

func (c *conn) handleVoiceData(m protocol.VoiceData) {
	started := c.h.now()
	c.h.Registry.Touch(c.session, registry.KindAudio)
	c.logger.Info("processing voice data", "transcript_chars", len(m.TranscribedText), "audio_bytes", len(m.Audio))

	_ = c.send(protocol.TypeProcessingStarted, protocol.ProcessingStartedData{
		Message:    "Analyzing your voice message...",
		Transcript: m.TranscribedText,
	})

	turn := upstream.Turn{
		Prompt:     prompt.Build(m.TranscribedText, promptContext(m.Customer, m.Scenario)),
		Transcript: m.TranscribedText,
		Audio:      m.Audio,
	}
	fbCtx := &feedback.Context{MessageCount: c.session.AudioMessages()}
	if m.Customer != nil {
		turn.CustomerName = m.Customer.Name
		fbCtx.CustomerName = m.Customer.Name
	}
	if m.Scenario != nil {
		turn.ScenarioTitle = m.Scenario.Title
		fbCtx.ScenarioTitle = m.Scenario.Title
	}

	reply, err := c.h.Coach.SendForCoaching(c.ctx, turn)
	if err != nil {
		var ue *upstream.UpstreamError
		if !errors.As(err, &ue) || reply == nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error("voice processing failed", "error", err)
			_ = c.sendError(codeUpstream, "Voice processing failed: "+err.Error())
			return
		}
		c.logger.Warn("coaching reply synthesized", "kind", ue.Kind, "attempts", ue.Attempts, "error", err)
	}

	fb := c.h.Feedback.Build(feedback.Input{
		Transcript:     m.TranscribedText,
		Reply:          reply.Text,
		Audio:          reply.Audio,
		Context:        fbCtx,
		Model:          reply.Model,
		ConnectionType: string(reply.Transport),
		StartedAt:      started,
	})

	if err := c.send(protocol.TypeTextFeedback, textFeedback(fb)); err != nil {
		return
	}
	c.h.Registry.Touch(c.session, registry.KindCoachingResponse)
	c.logger.Info("sent coaching feedback", "score", fb.Score, "transport", reply.Transport, "synthesized", reply.Synthesized)

	if fb.HasAudioResponse {
		_ = c.send(protocol.TypeAudioResponse, protocol.NewAudioResponse(fb.AudioResponse))
	}
}

// handleAudioStream forwards one chunk. The current utterance is also kept
// locally so a final chunk can still be answered if the upstream has fallen
// back to the stateless transport mid-utterance.
func (c *conn) handleAudioStream(m protocol.AudioStream) {
	if len(m.Chunk) == 0 && !m.Final {
		return
	}
	if err := c.stream.Admit(m.Chunk); err != nil {
		var rej *streamRejection
		if errors.As(err, &rej) {
			_ = c.sendError(rej.code, rej.message)
		}
		return
	}
	if m.Final {
		defer c.stream.Reset()
	}

	reply, err := c.h.Coach.StreamAudio(c.ctx, m.Chunk, m.Final)
	if errors.Is(err, upstream.ErrStreamingUnavailable) {
		if !m.Final {
			return
		}
		reply, err = c.h.Coach.SendForCoaching(c.ctx, upstream.Turn{
			Prompt: prompt.Build("", nil),
			Audio:  c.stream.Utterance(),
		})
	}
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("audio stream failed", "final", m.Final, "error", err)
		_ = c.sendError(codeUpstream, "Stream processing failed: "+err.Error())
		return
	}
	if !m.Final || reply == nil {
		return
	}

	_ = c.send(protocol.TypeStreamResponse, protocol.StreamResponseData{
		Text:     reply.Text,
		HasAudio: len(reply.Audio) > 0,
		Final:    true,
	})
	if len(reply.Audio) > 0 {
		_ = c.send(protocol.TypeAudioResponse, protocol.NewAudioResponse(reply.Audio))
	}
}

func (c *conn) handleStartPitchSession(m protocol.StartPitchSession) {
	customer, scenario := "Unknown", "Voice Coaching"
	if m.Customer != nil && strings.TrimSpace(m.Customer.Name) != "" {
		customer = m.Customer.Name
	}
	if m.Scenario != nil && strings.TrimSpace(m.Scenario.Title) != "" {
		scenario = m.Scenario.Title
	}
	_ = c.send(protocol.TypeSessionStarted, protocol.SessionStartedData{
		Message:  "Voice Coach session started!",
		Customer: customer,
		Scenario: scenario,
		Model:    c.h.Coach.ModelName(),
		Ready:    true,
	})
}

func promptContext(customer *protocol.Customer, scenario *protocol.Scenario) *prompt.Context {
	if customer == nil && scenario == nil {
		return nil
	}
	pc := &prompt.Context{}
	if customer != nil {
		pc.CustomerName = customer.Name
		pc.ProtectionScore = prompt.ScoreString(customer.ProtectionScore)
	}
	if scenario != nil {
		pc.ScenarioTitle = scenario.Title
		pc.ScenarioText = scenario.Scenario
	}
	return pc
}

func textFeedback(fb feedback.Feedback) protocol.TextFeedbackData {
	return protocol.TextFeedbackData{
		Message:          fb.Message,
		Score:            fb.Score,
		Improvements:     fb.Improvements,
		Achievements:     fb.Achievements,
		ProgressPercent:  fb.ProgressPercent,
		Model:            fb.Model,
		ProcessingTime:   protocol.FormatTimestamp(fb.ProcessingTime),
		HasAudioResponse: fb.HasAudioResponse,
		TranscribedText:  fb.TranscribedText,
		ConnectionType:   fb.ConnectionType,
		ProcessingMS:     fb.ProcessingTook.Milliseconds(),
	}
}

func (c *conn) sendError(code, message string) error {
	return c.send(protocol.TypeError, protocol.NewError(code, message))
}

func (c *conn) encode(typ string, data any) (outboundFrame, error) {
	payload, err := json.Marshal(protocol.NewEnvelope(typ, data, c.h.now()))
	if err != nil {
		return outboundFrame{}, err
	}
	return outboundFrame{payload: payload}, nil
}

// send queues a reply frame, waiting for queue space so replies are never
// dropped or reordered.
func (c *conn) send(typ string, data any) error {
	frame, err := c.encode(typ, data)
	if err != nil {
		c.logger.Error("encode outbound frame", "type", typ, "error", err)
		return err
	}
	select {
	case c.normal <- frame:
		return nil
	case <-c.ctx.Done():
		return errConnClosed
	}
}

// sendPriority queues a frame ahead of pending replies. It never blocks; when
// the priority queue is full the oldest entry is dropped.
func (c *conn) sendPriority(typ string, data any) error {
	frame, err := c.encode(typ, data)
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return errConnClosed
	}
	for i := 0; i < maxPriorityFrames; i++ {
		select {
		case c.priority <- frame:
			return nil
		default:
		}
		select {
		case <-c.priority:
		default:
		}
	}
	return errConnClosed
}
