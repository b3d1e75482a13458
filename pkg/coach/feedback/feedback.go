// Package feedback turns a model reply into the structured coaching feedback
// sent to clients. The heuristics live behind ScoringStrategy so they can be
// replaced without touching transport or session code.
package feedback

import (
	"strings"
	"time"
)

const (
	MaxListEntries = 3

	DefaultMessage = "Thanks for your voice message. Keep practicing!"
)

// ScoringStrategy derives the judgement parts of a Feedback.
type ScoringStrategy interface {
	Score(transcript, reply string) int
	Improvements(reply string) []string
	Achievements(reply string) []string
	Progress(ctx *Context) *int
}

// Context is the optional per-session context of a request.
type Context struct {
	CustomerName  string
	ScenarioTitle string
	MessageCount  int
}

type Input struct {
	Transcript string
	Reply      string
	Audio      []byte
	Context    *Context

	// Model overrides the builder's default model name when set.
	Model          string
	ConnectionType string
	StartedAt      time.Time
}

// Feedback is built fresh per request and must not be mutated after it is
// handed to the transport.
type Feedback struct {
	Message          string
	Score            int
	Improvements     []string
	Achievements     []string
	ProgressPercent  *int
	HasAudioResponse bool
	AudioResponse    []byte
	Model            string
	ProcessingTime   time.Time
	ProcessingTook   time.Duration
	TranscribedText  string
	ConnectionType   string
}

type Builder struct {
	strategy ScoringStrategy
	model    string
	now      func() time.Time
}

func NewBuilder(strategy ScoringStrategy, model string) *Builder {
	return &Builder{strategy: strategy, model: model, now: time.Now}
}

func (b *Builder) Build(in Input) Feedback {
	now := b.now()
	msg := strings.TrimSpace(in.Reply)
	if msg == "" {
		msg = DefaultMessage
	}
	model := in.Model
	if model == "" {
		model = b.model
	}

	fb := Feedback{
		Message:         msg,
		Score:           clamp(b.strategy.Score(in.Transcript, in.Reply), 0, 100),
		Improvements:    capList(b.strategy.Improvements(in.Reply)),
		Achievements:    capList(b.strategy.Achievements(in.Reply)),
		ProgressPercent: b.strategy.Progress(in.Context),
		Model:           model,
		ProcessingTime:  now,
		TranscribedText: in.Transcript,
		ConnectionType:  in.ConnectionType,
	}
	if fb.ProgressPercent != nil {
		p := clamp(*fb.ProgressPercent, 0, 100)
		fb.ProgressPercent = &p
	}
	if len(in.Audio) > 0 {
		fb.HasAudioResponse = true
		fb.AudioResponse = append([]byte(nil), in.Audio...)
	}
	if !in.StartedAt.IsZero() {
		fb.ProcessingTook = now.Sub(in.StartedAt)
	}
	return fb
}

func capList(in []string) []string {
	out := make([]string, 0, MaxListEntries)
	for _, s := range in {
		if len(out) == MaxListEntries {
			break
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
