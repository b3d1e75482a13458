package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"google.golang.org/genai"
)

// Normalized finish reasons carried on Reply.
const (
	FinishStop      = "STOP"
	FinishTruncated = "MAX_TOKENS"
	FinishBlocked   = "BLOCKED"
	FinishOther     = "OTHER"
)

const (
	fallbackTemperature     = 0.7
	fallbackTopP            = 0.9
	fallbackMaxOutputTokens = 2048

	probePrompt          = "Test connection"
	probeMaxOutputTokens = 10
)

// GenerateRequest is one stateless call on the fallback transport.
type GenerateRequest struct {
	Prompt          string
	Audio           []byte
	MaxOutputTokens int32
}

// Generator is the stateless request/response transport. Implementations
// must be safe for concurrent use; fallback calls are not serialized.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Reply, error)
}

type GenAIConfig struct {
	APIKey            string
	Model             string
	BaseURL           string
	SystemInstruction string
}

// GenAIGenerator calls generateContent through the Google GenAI SDK.
type GenAIGenerator struct {
	client *genai.Client
	model  string
	system string
}

func NewGenAIGenerator(ctx context.Context, cfg GenAIConfig) (*GenAIGenerator, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIGenerator{client: client, model: cfg.Model, system: cfg.SystemInstruction}, nil
}

func (g *GenAIGenerator) Generate(ctx context.Context, req GenerateRequest) (*Reply, error) {
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	if len(req.Audio) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.Audio, InputMimeType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, g.config(req.MaxOutputTokens))
	if err != nil {
		return nil, classify(err)
	}
	return replyFromResponse(resp)
}

func (g *GenAIGenerator) config(maxTokens int32) *genai.GenerateContentConfig {
	if maxTokens <= 0 {
		maxTokens = fallbackMaxOutputTokens
	}
	temp := float32(fallbackTemperature)
	topP := float32(fallbackTopP)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temp,
		TopP:            &topP,
		MaxOutputTokens: maxTokens,
		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
		},
	}
	if g.system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(g.system, genai.RoleUser)
	}
	return cfg
}

func replyFromResponse(resp *genai.GenerateContentResponse) (*Reply, error) {
	if resp == nil {
		return nil, newError(KindMalformed, "empty response", nil)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return &Reply{FinishReason: FinishBlocked}, nil
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, newError(KindMalformed, "no candidates in response", nil)
	}

	cand := resp.Candidates[0]
	var text strings.Builder
	var audio []byte
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
			if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				audio = append(audio, part.InlineData.Data...)
			}
		}
	}
	reply := &Reply{
		Text:         strings.TrimSpace(text.String()),
		Audio:        audio,
		FinishReason: normalizeFinish(cand.FinishReason),
	}
	if reply.Text == "" && len(reply.Audio) == 0 && reply.FinishReason == FinishStop {
		return nil, newError(KindMalformed, fmt.Sprintf("empty response content (finish reason: %s)", cand.FinishReason), nil)
	}
	return reply, nil
}

func normalizeFinish(fr genai.FinishReason) string {
	switch fr {
	case "", genai.FinishReasonStop, genai.FinishReasonUnspecified:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishTruncated
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		return FinishBlocked
	default:
		return FinishOther
	}
}

// breakerGenerator fails fast while the fallback endpoint keeps failing.
type breakerGenerator struct {
	next Generator
	cb   circuitbreaker.CircuitBreaker[*Reply]
}

// WithCircuitBreaker wraps next so that three consecutive failures open the
// circuit for cooldown. An open circuit surfaces as KindOverloaded.
func WithCircuitBreaker(next Generator, cooldown time.Duration, logger *slog.Logger) Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breakerGenerator{
		next: next,
		cb: circuitbreaker.New[*Reply](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     cooldown,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("fallback circuit breaker state change",
					"from", from.String(),
					"to", to.String())
			},
		}),
	}
}

func (b *breakerGenerator) Generate(ctx context.Context, req GenerateRequest) (*Reply, error) {
	reply, err := b.cb.Execute(ctx, func(ctx context.Context) (*Reply, error) {
		return b.next.Generate(ctx, req)
	})
	if err == nil {
		return reply, nil
	}
	if ue, ok := AsUpstreamError(err); ok {
		return nil, ue
	}
	if ctx.Err() != nil {
		return nil, classify(ctx.Err())
	}
	return nil, newError(KindOverloaded, "fallback circuit open", err)
}
