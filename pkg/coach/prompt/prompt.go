package prompt

import (
	"fmt"
	"strings"
)

// SystemInstruction is sent once per upstream connection.
const SystemInstruction = "You are an expert voice coach and sales trainer. Provide real-time, " +
	"personalized feedback on voice pitches and sales presentations. Keep responses conversational, " +
	"supportive, and actionable. Focus on voice quality, content structure, and specific improvements."

const coachingBody = `You are an expert voice and sales coach. Analyze this actual voice message and provide specific, actionable coaching.

TRANSCRIPT: %q

Provide SPECIFIC coaching feedback covering:

1. Content Analysis: rate clarity and persuasiveness (1-10), name the strengths, point out the words and phrases that work.
2. Delivery Coaching: comment on confidence based on word choice, suggest tone improvements, recommend pace and emphasis changes.
3. Sales Effectiveness: evaluate customer focus versus self focus, rate value proposition clarity, suggest call-to-action improvements.
4. Immediate Next Steps: give 2-3 specific actions to improve this exact message, with alternative word choices.

Be encouraging but detailed. Reference the actual words they used.`

const audioOnlyTranscript = "(no transcript; analyze the attached audio)"

// Context is the optional pitch context attached to a request.
type Context struct {
	CustomerName    string
	ProtectionScore string
	ScenarioTitle   string
	ScenarioText    string
}

// Build returns the coaching prompt for one transcript.
func Build(transcript string, ctx *Context) string {
	transcript = strings.TrimSpace(transcript)
	shown := transcript
	if shown == "" {
		shown = audioOnlyTranscript
	}

	var b strings.Builder
	fmt.Fprintf(&b, coachingBody, shown)

	if ctx != nil {
		if name := strings.TrimSpace(ctx.CustomerName); name != "" {
			score := strings.TrimSpace(ctx.ProtectionScore)
			if score == "" {
				score = "N/A"
			}
			fmt.Fprintf(&b, "\n\nCUSTOMER CONTEXT: Pitching to %s (Protection Score: %s)", name, score)
		}
		if title := strings.TrimSpace(ctx.ScenarioTitle); title != "" {
			text := strings.TrimSpace(ctx.ScenarioText)
			if text == "" {
				text = "Voice coaching practice"
			}
			fmt.Fprintf(&b, "\nSCENARIO: %s - %s", title, text)
		}
	}

	if transcript != "" {
		fmt.Fprintf(&b, "\n\nRemember: this person said %q. Coach these exact words, not generic advice.", transcript)
	}
	return b.String()
}

// ScoreString renders a loosely typed JSON score for the prompt.
func ScoreString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return fmt.Sprintf("%g", s)
	default:
		return fmt.Sprint(s)
	}
}
