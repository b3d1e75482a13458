package upstream

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ApologyText is returned when retries are exhausted and nothing usable
// came back.
const ApologyText = "Sorry, I couldn't process your message right now. Please try again in a moment."

const maxEcho = 120

func busyPlaceholder(t Turn) string {
	var b strings.Builder
	if echo := echoTranscript(t.Transcript); echo != "" {
		fmt.Fprintf(&b, "Thanks for practicing! I heard you say %q. ", echo)
	} else {
		b.WriteString("Thanks for your voice message! ")
	}
	b.WriteString("The coaching service is busy right now, so here is a quick tip while it catches up: ")
	if t.CustomerName != "" {
		fmt.Fprintf(&b, "open with what matters most to %s, ", t.CustomerName)
	} else {
		b.WriteString("open with what matters most to your customer, ")
	}
	b.WriteString("back it with one specific example, and close with a clear next step.")
	return b.String()
}

func blockedPlaceholder(t Turn) string {
	var b strings.Builder
	b.WriteString("I couldn't generate detailed coaching for that message. ")
	if t.ScenarioTitle != "" {
		fmt.Fprintf(&b, "Try rephrasing your pitch for the %q scenario ", t.ScenarioTitle)
	} else {
		b.WriteString("Try rephrasing your pitch ")
	}
	b.WriteString("with a focus on the customer's needs and the value you offer.")
	return b.String()
}

func truncatedPlaceholder(t Turn) string {
	if echo := echoTranscript(t.Transcript); echo != "" {
		return fmt.Sprintf("Your message %q was received, but the coaching reply ran long and was cut off. "+
			"Try a shorter pitch focused on one key benefit.", echo)
	}
	return "Your message was received, but the coaching reply ran long and was cut off. " +
		"Try a shorter pitch focused on one key benefit."
}

func echoTranscript(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxEcho {
		return s
	}
	r := []rune(s)
	return string(r[:maxEcho]) + "..."
}
