package feedback

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func defaultStrategy(t *testing.T) *KeywordStrategy {
	t.Helper()
	s, err := LoadStrategy("")
	if err != nil {
		t.Fatalf("LoadStrategy(\"\") error = %v", err)
	}
	return s
}

func TestKeywordStrategy_Score(t *testing.T) {
	s := defaultStrategy(t)
	long := strings.Repeat("x", 101)

	tests := []struct {
		name       string
		transcript string
		reply      string
		want       int
	}{
		{name: "baseline", transcript: "hi", reply: "", want: 75},
		{name: "over 50 chars", transcript: strings.Repeat("x", 51), want: 80},
		{name: "exactly 50 chars", transcript: strings.Repeat("x", 50), want: 75},
		{name: "over 100 chars", transcript: long, want: 85},
		{name: "sales keywords", transcript: "Value and benefit", want: 79},
		{name: "sales keyword cap", transcript: "value benefit solution help save improve better", want: 75 + 10},
		{name: "reply positives capped", transcript: "hi", reply: "good excellent strong clear confident well", want: 80},
		{name: "clamped to max", transcript: long + " value benefit solution help save", reply: "good excellent strong clear confident", want: 95},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.Score(tc.transcript, tc.reply); got != tc.want {
				t.Fatalf("Score() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestKeywordStrategy_Lists(t *testing.T) {
	s := defaultStrategy(t)

	got := s.Improvements("Slow down, be confident, give an example and mention the value.")
	want := []string{
		"Adjust your speaking pace for better clarity",
		"Speak with more confidence and conviction",
		"Add specific examples to strengthen your message",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Improvements() = %v, want %v", got, want)
	}

	if got := s.Improvements("nothing relevant"); len(got) != 2 || got[0] != "Practice varying your tone for emphasis" {
		t.Fatalf("default Improvements() = %v", got)
	}

	got = s.Achievements("Clear, confident, well paced and engaging.")
	if len(got) != 3 || got[0] != "Clear and articulate delivery" || got[2] != "Well-structured message" {
		t.Fatalf("Achievements() = %v", got)
	}
	if got := s.Achievements(""); !reflect.DeepEqual(got, []string{"Voice message received and processed"}) {
		t.Fatalf("default Achievements() = %v", got)
	}
}

func TestKeywordStrategy_Progress(t *testing.T) {
	s := defaultStrategy(t)
	if p := s.Progress(nil); p != nil {
		t.Fatalf("Progress(nil) = %d, want nil", *p)
	}
	for count, want := range map[int]int{0: 0, 1: 20, 3: 60, 5: 100, 9: 100} {
		p := s.Progress(&Context{MessageCount: count})
		if p == nil || *p != want {
			t.Fatalf("Progress(%d) = %v, want %d", count, p, want)
		}
	}
}

func TestBuilder_Build(t *testing.T) {
	b := NewBuilder(defaultStrategy(t), "gemini-test")
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	fb := b.Build(Input{
		Transcript:     "This plan helps you save money and improve coverage for the whole family.",
		Reply:          "Good, clear pitch. Add a specific example.",
		Audio:          []byte{9, 8, 7},
		Context:        &Context{MessageCount: 2},
		ConnectionType: "streaming",
		StartedAt:      fixed.Add(-250 * time.Millisecond),
	})

	if fb.Message != "Good, clear pitch. Add a specific example." {
		t.Fatalf("Message = %q", fb.Message)
	}
	if fb.Score < 60 || fb.Score > 95 {
		t.Fatalf("Score = %d out of bounds", fb.Score)
	}
	if len(fb.Improvements) > 3 || len(fb.Achievements) > 3 {
		t.Fatalf("lists too long: %v %v", fb.Improvements, fb.Achievements)
	}
	if fb.ProgressPercent == nil || *fb.ProgressPercent != 40 {
		t.Fatalf("ProgressPercent = %v, want 40", fb.ProgressPercent)
	}
	if !fb.HasAudioResponse || len(fb.AudioResponse) != 3 {
		t.Fatalf("audio = %v %v", fb.HasAudioResponse, fb.AudioResponse)
	}
	if fb.Model != "gemini-test" || fb.ConnectionType != "streaming" {
		t.Fatalf("model=%q connectionType=%q", fb.Model, fb.ConnectionType)
	}
	if fb.ProcessingTook != 250*time.Millisecond || !fb.ProcessingTime.Equal(fixed) {
		t.Fatalf("timing = %v %v", fb.ProcessingTook, fb.ProcessingTime)
	}
}

func TestBuilder_EmptyReplyUsesDefaultMessage(t *testing.T) {
	b := NewBuilder(defaultStrategy(t), "m")
	fb := b.Build(Input{Transcript: "hi"})
	if fb.Message != DefaultMessage {
		t.Fatalf("Message = %q", fb.Message)
	}
	if fb.HasAudioResponse || fb.ProgressPercent != nil {
		t.Fatalf("unexpected audio/progress: %+v", fb)
	}
}

type wildStrategy struct{}

func (wildStrategy) Score(string, string) int { return 400 }
func (wildStrategy) Improvements(string) []string {
	return []string{"a", "", "b", "c", "d"}
}
func (wildStrategy) Achievements(string) []string { return nil }
func (wildStrategy) Progress(*Context) *int {
	p := -5
	return &p
}

func TestBuilder_EnforcesBoundsForAnyStrategy(t *testing.T) {
	fb := NewBuilder(wildStrategy{}, "m").Build(Input{Transcript: "x", Reply: "y"})
	if fb.Score != 100 {
		t.Fatalf("Score = %d, want 100", fb.Score)
	}
	if !reflect.DeepEqual(fb.Improvements, []string{"a", "b", "c"}) {
		t.Fatalf("Improvements = %v", fb.Improvements)
	}
	if fb.Achievements == nil || len(fb.Achievements) != 0 {
		t.Fatalf("Achievements = %#v, want empty non-nil", fb.Achievements)
	}
	if fb.ProgressPercent == nil || *fb.ProgressPercent != 0 {
		t.Fatalf("ProgressPercent = %v", fb.ProgressPercent)
	}
}

func TestLoadRules_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	body := `
score: {baseline: 70, min: 50, max: 90, transcript_keywords: {words: [Protect], points_each: 4, cap: 4}}
improvements: {limit: 1, rules: [{match: [tone], text: Vary tone}], defaults: [Keep going]}
achievements: {limit: 2, defaults: [Done]}
progress: {per_message: 50, max: 100}
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := LoadStrategy(path)
	if err != nil {
		t.Fatalf("LoadStrategy() error = %v", err)
	}
	if got := s.Score("we PROTECT you", ""); got != 74 {
		t.Fatalf("Score() = %d, want 74", got)
	}
	if got := s.Improvements("your TONE"); !reflect.DeepEqual(got, []string{"Vary tone"}) {
		t.Fatalf("Improvements() = %v", got)
	}
}

func TestParseRules_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":         ``,
		"unknown field": `bogus: 1`,
		"bad bounds":    `score: {baseline: 75, min: 90, max: 60}`,
		"no defaults": `
score: {baseline: 75, min: 60, max: 95}
improvements: {limit: 3}
achievements: {limit: 3, defaults: [x]}
progress: {per_message: 20, max: 100}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRules(strings.NewReader(body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
