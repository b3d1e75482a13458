package feedback

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rules is the YAML shape of the keyword heuristics.
type Rules struct {
	Score        ScoreRules `yaml:"score"`
	Improvements ListRules  `yaml:"improvements"`
	Achievements ListRules  `yaml:"achievements"`
	Progress     struct {
		PerMessage int `yaml:"per_message"`
		Max        int `yaml:"max"`
	} `yaml:"progress"`
}

type ScoreRules struct {
	Baseline      int `yaml:"baseline"`
	Min           int `yaml:"min"`
	Max           int `yaml:"max"`
	LengthBonuses []struct {
		OverChars int `yaml:"over_chars"`
		Points    int `yaml:"points"`
	} `yaml:"length_bonuses"`
	TranscriptKeywords KeywordBonus `yaml:"transcript_keywords"`
	ReplyKeywords      KeywordBonus `yaml:"reply_keywords"`
}

type KeywordBonus struct {
	Words      []string `yaml:"words"`
	PointsEach int      `yaml:"points_each"`
	Cap        int      `yaml:"cap"`
}

type ListRules struct {
	Limit int `yaml:"limit"`
	Rules []struct {
		Match []string `yaml:"match"`
		Text  string   `yaml:"text"`
	} `yaml:"rules"`
	Defaults []string `yaml:"defaults"`
}

// DefaultRules returns the built-in heuristics.
func DefaultRules() (Rules, error) {
	return ParseRules(bytes.NewReader(defaultRulesYAML))
}

// LoadRules reads heuristics from a YAML file.
func LoadRules(path string) (Rules, error) {
	f, err := os.Open(path)
	if err != nil {
		return Rules{}, fmt.Errorf("open scoring rules: %w", err)
	}
	defer f.Close()
	rules, err := ParseRules(f)
	if err != nil {
		return Rules{}, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

func ParseRules(r io.Reader) (Rules, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var rules Rules
	if err := dec.Decode(&rules); err != nil {
		if errors.Is(err, io.EOF) {
			return Rules{}, errors.New("scoring rules are empty")
		}
		return Rules{}, fmt.Errorf("parse scoring rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, err
	}
	return rules.normalized(), nil
}

func (r Rules) Validate() error {
	s := r.Score
	if s.Min < 0 || s.Max > 100 || s.Min > s.Max {
		return fmt.Errorf("score bounds must satisfy 0 <= min <= max <= 100")
	}
	if s.Baseline < s.Min || s.Baseline > s.Max {
		return fmt.Errorf("score.baseline must be within [min, max]")
	}
	if r.Improvements.Limit <= 0 || r.Improvements.Limit > 3 {
		return fmt.Errorf("improvements.limit must be in 1..3")
	}
	if r.Achievements.Limit <= 0 || r.Achievements.Limit > 3 {
		return fmt.Errorf("achievements.limit must be in 1..3")
	}
	if len(r.Improvements.Defaults) == 0 {
		return fmt.Errorf("improvements.defaults must not be empty")
	}
	if len(r.Achievements.Defaults) == 0 {
		return fmt.Errorf("achievements.defaults must not be empty")
	}
	if r.Progress.PerMessage <= 0 {
		return fmt.Errorf("progress.per_message must be > 0")
	}
	if r.Progress.Max <= 0 || r.Progress.Max > 100 {
		return fmt.Errorf("progress.max must be in 1..100")
	}
	return nil
}

func (r Rules) normalized() Rules {
	lower := func(words []string) []string {
		out := make([]string, 0, len(words))
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				out = append(out, w)
			}
		}
		return out
	}
	r.Score.TranscriptKeywords.Words = lower(r.Score.TranscriptKeywords.Words)
	r.Score.ReplyKeywords.Words = lower(r.Score.ReplyKeywords.Words)
	for i := range r.Improvements.Rules {
		r.Improvements.Rules[i].Match = lower(r.Improvements.Rules[i].Match)
	}
	for i := range r.Achievements.Rules {
		r.Achievements.Rules[i].Match = lower(r.Achievements.Rules[i].Match)
	}
	return r
}

// KeywordStrategy scores by case-insensitive substring matches.
type KeywordStrategy struct {
	rules Rules
}

func NewKeywordStrategy(rules Rules) (*KeywordStrategy, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &KeywordStrategy{rules: rules.normalized()}, nil
}

// LoadStrategy builds a KeywordStrategy from path, or from the built-in
// rules when path is empty.
func LoadStrategy(path string) (*KeywordStrategy, error) {
	var (
		rules Rules
		err   error
	)
	if strings.TrimSpace(path) == "" {
		rules, err = DefaultRules()
	} else {
		rules, err = LoadRules(path)
	}
	if err != nil {
		return nil, err
	}
	return NewKeywordStrategy(rules)
}

func (k *KeywordStrategy) Score(transcript, reply string) int {
	s := k.rules.Score
	score := s.Baseline

	n := utf8.RuneCountInString(transcript)
	for _, b := range s.LengthBonuses {
		if n > b.OverChars {
			score += b.Points
		}
	}
	score += s.TranscriptKeywords.apply(strings.ToLower(transcript))
	score += s.ReplyKeywords.apply(strings.ToLower(reply))

	return clamp(score, s.Min, s.Max)
}

func (b KeywordBonus) apply(text string) int {
	hits := 0
	for _, w := range b.Words {
		if strings.Contains(text, w) {
			hits++
		}
	}
	points := hits * b.PointsEach
	if b.Cap > 0 && points > b.Cap {
		points = b.Cap
	}
	return points
}

func (k *KeywordStrategy) Improvements(reply string) []string {
	return k.rules.Improvements.pick(strings.ToLower(reply))
}

func (k *KeywordStrategy) Achievements(reply string) []string {
	return k.rules.Achievements.pick(strings.ToLower(reply))
}

func (l ListRules) pick(text string) []string {
	out := make([]string, 0, l.Limit)
	for _, rule := range l.Rules {
		if len(out) == l.Limit {
			break
		}
		for _, w := range rule.Match {
			if strings.Contains(text, w) {
				out = append(out, rule.Text)
				break
			}
		}
	}
	if len(out) == 0 {
		out = append(out, l.Defaults...)
	}
	if len(out) > l.Limit {
		out = out[:l.Limit]
	}
	return out
}

func (k *KeywordStrategy) Progress(ctx *Context) *int {
	if ctx == nil {
		return nil
	}
	p := ctx.MessageCount * k.rules.Progress.PerMessage
	p = clamp(p, 0, k.rules.Progress.Max)
	return &p
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
