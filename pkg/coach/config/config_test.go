package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

var coachEnvKeys = []string{
	"GEMINI_API_KEY",
	"GEMINI_MODEL",
	"GEMINI_VOICE",
	"GEMINI_RESPONSE_MODALITIES",
	"GEMINI_STREAM_URL",
	"GEMINI_BASE_URL",
	"VOICE_COACH_HOST",
	"VOICE_COACH_PORT",
	"LOG_LEVEL",
	"VOICE_COACH_HANDSHAKE_TIMEOUT",
	"VOICE_COACH_RESPONSE_TIMEOUT",
	"VOICE_COACH_FALLBACK_TIMEOUT",
	"VOICE_COACH_PROBE_TIMEOUT",
	"VOICE_COACH_HEALTH_INTERVAL",
	"VOICE_COACH_STATS_INTERVAL",
	"VOICE_COACH_SHUTDOWN_GRACE",
	"VOICE_COACH_WS_PING_INTERVAL",
	"VOICE_COACH_WS_READ_TIMEOUT",
	"VOICE_COACH_WS_WRITE_TIMEOUT",
	"VOICE_COACH_MAX_MESSAGE_BYTES",
	"VOICE_COACH_AUDIO_MAX_FPS",
	"VOICE_COACH_AUDIO_MAX_BPS",
	"VOICE_COACH_AUDIO_BURST_SECONDS",
	"VOICE_COACH_SCORING_RULES",
	"VOICE_COACH_CORS_ORIGINS",
}

func clearCoachEnv(t *testing.T) {
	t.Helper()
	for _, key := range coachEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearCoachEnv(t)
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Model != DefaultModel {
		t.Fatalf("Model = %q, want %q", cfg.Model, DefaultModel)
	}
	if cfg.Addr() != "localhost:8080" {
		t.Fatalf("Addr() = %q, want localhost:8080", cfg.Addr())
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v, want INFO", cfg.LogLevel)
	}
	if cfg.ResponseModality != ModalityText {
		t.Fatalf("ResponseModality = %q, want TEXT", cfg.ResponseModality)
	}
	if cfg.StreamURL != DefaultStreamURL {
		t.Fatalf("StreamURL = %q", cfg.StreamURL)
	}
	if cfg.HandshakeTimeout != 5*time.Second {
		t.Fatalf("HandshakeTimeout = %v, want 5s", cfg.HandshakeTimeout)
	}
	if cfg.ResponseTimeout != 30*time.Second {
		t.Fatalf("ResponseTimeout = %v, want 30s", cfg.ResponseTimeout)
	}
	if cfg.HealthInterval != time.Minute {
		t.Fatalf("HealthInterval = %v, want 1m", cfg.HealthInterval)
	}
	if cfg.StatsInterval != 5*time.Minute {
		t.Fatalf("StatsInterval = %v, want 5m", cfg.StatsInterval)
	}
	if cfg.MaxMessageBytes != 10<<20 {
		t.Fatalf("MaxMessageBytes = %d, want %d", cfg.MaxMessageBytes, int64(10<<20))
	}
	if len(cfg.CORSAllowedOrigin) != 0 {
		t.Fatalf("CORSAllowedOrigin = %v, want empty", cfg.CORSAllowedOrigin)
	}
	if cfg.WSReadTimeout != 2*cfg.WSPingInterval {
		t.Fatalf("WSReadTimeout = %v, want twice WSPingInterval %v", cfg.WSReadTimeout, cfg.WSPingInterval)
	}
}

func TestLoadFromEnv_MissingCredential(t *testing.T) {
	clearCoachEnv(t)

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatalf("expected error when GEMINI_API_KEY is missing")
	}
	if !strings.Contains(err.Error(), "GEMINI_API_KEY") {
		t.Fatalf("error = %q, want mention of GEMINI_API_KEY", err)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearCoachEnv(t)
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("GEMINI_MODEL", "gemini-2.0-flash-exp")
	t.Setenv("GEMINI_RESPONSE_MODALITIES", "audio")
	t.Setenv("VOICE_COACH_HOST", "0.0.0.0")
	t.Setenv("VOICE_COACH_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("VOICE_COACH_RESPONSE_TIMEOUT", "12s")
	t.Setenv("VOICE_COACH_CORS_ORIGINS", "http://localhost:3000, https://coach.example")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Model != "gemini-2.0-flash-exp" {
		t.Fatalf("Model = %q", cfg.Model)
	}
	if cfg.ResponseModality != ModalityAudio {
		t.Fatalf("ResponseModality = %q, want AUDIO", cfg.ResponseModality)
	}
	if cfg.Addr() != "0.0.0.0:9090" {
		t.Fatalf("Addr() = %q", cfg.Addr())
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v, want DEBUG", cfg.LogLevel)
	}
	if cfg.ResponseTimeout != 12*time.Second {
		t.Fatalf("ResponseTimeout = %v, want 12s", cfg.ResponseTimeout)
	}
	if _, ok := cfg.CORSAllowedOrigin["https://coach.example"]; !ok || len(cfg.CORSAllowedOrigin) != 2 {
		t.Fatalf("CORSAllowedOrigin = %v", cfg.CORSAllowedOrigin)
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{name: "port out of range", key: "VOICE_COACH_PORT", val: "70000", want: "VOICE_COACH_PORT"},
		{name: "bad modality", key: "GEMINI_RESPONSE_MODALITIES", val: "VIDEO", want: "GEMINI_RESPONSE_MODALITIES"},
		{name: "bad stream url", key: "GEMINI_STREAM_URL", val: "https://example.com", want: "GEMINI_STREAM_URL"},
		{name: "bad log level", key: "LOG_LEVEL", val: "loud", want: "LOG_LEVEL"},
		{name: "stats shorter than health", key: "VOICE_COACH_STATS_INTERVAL", val: "1s", want: "VOICE_COACH_STATS_INTERVAL"},
		{name: "read timeout not above ping", key: "VOICE_COACH_WS_READ_TIMEOUT", val: "10s", want: "VOICE_COACH_WS_READ_TIMEOUT"},
		{name: "negative fps", key: "VOICE_COACH_AUDIO_MAX_FPS", val: "-1", want: "VOICE_COACH_AUDIO_MAX_FPS"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearCoachEnv(t)
			t.Setenv("GEMINI_API_KEY", "test-key")
			t.Setenv(tc.key, tc.val)

			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %q, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"Warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
	}
	for raw, want := range cases {
		got, err := ParseLogLevel(raw)
		if err != nil {
			t.Fatalf("ParseLogLevel(%q) error = %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
