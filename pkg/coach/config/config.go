package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultModel     = "gemini-2.5-flash"
	DefaultVoice     = "Puck"
	DefaultStreamURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

	ModalityText  = "TEXT"
	ModalityAudio = "AUDIO"
)

type Config struct {
	// Provider
	APIKey            string
	Model             string
	Voice             string
	ResponseModality  string
	StreamURL         string
	FallbackBaseURL   string
	HandshakeTimeout  time.Duration
	ResponseTimeout   time.Duration
	FallbackTimeout   time.Duration
	ProbeTimeout      time.Duration
	ScoringRulesPath  string
	CORSAllowedOrigin map[string]struct{} // empty => any origin

	// Listener
	Host     string
	Port     int
	LogLevel slog.Level

	// Supervisor
	HealthInterval      time.Duration
	StatsInterval       time.Duration
	ShutdownGracePeriod time.Duration

	// Downstream websocket
	WSPingInterval   time.Duration
	WSReadTimeout    time.Duration // zero => 2 * WSPingInterval
	WSWriteTimeout   time.Duration
	MaxMessageBytes  int64
	AudioMaxFPS      int
	AudioMaxBPS      int64
	AudioBurstSecond int
}

// Addr returns the host:port the listener binds to.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		APIKey:              envOr("GEMINI_API_KEY", ""),
		Model:               envOr("GEMINI_MODEL", DefaultModel),
		Voice:               envOr("GEMINI_VOICE", DefaultVoice),
		ResponseModality:    strings.ToUpper(envOr("GEMINI_RESPONSE_MODALITIES", ModalityText)),
		StreamURL:           envOr("GEMINI_STREAM_URL", DefaultStreamURL),
		FallbackBaseURL:     envOr("GEMINI_BASE_URL", ""),
		HandshakeTimeout:    envDurationOr("VOICE_COACH_HANDSHAKE_TIMEOUT", 5*time.Second),
		ResponseTimeout:     envDurationOr("VOICE_COACH_RESPONSE_TIMEOUT", 30*time.Second),
		FallbackTimeout:     envDurationOr("VOICE_COACH_FALLBACK_TIMEOUT", 30*time.Second),
		ProbeTimeout:        envDurationOr("VOICE_COACH_PROBE_TIMEOUT", 10*time.Second),
		ScoringRulesPath:    envOr("VOICE_COACH_SCORING_RULES", ""),
		CORSAllowedOrigin:   make(map[string]struct{}),
		Host:                envOr("VOICE_COACH_HOST", "localhost"),
		Port:                envIntOr("VOICE_COACH_PORT", 8080),
		HealthInterval:      envDurationOr("VOICE_COACH_HEALTH_INTERVAL", 60*time.Second),
		StatsInterval:       envDurationOr("VOICE_COACH_STATS_INTERVAL", 5*time.Minute),
		ShutdownGracePeriod: envDurationOr("VOICE_COACH_SHUTDOWN_GRACE", 10*time.Second),
		WSPingInterval:      envDurationOr("VOICE_COACH_WS_PING_INTERVAL", 30*time.Second),
		WSReadTimeout:       envDurationOr("VOICE_COACH_WS_READ_TIMEOUT", 0),
		WSWriteTimeout:      envDurationOr("VOICE_COACH_WS_WRITE_TIMEOUT", 10*time.Second),
		MaxMessageBytes:     envInt64Or("VOICE_COACH_MAX_MESSAGE_BYTES", 10<<20),
		AudioMaxFPS:         envIntOr("VOICE_COACH_AUDIO_MAX_FPS", 100),
		AudioMaxBPS:         envInt64Or("VOICE_COACH_AUDIO_MAX_BPS", 512<<10),
		AudioBurstSecond:    envIntOr("VOICE_COACH_AUDIO_BURST_SECONDS", 2),
	}

	level, err := ParseLogLevel(envOr("LOG_LEVEL", "INFO"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level
	if cfg.WSReadTimeout == 0 {
		cfg.WSReadTimeout = 2 * cfg.WSPingInterval
	}

	for _, origin := range splitCSV(os.Getenv("VOICE_COACH_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigin[origin] = struct{}{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first configuration problem that would prevent startup.
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("GEMINI_MODEL must not be empty")
	}
	switch c.ResponseModality {
	case ModalityText, ModalityAudio:
	default:
		return fmt.Errorf("GEMINI_RESPONSE_MODALITIES must be one of TEXT|AUDIO")
	}
	if !strings.HasPrefix(c.StreamURL, "ws://") && !strings.HasPrefix(c.StreamURL, "wss://") {
		return fmt.Errorf("GEMINI_STREAM_URL must be a ws:// or wss:// url")
	}
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("VOICE_COACH_HOST must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("VOICE_COACH_PORT must be in 1..65535")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("VOICE_COACH_HANDSHAKE_TIMEOUT must be > 0")
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("VOICE_COACH_RESPONSE_TIMEOUT must be > 0")
	}
	if c.FallbackTimeout <= 0 {
		return fmt.Errorf("VOICE_COACH_FALLBACK_TIMEOUT must be > 0")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("VOICE_COACH_PROBE_TIMEOUT must be > 0")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("VOICE_COACH_HEALTH_INTERVAL must be > 0")
	}
	if c.StatsInterval < c.HealthInterval {
		return fmt.Errorf("VOICE_COACH_STATS_INTERVAL must be >= VOICE_COACH_HEALTH_INTERVAL")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VOICE_COACH_SHUTDOWN_GRACE must be > 0")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("VOICE_COACH_WS_PING_INTERVAL must be > 0")
	}
	if c.WSReadTimeout <= c.WSPingInterval {
		return fmt.Errorf("VOICE_COACH_WS_READ_TIMEOUT must be > VOICE_COACH_WS_PING_INTERVAL")
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("VOICE_COACH_WS_WRITE_TIMEOUT must be > 0")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("VOICE_COACH_MAX_MESSAGE_BYTES must be > 0")
	}
	if c.AudioMaxFPS < 0 {
		return fmt.Errorf("VOICE_COACH_AUDIO_MAX_FPS must be >= 0")
	}
	if c.AudioMaxBPS < 0 {
		return fmt.Errorf("VOICE_COACH_AUDIO_MAX_BPS must be >= 0")
	}
	if (c.AudioMaxFPS > 0 || c.AudioMaxBPS > 0) && c.AudioBurstSecond < 1 {
		return fmt.Errorf("VOICE_COACH_AUDIO_BURST_SECONDS must be >= 1 when audio limits are enabled")
	}
	return nil
}

// ParseLogLevel accepts the level names used by LOG_LEVEL.
func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR", "CRITICAL":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL must be one of DEBUG|INFO|WARN|ERROR")
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
