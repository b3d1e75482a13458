package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Inbound message types.
const (
	TypeVoiceData         = "voice_data"
	TypeAudioStream       = "audio_stream"
	TypeStartPitchSession = "start_pitch_session"
	TypePing              = "ping"
)

// Outbound frame types.
const (
	TypeConnected         = "connected"
	TypeProcessingStarted = "processingStarted"
	TypeTextFeedback      = "textFeedback"
	TypeAudioResponse     = "audioResponse"
	TypeStreamResponse    = "streamResponse"
	TypeSessionStarted    = "sessionStarted"
	TypePong              = "pong"
	TypeError             = "error"
	TypeServerShutdown    = "serverShutdown"
)

const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
	OutputChannels   = 1
	OutputMimeType   = "audio/pcm;rate=24000"
	AudioEncoding    = "linear16"
)

// Decode error codes.
const (
	CodeInvalidJSON  = "invalid_json"
	CodeUnknownType  = "unknown_type"
	CodeBadRequest   = "bad_request"
	CodeMissingInput = "missing_input"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

// Customer is the optional prospect the user is pitching to.
type Customer struct {
	Name            string `json:"name,omitempty"`
	ProtectionScore any    `json:"protectionScore,omitempty"`
	FamilySize      any    `json:"familySize,omitempty"`
	TechUsage       string `json:"techUsage,omitempty"`
}

// Scenario is the optional practice scenario attached to a message.
type Scenario struct {
	Title        string          `json:"title,omitempty"`
	Scenario     string          `json:"scenario,omitempty"`
	CoachingTips json.RawMessage `json:"coachingTips,omitempty"`
}

type VoiceData struct {
	Type            string    `json:"type"`
	AudioB64        string    `json:"audio,omitempty"`
	TranscribedText string    `json:"transcribedText,omitempty"`
	Customer        *Customer `json:"customer,omitempty"`
	Scenario        *Scenario `json:"scenario,omitempty"`

	Audio []byte `json:"-"`
}

type AudioStream struct {
	Type     string `json:"type"`
	ChunkB64 string `json:"chunk,omitempty"`
	Final    bool   `json:"final,omitempty"`

	Chunk []byte `json:"-"`
}

type StartPitchSession struct {
	Type     string    `json:"type"`
	Customer *Customer `json:"customer,omitempty"`
	Scenario *Scenario `json:"scenario,omitempty"`
}

type Ping struct {
	Type string `json:"type"`
}

// DecodeClientMessage classifies one inbound text frame by its type field and
// returns the typed message. Failures are *DecodeError values whose Message is
// suitable for an error frame.
func DecodeClientMessage(data []byte) (any, error) {
	var peek struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, &DecodeError{Code: CodeInvalidJSON, Message: "Invalid JSON format"}
	}
	typ := "unknown"
	if peek.Type != nil && strings.TrimSpace(*peek.Type) != "" {
		typ = strings.TrimSpace(*peek.Type)
	}

	switch typ {
	case TypeVoiceData:
		var msg VoiceData
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("Invalid voice_data payload", "")
		}
		msg.Type = typ
		msg.TranscribedText = strings.TrimSpace(msg.TranscribedText)
		if msg.AudioB64 != "" {
			audio, err := decodeBase64(msg.AudioB64)
			if err != nil {
				return nil, badRequest("voice_data.audio must be base64", "audio")
			}
			msg.Audio = audio
		}
		if msg.TranscribedText == "" && len(msg.Audio) == 0 {
			return nil, &DecodeError{Code: CodeMissingInput, Message: "No audio or transcription provided"}
		}
		return msg, nil
	case TypeAudioStream:
		var msg AudioStream
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("Invalid audio_stream payload", "")
		}
		msg.Type = typ
		if msg.ChunkB64 != "" {
			chunk, err := decodeBase64(msg.ChunkB64)
			if err != nil {
				return nil, badRequest("audio_stream.chunk must be base64", "chunk")
			}
			msg.Chunk = chunk
		}
		return msg, nil
	case TypeStartPitchSession:
		var msg StartPitchSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("Invalid start_pitch_session payload", "")
		}
		msg.Type = typ
		return msg, nil
	case TypePing:
		return Ping{Type: typ}, nil
	default:
		return nil, &DecodeError{Code: CodeUnknownType, Message: "Unknown message type: " + typ, Param: "type"}
	}
}

func decodeBase64(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, ";base64,"); i >= 0 && strings.HasPrefix(raw, "data:") {
		raw = raw[i+len(";base64,"):]
	}
	out, err := base64.StdEncoding.DecodeString(raw)
	if err == nil {
		return out, nil
	}
	return base64.RawStdEncoding.DecodeString(raw)
}

// Envelope is the shape of every outbound frame.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

func NewEnvelope(typ string, data any, now time.Time) Envelope {
	return Envelope{Type: typ, Timestamp: FormatTimestamp(now), Data: data}
}

// FormatTimestamp renders t as ISO-8601 with sub-second precision.
func FormatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

type AudioConfig struct {
	InputRate  int    `json:"inputRate"`
	OutputRate int    `json:"outputRate"`
	Encoding   string `json:"encoding"`
}

func DefaultAudioConfig() AudioConfig {
	return AudioConfig{InputRate: InputSampleRate, OutputRate: OutputSampleRate, Encoding: AudioEncoding}
}

type ConnectedData struct {
	Status         string      `json:"status"`
	Message        string      `json:"message"`
	ClientID       string      `json:"clientId"`
	Model          string      `json:"model"`
	ConnectionType string      `json:"connectionType"`
	AudioConfig    AudioConfig `json:"audioConfig"`
}

type ProcessingStartedData struct {
	Message    string `json:"message"`
	Transcript string `json:"transcript"`
}

type TextFeedbackData struct {
	Message          string   `json:"message"`
	Score            int      `json:"score"`
	Improvements     []string `json:"improvements"`
	Achievements     []string `json:"achievements"`
	ProgressPercent  *int     `json:"progressPercent"`
	Model            string   `json:"model"`
	ProcessingTime   string   `json:"processingTime"`
	HasAudioResponse bool     `json:"hasAudioResponse"`
	TranscribedText  string   `json:"transcribedText"`
	ConnectionType   string   `json:"connectionType"`
	ProcessingMS     int64    `json:"processingMs"`
}

// AudioResponseData carries PCM bytes; encoding/json renders AudioData as base64.
type AudioResponseData struct {
	AudioData  []byte `json:"audioData"`
	MimeType   string `json:"mimeType"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Size       int    `json:"size"`
}

func NewAudioResponse(pcm []byte) AudioResponseData {
	return AudioResponseData{
		AudioData:  pcm,
		MimeType:   OutputMimeType,
		SampleRate: OutputSampleRate,
		Channels:   OutputChannels,
		Size:       len(pcm),
	}
}

type StreamResponseData struct {
	Text     string `json:"text"`
	HasAudio bool   `json:"hasAudio"`
	Final    bool   `json:"final"`
}

type SessionStartedData struct {
	Message  string `json:"message"`
	Customer string `json:"customer"`
	Scenario string `json:"scenario"`
	Model    string `json:"model"`
	Ready    bool   `json:"ready"`
}

type PongData struct {
	Timestamp float64 `json:"timestamp"`
}

func NewPong(now time.Time) PongData {
	return PongData{Timestamp: float64(now.UnixNano()) / float64(time.Second)}
}

type ErrorData struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Code     string `json:"code,omitempty"`
}

func NewError(code, message string) ErrorData {
	return ErrorData{Message: message, Severity: "error", Code: code}
}

type ServerShutdownData struct {
	Message   string `json:"message"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}
