package upstream

import "encoding/json"

// Wire shapes of the BidiGenerateContent streaming protocol, limited to the
// subset this relay sends and reads.

const (
	InputMimeType = "audio/pcm;rate=16000"

	streamTemperature     = 0.7
	streamTopP            = 0.9
	streamMaxOutputTokens = 1000
)

type setupMessage struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model             string           `json:"model"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SystemInstruction *wireContent     `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	Temperature        float64       `json:"temperature"`
	TopP               float64       `json:"topP"`
	MaxOutputTokens    int           `json:"maxOutputTokens"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text       string    `json:"text,omitempty"`
	InlineData *wireBlob `json:"inlineData,omitempty"`
}

// wireBlob.Data is base64 on the wire; encoding/json handles []byte that way.
type wireBlob struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []wireContent `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MimeType   string `json:"mimeType"`
	Data       []byte `json:"data"`
	FinalChunk bool   `json:"finalChunk,omitempty"`
}

// serverMessage is any inbound frame on the streaming socket.
type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         json.RawMessage  `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn    *wireContent `json:"modelTurn,omitempty"`
	TurnComplete bool         `json:"turnComplete,omitempty"`
	Interrupted  bool         `json:"interrupted,omitempty"`
}

func newSetupMessage(model, modality, voice, system string) setupMessage {
	msg := setupMessage{Setup: setupBody{
		Model: "models/" + model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{modality},
			Temperature:        streamTemperature,
			TopP:               streamTopP,
			MaxOutputTokens:    streamMaxOutputTokens,
		},
	}}
	if modality == "AUDIO" && voice != "" {
		sc := &speechConfig{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = voice
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}
	if system != "" {
		msg.Setup.SystemInstruction = &wireContent{Parts: []wirePart{{Text: system}}}
	}
	return msg
}

func newTurnMessage(text string, audio []byte) clientContentMessage {
	parts := make([]wirePart, 0, 2)
	if text != "" {
		parts = append(parts, wirePart{Text: text})
	}
	if len(audio) > 0 {
		parts = append(parts, wirePart{InlineData: &wireBlob{MimeType: InputMimeType, Data: audio}})
	}
	return clientContentMessage{ClientContent: clientContent{
		Turns:        []wireContent{{Role: "user", Parts: parts}},
		TurnComplete: true,
	}}
}

func newAudioChunkMessage(chunk []byte, final bool) realtimeInputMessage {
	return realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []mediaChunk{{MimeType: InputMimeType, Data: chunk, FinalChunk: final}},
	}}
}
