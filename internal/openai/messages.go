package openai

import "github.com/maladrill/asterisk-to-openai-rt-community/internal/config"

// Client → server event types.
const (
	typeSessionUpdate    = "session.update"
	typeItemCreate       = "conversation.item.create"
	typeResponseCreate   = "response.create"
	typeInputAudioAppend = "input_audio_buffer.append"
)

// Server → client event types.
const (
	typeSessionCreated         = "session.created"
	typeSessionUpdated         = "session.updated"
	typeItemCreated            = "conversation.item.created"
	typeResponseCreated        = "response.created"
	typeAudioDelta             = "response.audio.delta"
	typeAudioDone              = "response.audio.done"
	typeTranscriptDone         = "response.audio_transcript.done"
	typeInputTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	typeError                  = "error"
)

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice"`
	Instructions            string               `json:"instructions"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           map[string]any       `json:"turn_detection"`
}

type transcriptionConfig struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type itemCreateEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Item    item   `json:"item"`
}

type item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreateEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

type inputAudioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// serverEvent is a union decode of every server event the session
// consumes; unused fields stay zero.
type serverEvent struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id"`
	Delta      string       `json:"delta"`
	Transcript string       `json:"transcript"`
	Item       *serverItem  `json:"item"`
	Error      *serverError `json:"error"`
}

type serverItem struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Role string `json:"role"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// turnDetection builds the wire shape for the normalized VAD settings.
// server_vad carries its three tuning knobs; semantic_vad is sent bare.
func turnDetection(v config.VAD) map[string]any {
	if v.Type == "semantic_vad" {
		return map[string]any{"type": "semantic_vad"}
	}
	return map[string]any{
		"type":                "server_vad",
		"threshold":           v.Threshold,
		"prefix_padding_ms":   v.PrefixPaddingMS,
		"silence_duration_ms": v.SilenceDurationMS,
	}
}
