package protocol

import "encoding/json"

// Realtime-LLM client event types.
const (
	RealtimeSessionUpdate    = "session.update"
	RealtimeInputAudioAppend = "input_audio_buffer.append"
	RealtimeInputAudioCommit = "input_audio_buffer.commit"
	RealtimeInputAudioClear  = "input_audio_buffer.clear"
	RealtimeResponseCreate   = "response.create"
	RealtimeResponseCancel   = "response.cancel"
)

// Realtime-LLM server event types. Both the beta and GA names are accepted.
const (
	RealtimeError                 = "error"
	RealtimeSessionCreated        = "session.created"
	RealtimeSessionUpdated        = "session.updated"
	RealtimeAudioDelta            = "response.audio.delta"
	RealtimeOutputAudioDelta      = "response.output_audio.delta"
	RealtimeAudioDone             = "response.audio.done"
	RealtimeOutputAudioDone       = "response.output_audio.done"
	RealtimeTranscriptDelta       = "response.audio_transcript.delta"
	RealtimeOutputTranscriptDelta = "response.output_audio_transcript.delta"
	RealtimeResponseDone          = "response.done"
	RealtimeResponseCompleted     = "response.completed"
	RealtimeInputAudioCommitted   = "input_audio_buffer.committed"
	RealtimeRateLimitsUpdated     = "rate_limits.updated"
)

type RealtimeTranscription struct {
	Model string `json:"model"`
}

// RealtimeSession configures manual turn-taking: TurnDetection is always
// serialised as null so the vendor never answers partial input.
type RealtimeSession struct {
	Modalities              []string               `json:"modalities"`
	Instructions            string                 `json:"instructions,omitempty"`
	Voice                   string                 `json:"voice,omitempty"`
	InputAudioFormat        string                 `json:"input_audio_format"`
	OutputAudioFormat       string                 `json:"output_audio_format"`
	InputAudioTranscription *RealtimeTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *struct{}              `json:"turn_detection"`
	Temperature             float64                `json:"temperature,omitempty"`
}

type RealtimeSessionUpdateEvent struct {
	Type    string          `json:"type"`
	Session RealtimeSession `json:"session"`
}

type RealtimeAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type RealtimeCommitEvent struct {
	Type string `json:"type"`
}

type RealtimeResponseCreateEvent struct {
	Type     string         `json:"type"`
	Response map[string]any `json:"response"`
}

// RealtimeAudioDeltaEvent carries one base64 PCM16 delta.
type RealtimeAudioDeltaEvent struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

type RealtimeTranscriptDeltaEvent struct {
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
}

type RealtimeAudioDoneEvent struct {
	ResponseID string `json:"response_id"`
}

type RealtimeResponseDoneEvent struct {
	Response struct {
		ID     string          `json:"id"`
		Status string          `json:"status"`
		Usage  json.RawMessage `json:"usage,omitempty"`
	} `json:"response"`
}

type RealtimeErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RealtimeSessionEvent covers session.created and session.updated.
type RealtimeSessionEvent struct {
	Session struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"session"`
}

// ParseRealtimeEvent decodes one inbound realtime-LLM frame.
func ParseRealtimeEvent(raw []byte) (any, error) {
	typ, err := decodeEnvelope(raw, "type")
	if err != nil {
		return nil, err
	}
	switch typ {
	case RealtimeAudioDelta, RealtimeOutputAudioDelta:
		return decodeAs[RealtimeAudioDeltaEvent](raw)
	case RealtimeTranscriptDelta, RealtimeOutputTranscriptDelta:
		return decodeAs[RealtimeTranscriptDeltaEvent](raw)
	case RealtimeAudioDone, RealtimeOutputAudioDone:
		return decodeAs[RealtimeAudioDoneEvent](raw)
	case RealtimeResponseDone, RealtimeResponseCompleted:
		return decodeAs[RealtimeResponseDoneEvent](raw)
	case RealtimeError:
		return decodeAs[RealtimeErrorEvent](raw)
	case RealtimeSessionCreated, RealtimeSessionUpdated:
		return decodeAs[RealtimeSessionEvent](raw)
	default:
		return Unknown{Type: typ, Raw: raw}, nil
	}
}
