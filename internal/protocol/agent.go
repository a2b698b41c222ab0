package protocol

// Voice-agent client message types.
const (
	AgentSettings  = "Settings"
	AgentKeepAlive = "KeepAlive"
)

// Voice-agent server event types.
const (
	AgentWelcome             = "Welcome"
	AgentSettingsApplied     = "SettingsApplied"
	AgentConversationText    = "ConversationText"
	AgentUserStartedSpeaking = "UserStartedSpeaking"
	AgentThinking            = "AgentThinking"
	AgentStartedSpeaking     = "AgentStartedSpeaking"
	AgentAudioDone           = "AgentAudioDone"
	AgentErrorEvent          = "Error"
	AgentWarningEvent        = "Warning"
)

type AgentAudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentProvider struct {
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`
}

type AgentStage struct {
	Provider AgentProvider `json:"provider"`
	Prompt   string        `json:"prompt,omitempty"`
}

type AgentSettingsMessage struct {
	Type  string `json:"type"`
	Audio struct {
		Input  AgentAudioFormat `json:"input"`
		Output AgentAudioFormat `json:"output"`
	} `json:"audio"`
	Agent struct {
		Language string     `json:"language,omitempty"`
		Listen   AgentStage `json:"listen"`
		Think    AgentStage `json:"think"`
		Speak    AgentStage `json:"speak"`
		Greeting string     `json:"greeting,omitempty"`
	} `json:"agent"`
}

type AgentKeepAliveMessage struct {
	Type string `json:"type"`
}

type AgentWelcomeEvent struct {
	RequestID string `json:"request_id"`
}

type AgentConversationTextEvent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AgentStartedSpeakingEvent struct {
	TotalLatency float64 `json:"total_latency"`
	TTSLatency   float64 `json:"tts_latency"`
	TTTLatency   float64 `json:"ttt_latency"`
}

type AgentAudioDoneEvent struct{}

type AgentSettingsAppliedEvent struct{}

// AgentNoticeEvent covers both Error and Warning frames.
type AgentNoticeEvent struct {
	Kind        string `json:"type"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

// ParseAgentEvent decodes one inbound voice-agent text frame. Binary frames
// carry raw PCM16 and never reach this function.
func ParseAgentEvent(raw []byte) (any, error) {
	typ, err := decodeEnvelope(raw, "type")
	if err != nil {
		return nil, err
	}
	switch typ {
	case AgentWelcome:
		return decodeAs[AgentWelcomeEvent](raw)
	case AgentSettingsApplied:
		return AgentSettingsAppliedEvent{}, nil
	case AgentConversationText:
		return decodeAs[AgentConversationTextEvent](raw)
	case AgentStartedSpeaking:
		return decodeAs[AgentStartedSpeakingEvent](raw)
	case AgentAudioDone:
		return AgentAudioDoneEvent{}, nil
	case AgentErrorEvent, AgentWarningEvent:
		return decodeAs[AgentNoticeEvent](raw)
	default:
		return Unknown{Type: typ, Raw: raw}, nil
	}
}
