package protocol

// Telephony media-stream event names, used in both directions.
const (
	TelephonyConnected = "connected"
	TelephonyStart     = "start"
	TelephonyMedia     = "media"
	TelephonyMark      = "mark"
	TelephonyStop      = "stop"
	TelephonyDTMF      = "dtmf"
)

type TelephonyConnectedEvent struct {
	Protocol  string `json:"protocol"`
	Version   string `json:"version"`
	StreamSID string `json:"streamSid"`
}

type TelephonyStartEvent struct {
	StreamSID string `json:"streamSid"`
	Start     struct {
		AccountSID  string   `json:"accountSid"`
		CallSID     string   `json:"callSid"`
		StreamSID   string   `json:"streamSid"`
		Tracks      []string `json:"tracks"`
		MediaFormat struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sampleRate"`
			Channels   int    `json:"channels"`
		} `json:"mediaFormat"`
	} `json:"start"`
}

type TelephonyMediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type TelephonyMediaEvent struct {
	StreamSID string                `json:"streamSid"`
	Media     TelephonyMediaPayload `json:"media"`
}

type TelephonyMarkPayload struct {
	Name string `json:"name"`
}

type TelephonyMarkEvent struct {
	StreamSID string               `json:"streamSid"`
	Mark      TelephonyMarkPayload `json:"mark"`
}

type TelephonyStopEvent struct {
	StreamSID string `json:"streamSid"`
	Stop      struct {
		CallSID string `json:"callSid"`
	} `json:"stop"`
}

// Outbound frames.

type TelephonyOutboundMedia struct {
	Event     string                `json:"event"`
	StreamSID string                `json:"streamSid"`
	Media     TelephonyMediaPayload `json:"media"`
}

type TelephonyOutboundMark struct {
	Event     string               `json:"event"`
	StreamSID string               `json:"streamSid"`
	Mark      TelephonyMarkPayload `json:"mark"`
}

type TelephonyOutboundStop struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// ParseTelephonyEvent decodes one inbound media-stream frame.
func ParseTelephonyEvent(raw []byte) (any, error) {
	typ, err := decodeEnvelope(raw, "event")
	if err != nil {
		return nil, err
	}
	switch typ {
	case TelephonyConnected:
		return decodeAs[TelephonyConnectedEvent](raw)
	case TelephonyStart:
		return decodeAs[TelephonyStartEvent](raw)
	case TelephonyMedia:
		return decodeAs[TelephonyMediaEvent](raw)
	case TelephonyMark:
		return decodeAs[TelephonyMarkEvent](raw)
	case TelephonyStop:
		return decodeAs[TelephonyStopEvent](raw)
	default:
		return Unknown{Type: typ, Raw: raw}, nil
	}
}
