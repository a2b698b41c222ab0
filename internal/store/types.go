// Package store persists per-turn evaluation records.
package store

import (
	"context"
	"time"
)

// TurnRecord is one caller turn and the agent's reply.
type TurnRecord struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	Turn            int            `json:"turn"`
	Vendor          string         `json:"vendor"`
	CallerText      string         `json:"caller_text"`
	CallerAudioRef  string         `json:"caller_audio_ref,omitempty"`
	AgentAudioRef   string         `json:"agent_audio_ref,omitempty"`
	AgentTranscript string         `json:"agent_transcript,omitempty"`
	BytesReceived   int            `json:"bytes_received"`
	TimedOut        bool           `json:"timed_out"`
	DurationMS      int64          `json:"duration_ms"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Store persists and lists turn records.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// ListTurns returns a session's turns in turn order, at most limit when
	// limit is positive.
	ListTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}
