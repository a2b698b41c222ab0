// Package harness drives one evaluation conversation: it speaks caller text
// into a voice edge and captures, stores and transcribes the agent's reply.
package harness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/audio"
	"github.com/ent0n29/voicebench/internal/edge"
	"github.com/ent0n29/voicebench/internal/platform"
	"github.com/ent0n29/voicebench/internal/policy"
	"github.com/ent0n29/voicebench/internal/speech"
	"github.com/ent0n29/voicebench/internal/store"
)

var ErrNoSynthesizer = errors.New("harness: no synthesizer configured")

// Options wires a Client. Edge and TTS are required; the rest degrade to
// no-ops when nil or empty.
type Options struct {
	SessionID   string
	Edge        edge.VoiceEdge
	TTS         speech.Synthesizer
	ASR         speech.Transcriber
	Uploader    platform.Uploader
	Store       store.Store
	ArtifactDir string
	Logger      *zap.Logger
}

// VoiceOptions select how the caller sounds.
type VoiceOptions struct {
	Voice string `json:"voice,omitempty"`
}

// TurnResult is what one caller utterance produced.
type TurnResult struct {
	Turn            int           `json:"turn"`
	CallerText      string        `json:"caller_text"`
	CallerAudioRef  string        `json:"caller_audio_ref,omitempty"`
	AgentAudioRef   string        `json:"agent_audio_ref,omitempty"`
	AgentTranscript string        `json:"agent_transcript"`
	BytesReceived   int           `json:"bytes_received"`
	VendorMetadata  edge.Metadata `json:"vendor_metadata"`
	DurationMS      int64         `json:"duration_ms"`
}

// Client owns one edge and a turn counter. SendUtterance calls are
// serialised so the edge only ever sees one turn at a time.
type Client struct {
	opts Options
	log  *zap.Logger

	turnMu sync.Mutex
	turns  atomic.Int64
}

func New(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		opts: opts,
		log:  log.With(zap.String("session_id", opts.SessionID), zap.String("vendor", opts.Edge.Vendor())),
	}
}

func (c *Client) SessionID() string    { return c.opts.SessionID }
func (c *Client) Edge() edge.VoiceEdge { return c.opts.Edge }
func (c *Client) IsConnected() bool    { return c.opts.Edge.IsConnected() }
func (c *Client) Close() error         { return c.opts.Edge.Close() }

func (c *Client) Connect(ctx context.Context, opts edge.ConnectOptions) error {
	return c.opts.Edge.Connect(ctx, opts)
}

// Turns reports how many turns completed.
func (c *Client) Turns() int {
	return int(c.turns.Load())
}

// SendUtterance synthesises text, streams it as one turn and returns the
// agent's reply. Artifact, transcription and persistence failures are
// logged and leave the corresponding field empty.
func (c *Client) SendUtterance(ctx context.Context, text string, voice VoiceOptions, pace bool, timeout time.Duration) (TurnResult, error) {
	if c.opts.TTS == nil {
		return TurnResult{}, ErrNoSynthesizer
	}
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	started := time.Now()
	turn := int(c.turns.Load()) + 1
	rate := c.opts.Edge.SampleRate()

	pcm, err := c.opts.TTS.Synthesize(ctx, text, voice.Voice, rate)
	if err != nil {
		return TurnResult{}, fmt.Errorf("synthesize turn %d: %w", turn, err)
	}
	callerRef := c.persist(ctx, turn, "caller", pcm, rate)

	out, err := c.opts.Edge.SendTurn(ctx, pcm, pace, timeout)
	if err != nil {
		return TurnResult{}, fmt.Errorf("send turn %d: %w", turn, err)
	}

	res := TurnResult{
		Turn:           turn,
		CallerText:     text,
		CallerAudioRef: callerRef,
		BytesReceived:  len(out.Audio),
		VendorMetadata: out.Metadata,
	}
	if len(out.Audio) > 0 {
		res.AgentAudioRef = c.persist(ctx, turn, "agent", out.Audio, rate)
		res.AgentTranscript = c.transcribe(ctx, out.Audio, rate)
	}
	if res.AgentTranscript == "" {
		if s, ok := out.Metadata[edge.MetaTranscript].(string); ok {
			res.AgentTranscript = s
		}
	}
	c.turns.Store(int64(turn))
	res.DurationMS = time.Since(started).Milliseconds()

	c.record(ctx, res)
	transcript, _ := policy.RedactPII(res.AgentTranscript)
	c.log.Info("turn complete",
		zap.Int("turn", turn),
		zap.String("agent_transcript", transcript),
		zap.Int("bytes_received", res.BytesReceived),
		zap.Any("timed_out", out.Metadata[edge.MetaTimedOut]),
		zap.Int64("duration_ms", res.DurationMS))
	return res, nil
}

// persist writes pcm as a WAV artifact and publishes it.
func (c *Client) persist(ctx context.Context, turn int, role string, pcm []byte, rate int) string {
	if c.opts.ArtifactDir == "" {
		return ""
	}
	p := filepath.Join(c.opts.ArtifactDir, c.opts.SessionID, fmt.Sprintf("turn-%03d-%s.wav", turn, role))
	if err := audio.WriteWAVPCM16LEFile(p, pcm, rate); err != nil {
		c.log.Warn("write artifact failed", zap.String("path", p), zap.Error(err))
		return ""
	}
	if c.opts.Uploader == nil {
		return p
	}
	ref, err := c.opts.Uploader.Upload(ctx, p)
	if err != nil {
		c.log.Warn("upload artifact failed", zap.String("path", p), zap.Error(err))
		return p
	}
	return ref
}

func (c *Client) transcribe(ctx context.Context, pcm []byte, rate int) string {
	if c.opts.ASR == nil {
		return ""
	}
	text, err := c.opts.ASR.Transcribe(ctx, pcm, rate)
	if err != nil {
		c.log.Warn("transcription failed", zap.Error(err), zap.Bool("retryable", speech.IsRetryable(err)))
		return ""
	}
	return text
}

func (c *Client) record(ctx context.Context, res TurnResult) {
	if c.opts.Store == nil {
		return
	}
	timedOut, _ := res.VendorMetadata[edge.MetaTimedOut].(bool)
	err := c.opts.Store.SaveTurn(ctx, store.TurnRecord{
		SessionID:       c.opts.SessionID,
		Turn:            res.Turn,
		Vendor:          c.opts.Edge.Vendor(),
		CallerText:      res.CallerText,
		CallerAudioRef:  res.CallerAudioRef,
		AgentAudioRef:   res.AgentAudioRef,
		AgentTranscript: res.AgentTranscript,
		BytesReceived:   res.BytesReceived,
		TimedOut:        timedOut,
		DurationMS:      res.DurationMS,
		Metadata:        res.VendorMetadata,
	})
	if err != nil {
		c.log.Warn("save turn failed", zap.Error(err))
	}
}
