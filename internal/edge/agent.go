package edge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/audio"
	"github.com/ent0n29/voicebench/internal/observability"
	"github.com/ent0n29/voicebench/internal/protocol"
	"github.com/ent0n29/voicebench/internal/reliability"
)

const (
	VendorAgent = "agent"

	defaultAgentURL          = "wss://agent.deepgram.com/v1/agent/converse"
	defaultKeepAliveInterval = 5 * time.Second
	defaultTrailingSilence   = 400 * time.Millisecond
)

// AgentConfig configures a hosted voice-agent platform: raw PCM16 binary
// frames in both directions, JSON control messages, and a spoken greeting
// on connect.
type AgentConfig struct {
	APIKey        string
	URL           string
	Language      string
	ListenModel   string
	ThinkProvider string
	ThinkModel    string
	Prompt        string
	SpeakModel    string
	Greeting      string
	Rate          int
	Chunk         int
	// KeepAlive is the control-message cadence between turns.
	KeepAlive time.Duration
	// TrailingSilence is appended to every turn so the vendor's endpointer
	// sees the caller stop speaking.
	TrailingSilence time.Duration
	// SkipGreeting connects without waiting for the greeting to finish.
	SkipGreeting bool
}

func (c AgentConfig) Vendor() string { return VendorAgent }

func (c AgentConfig) SampleRate() int {
	if c.Rate <= 0 {
		return audio.DefaultSampleRate
	}
	return c.Rate
}

func (c AgentConfig) ChunkMS() int {
	if c.Chunk <= 0 {
		return defaultChunkMS
	}
	return c.Chunk
}

func (c AgentConfig) Create(deps Deps) VoiceEdge { return NewAgentEdge(c, deps) }

func (c AgentConfig) keepAlive() time.Duration {
	if c.KeepAlive <= 0 {
		return defaultKeepAliveInterval
	}
	return c.KeepAlive
}

func (c AgentConfig) trailingSilence() time.Duration {
	if c.TrailingSilence < 0 {
		return 0
	}
	if c.TrailingSilence == 0 {
		return defaultTrailingSilence
	}
	return c.TrailingSilence
}

func (c AgentConfig) settings() protocol.AgentSettingsMessage {
	var msg protocol.AgentSettingsMessage
	msg.Type = protocol.AgentSettings
	format := protocol.AgentAudioFormat{Encoding: "linear16", SampleRate: c.SampleRate()}
	msg.Audio.Input = format
	msg.Audio.Output = format
	msg.Audio.Output.Container = "none"
	msg.Agent.Language = orDefault(c.Language, "en")
	msg.Agent.Listen.Provider = protocol.AgentProvider{Type: "deepgram", Model: orDefault(c.ListenModel, "nova-3")}
	msg.Agent.Think.Provider = protocol.AgentProvider{Type: orDefault(c.ThinkProvider, "open_ai"), Model: orDefault(c.ThinkModel, "gpt-4o-mini")}
	msg.Agent.Think.Prompt = c.Prompt
	msg.Agent.Speak.Provider = protocol.AgentProvider{Type: "deepgram", Model: orDefault(c.SpeakModel, "aura-2-thalia-en")}
	msg.Agent.Greeting = c.Greeting
	return msg
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// AgentEdge runs two background loops per connection: a receive loop that
// accumulates binary audio and fires the turn-complete signal, and a
// keep-alive loop.
type AgentEdge struct {
	cfg     AgentConfig
	deps    Deps
	log     *zap.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	sock     *socket
	cancel   context.CancelFunc
	recvDone chan struct{}
	kaDone   chan struct{}
	closed   bool

	connected atomic.Bool
	turnMu    sync.Mutex
	buf       pcmBuffer
	audioDone signal

	textMu     sync.Mutex
	transcript []string
	vendorErrs []VendorError
	latency    float64
}

func NewAgentEdge(cfg AgentConfig, deps Deps) *AgentEdge {
	return &AgentEdge{
		cfg:       cfg,
		deps:      deps,
		log:       deps.logger().With(zap.String("vendor", VendorAgent)),
		metrics:   deps.Metrics,
		audioDone: newSignal(),
	}
}

func (e *AgentEdge) Vendor() string    { return VendorAgent }
func (e *AgentEdge) SampleRate() int   { return e.cfg.SampleRate() }
func (e *AgentEdge) IsConnected() bool { return e.connected.Load() }

func (e *AgentEdge) Connect(ctx context.Context, opts ConnectOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.connected.Load() {
		return nil
	}

	hctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	endpoint := orDefault(e.cfg.URL, defaultAgentURL)
	dialer := *e.deps.dialer()
	dialer.Subprotocols = []string{"token", e.cfg.APIKey}
	conn, _, err := dialer.DialContext(hctx, endpoint, authHeader("Token", e.cfg.APIKey))
	if err != nil {
		return fmt.Errorf("%w: dial agent websocket: %v", ErrHandshake, err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	e.sock = newSocket(conn, VendorAgent, e.metrics)
	e.cancel = loopCancel
	e.recvDone = make(chan struct{})
	e.kaDone = make(chan struct{})
	e.audioDone.clear()

	if err := e.sock.writeJSON(protocol.AgentSettings, e.cfg.settings()); err != nil {
		loopCancel()
		_ = e.sock.close()
		e.sock = nil
		return fmt.Errorf("%w: settings: %v", ErrHandshake, err)
	}
	go e.receiveLoop(e.sock, e.recvDone)
	go e.keepAliveLoop(loopCtx, e.sock, e.kaDone)

	if !e.cfg.SkipGreeting {
		select {
		case <-e.audioDone:
		case <-e.recvDone:
			e.abort()
			return fmt.Errorf("%w: transport closed before greeting finished", ErrHandshake)
		case <-hctx.Done():
			e.abort()
			return fmt.Errorf("%w: greeting not finished: %v", ErrHandshake, hctx.Err())
		}
	}
	greeting := e.buf.take()
	e.takeText()

	e.connected.Store(true)
	e.log.Info("agent edge connected", zap.Int("greeting_bytes", len(greeting)))
	return nil
}

func (e *AgentEdge) receiveLoop(sock *socket, done chan<- struct{}) {
	defer close(done)
	defer e.connected.Store(false)
	for {
		msgType, data, err := sock.conn.ReadMessage()
		if err != nil {
			e.log.Debug("agent receive loop ended", zap.Error(err))
			return
		}
		if msgType == websocket.BinaryMessage {
			e.metrics.ObserveFrame(VendorAgent, "inbound", "binary")
			e.buf.append(data)
			continue
		}
		ev, err := protocol.ParseAgentEvent(data)
		if err != nil {
			e.metrics.ObserveFrame(VendorAgent, "inbound", "malformed")
			e.log.Warn("skip malformed agent frame", zap.Error(err))
			continue
		}
		switch ev := ev.(type) {
		case protocol.AgentAudioDoneEvent:
			e.metrics.ObserveFrame(VendorAgent, "inbound", protocol.AgentAudioDone)
			e.audioDone.fire()
		case protocol.AgentConversationTextEvent:
			e.metrics.ObserveFrame(VendorAgent, "inbound", protocol.AgentConversationText)
			if ev.Role == "assistant" {
				e.textMu.Lock()
				e.transcript = append(e.transcript, ev.Content)
				e.textMu.Unlock()
			}
		case protocol.AgentStartedSpeakingEvent:
			e.metrics.ObserveFrame(VendorAgent, "inbound", protocol.AgentStartedSpeaking)
			e.textMu.Lock()
			e.latency = ev.TotalLatency
			e.textMu.Unlock()
		case protocol.AgentNoticeEvent:
			e.metrics.ObserveFrame(VendorAgent, "inbound", ev.Kind)
			if ev.Kind == protocol.AgentErrorEvent {
				e.textMu.Lock()
				e.vendorErrs = append(e.vendorErrs, VendorError{
					Code:      ev.Code,
					Message:   ev.Description,
					Retryable: reliability.IsRetryableVendorCode(ev.Code),
				})
				e.textMu.Unlock()
			}
			e.log.Warn("agent notice", zap.String("kind", ev.Kind), zap.String("code", ev.Code), zap.String("description", ev.Description))
		case protocol.Unknown:
			e.metrics.ObserveFrame(VendorAgent, "inbound", ev.Type)
		default:
			e.metrics.ObserveFrame(VendorAgent, "inbound", "control")
		}
	}
}

func (e *AgentEdge) keepAliveLoop(ctx context.Context, sock *socket, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.keepAlive())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sock.writeJSON(protocol.AgentKeepAlive, protocol.AgentKeepAliveMessage{Type: protocol.AgentKeepAlive}); err != nil {
				e.log.Debug("keep-alive stopped", zap.Error(err))
				return
			}
		}
	}
}

func (e *AgentEdge) SendTurn(ctx context.Context, pcm []byte, pace bool, timeout time.Duration) (TurnOutput, error) {
	if !e.connected.Load() {
		return TurnOutput{}, ErrNotConnected
	}
	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	e.mu.Lock()
	sock, recvDone := e.sock, e.recvDone
	e.mu.Unlock()
	if sock == nil {
		return TurnOutput{}, ErrNotConnected
	}

	started := time.Now()
	meta := newMetadata(VendorAgent)
	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stale := e.discardPending()
	rate := e.cfg.SampleRate()
	chunks, sent, transportClosed := e.stream(turnCtx, sock, pcm, pace)
	// Anything that arrived while the caller was still speaking belongs to
	// an earlier turn.
	stale += e.discardPending()
	if d := e.cfg.trailingSilence(); d > 0 && !transportClosed && turnCtx.Err() == nil {
		c, n, closed := e.stream(turnCtx, sock, audio.Silence(int(d/time.Millisecond), rate), pace)
		chunks, sent, transportClosed = chunks+c, sent+n, closed
	}
	meta["stale_bytes_dropped"] = stale
	meta[MetaChunksSent] = chunks
	meta[MetaBytesSent] = sent

	if !transportClosed && turnCtx.Err() == nil {
		select {
		case <-e.audioDone:
			meta["audio_done"] = true
		case <-recvDone:
			transportClosed = true
		case <-turnCtx.Done():
		}
	}
	if turnCtx.Err() != nil && ctx.Err() == nil && meta["audio_done"] == nil {
		meta[MetaTimedOut] = true
	}
	if transportClosed || !e.connected.Load() {
		meta[MetaTransportClosed] = true
	}

	out := e.buf.take()
	transcript, vendorErrs, latency := e.takeText()
	if transcript != "" {
		meta[MetaTranscript] = transcript
	}
	if len(vendorErrs) > 0 {
		meta[MetaErrors] = vendorErrs
	}
	if latency > 0 {
		meta["vendor_latency_s"] = latency
	}

	elapsed := time.Since(started)
	meta[MetaBytesReceived] = len(out)
	meta[MetaLatencyMS] = elapsed.Milliseconds()
	e.metrics.ObserveTurn(VendorAgent, meta[MetaTimedOut] == true, len(out), elapsed)
	if err := ctx.Err(); err != nil {
		return TurnOutput{Audio: out, Metadata: meta}, err
	}
	return TurnOutput{Audio: out, Metadata: meta}, nil
}

// stream writes pcm as paced binary frames. It stops early when the
// socket fails or ctx expires.
func (e *AgentEdge) stream(ctx context.Context, sock *socket, pcm []byte, pace bool) (chunks, sent int, closed bool) {
	rate := e.cfg.SampleRate()
	for chunk := range audio.Chunks(pcm, e.cfg.ChunkMS(), rate) {
		if err := sock.writeBinary(chunk); err != nil {
			e.log.Warn("send audio failed", zap.Error(err))
			return chunks, sent, true
		}
		chunks++
		sent += len(chunk)
		if pace {
			if err := paceChunk(ctx, len(chunk), rate); err != nil {
				break
			}
		}
	}
	return chunks, sent, false
}

// discardPending drops buffered audio, the transcript and the
// turn-complete signal. It returns the number of audio bytes dropped.
func (e *AgentEdge) discardPending() int {
	e.audioDone.clear()
	n := len(e.buf.take())
	e.textMu.Lock()
	e.transcript = nil
	e.textMu.Unlock()
	if n > 0 {
		e.log.Debug("dropped stale agent audio", zap.Int("bytes", n))
	}
	return n
}

func (e *AgentEdge) takeText() (string, []VendorError, float64) {
	e.textMu.Lock()
	defer e.textMu.Unlock()
	text := strings.Join(e.transcript, " ")
	errs, latency := e.vendorErrs, e.latency
	e.transcript, e.vendorErrs, e.latency = nil, nil, 0
	return text, errs, latency
}

// Close stops both loops and waits up to two seconds for each.
func (e *AgentEdge) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.connected.Store(false)
	if e.sock == nil {
		return nil
	}
	err := e.abort()
	e.log.Info("agent edge closed")
	return err
}

// abort cancels the loops, closes the socket and waits for both loops with
// a bounded grace. Callers hold e.mu.
func (e *AgentEdge) abort() error {
	e.cancel()
	err := e.sock.close()
	if !waitBounded(e.kaDone, closeGrace) {
		e.log.Warn("keep-alive loop did not exit in time")
	}
	if !waitBounded(e.recvDone, closeGrace) {
		e.log.Warn("receive loop did not exit in time")
	}
	e.sock = nil
	return err
}
