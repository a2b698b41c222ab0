package edge

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/audio"
	"github.com/ent0n29/voicebench/internal/observability"
	"github.com/ent0n29/voicebench/internal/protocol"
	"github.com/ent0n29/voicebench/internal/reliability"
)

const (
	VendorRealtime = "realtime"

	defaultRealtimeURL   = "wss://api.openai.com/v1/realtime"
	defaultRealtimeModel = "gpt-4o-realtime-preview"
	realtimeSampleRate   = 24000
	realtimeGreetingWait = 300 * time.Millisecond
)

// RealtimeConfig configures a realtime speech-to-speech LLM endpoint that
// accepts base64 PCM16 appends and answers with audio deltas.
type RealtimeConfig struct {
	APIKey             string
	URL                string
	Model              string
	Voice              string
	Instructions       string
	TranscriptionModel string
	Temperature        float64
	Rate               int
	Chunk              int
}

func (c RealtimeConfig) Vendor() string { return VendorRealtime }

func (c RealtimeConfig) SampleRate() int {
	if c.Rate <= 0 {
		return realtimeSampleRate
	}
	return c.Rate
}

func (c RealtimeConfig) ChunkMS() int {
	if c.Chunk <= 0 {
		return defaultChunkMS
	}
	return c.Chunk
}

func (c RealtimeConfig) Create(deps Deps) VoiceEdge { return NewRealtimeEdge(c, deps) }

func (c RealtimeConfig) endpoint() (string, error) {
	base := strings.TrimSpace(c.URL)
	if base == "" {
		base = defaultRealtimeURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	model := strings.TrimSpace(c.Model)
	if model == "" {
		model = defaultRealtimeModel
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c RealtimeConfig) sessionUpdate() protocol.RealtimeSessionUpdateEvent {
	s := protocol.RealtimeSession{
		Modalities:        []string{"audio", "text"},
		Instructions:      c.Instructions,
		Voice:             c.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Temperature:       c.Temperature,
	}
	if m := strings.TrimSpace(c.TranscriptionModel); m != "" {
		s.InputAudioTranscription = &protocol.RealtimeTranscription{Model: m}
	}
	return protocol.RealtimeSessionUpdateEvent{Type: protocol.RealtimeSessionUpdate, Session: s}
}

// RealtimeEdge speaks the realtime-LLM protocol with server turn detection
// disabled: every turn is an explicit append, commit, response.create.
type RealtimeEdge struct {
	cfg     RealtimeConfig
	deps    Deps
	log     *zap.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	sock      *socket
	events    chan any
	done      chan struct{}
	readDone  chan struct{}
	sessionID string
	closed    bool

	connected atomic.Bool
	turnMu    sync.Mutex
}

func NewRealtimeEdge(cfg RealtimeConfig, deps Deps) *RealtimeEdge {
	return &RealtimeEdge{
		cfg:     cfg,
		deps:    deps,
		log:     deps.logger().With(zap.String("vendor", VendorRealtime)),
		metrics: deps.Metrics,
	}
}

func (e *RealtimeEdge) Vendor() string    { return VendorRealtime }
func (e *RealtimeEdge) SampleRate() int   { return e.cfg.SampleRate() }
func (e *RealtimeEdge) IsConnected() bool { return e.connected.Load() }

func (e *RealtimeEdge) Connect(ctx context.Context, opts ConnectOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.connected.Load() {
		return nil
	}

	endpoint, err := e.cfg.endpoint()
	if err != nil {
		return fmt.Errorf("%w: endpoint: %v", ErrHandshake, err)
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	headers := authHeader("Bearer", e.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")
	conn, _, err := e.deps.dialer().DialContext(ctx, endpoint, headers)
	if err != nil {
		return fmt.Errorf("%w: dial realtime websocket: %v", ErrHandshake, err)
	}

	e.sock = newSocket(conn, VendorRealtime, e.metrics)
	e.events = make(chan any, 512)
	e.done = make(chan struct{})
	e.readDone = make(chan struct{})
	go e.readLoop(e.sock, e.events, e.done, e.readDone)

	// The vendor may open with one session frame; drop it so it never lands
	// in the first turn.
	t := time.NewTimer(realtimeGreetingWait)
	select {
	case ev, ok := <-e.events:
		if !ok {
			t.Stop()
			e.teardown()
			return fmt.Errorf("%w: transport closed during handshake", ErrHandshake)
		}
		if s, isSession := ev.(protocol.RealtimeSessionEvent); isSession {
			e.sessionID = s.Session.ID
		}
	case <-t.C:
	case <-ctx.Done():
	}
	t.Stop()

	if err := e.sock.writeJSON(protocol.RealtimeSessionUpdate, e.cfg.sessionUpdate()); err != nil {
		e.teardown()
		return fmt.Errorf("%w: session update: %v", ErrHandshake, err)
	}

	e.connected.Store(true)
	select {
	case <-e.readDone:
		e.connected.Store(false)
		e.teardown()
		return fmt.Errorf("%w: transport closed during handshake", ErrHandshake)
	default:
	}
	e.log.Info("realtime edge connected", zap.String("session_id", e.sessionID))
	return nil
}

func (e *RealtimeEdge) readLoop(sock *socket, events chan<- any, done <-chan struct{}, readDone chan<- struct{}) {
	defer close(readDone)
	defer close(events)
	defer e.connected.Store(false)
	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				e.log.Info("realtime transport closed", zap.Error(err))
			}
			return
		}
		ev, err := protocol.ParseRealtimeEvent(data)
		if err != nil {
			e.metrics.ObserveFrame(VendorRealtime, "inbound", "malformed")
			e.log.Warn("skip malformed realtime frame", zap.Error(err))
			continue
		}
		if u, ok := ev.(protocol.Unknown); ok {
			e.metrics.ObserveFrame(VendorRealtime, "inbound", u.Type)
			continue
		}
		e.metrics.ObserveFrame(VendorRealtime, "inbound", fmt.Sprintf("%T", ev))
		select {
		case events <- ev:
		case <-done:
			return
		}
	}
}

func (e *RealtimeEdge) SendTurn(ctx context.Context, pcm []byte, pace bool, timeout time.Duration) (TurnOutput, error) {
	if !e.connected.Load() {
		return TurnOutput{}, ErrNotConnected
	}
	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	e.mu.Lock()
	sock, events, sessionID := e.sock, e.events, e.sessionID
	e.mu.Unlock()
	if sock == nil {
		return TurnOutput{}, ErrNotConnected
	}

	started := time.Now()
	meta := newMetadata(VendorRealtime)
	if sessionID != "" {
		meta["session_id"] = sessionID
	}
	meta["stale_frames_dropped"] = drainStale(events)

	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	chunks, sent := 0, 0
	transportClosed := false
	for chunk := range audio.Chunks(pcm, e.cfg.ChunkMS(), e.cfg.SampleRate()) {
		msg := protocol.RealtimeAppendEvent{
			Type:  protocol.RealtimeInputAudioAppend,
			Audio: base64.StdEncoding.EncodeToString(chunk),
		}
		if err := sock.writeJSON(protocol.RealtimeInputAudioAppend, msg); err != nil {
			transportClosed = true
			e.log.Warn("append failed", zap.Error(err))
			break
		}
		chunks++
		sent += len(chunk)
		if pace {
			if err := paceChunk(turnCtx, len(chunk), e.cfg.SampleRate()); err != nil {
				break
			}
		}
	}
	meta[MetaChunksSent] = chunks
	meta[MetaBytesSent] = sent

	var out []byte
	if !transportClosed && turnCtx.Err() == nil {
		if err := e.requestResponse(sock); err != nil {
			transportClosed = true
			e.log.Warn("commit failed", zap.Error(err))
		} else {
			out = e.collect(turnCtx, events, meta)
		}
	}
	if out == nil {
		out = []byte{}
	}
	if turnCtx.Err() != nil && ctx.Err() == nil {
		meta[MetaTimedOut] = true
	}
	if transportClosed || !e.connected.Load() {
		meta[MetaTransportClosed] = true
	}

	elapsed := time.Since(started)
	meta[MetaBytesReceived] = len(out)
	meta[MetaLatencyMS] = elapsed.Milliseconds()
	e.metrics.ObserveTurn(VendorRealtime, meta[MetaTimedOut] == true, len(out), elapsed)
	if err := ctx.Err(); err != nil {
		return TurnOutput{Audio: out, Metadata: meta}, err
	}
	return TurnOutput{Audio: out, Metadata: meta}, nil
}

func (e *RealtimeEdge) requestResponse(sock *socket) error {
	if err := sock.writeJSON(protocol.RealtimeInputAudioCommit, protocol.RealtimeCommitEvent{Type: protocol.RealtimeInputAudioCommit}); err != nil {
		return err
	}
	return sock.writeJSON(protocol.RealtimeResponseCreate, protocol.RealtimeResponseCreateEvent{
		Type:     protocol.RealtimeResponseCreate,
		Response: map[string]any{},
	})
}

// collect accumulates audio deltas until both the audio-done and the
// response-done events arrived, the transport closed or ctx expired.
func (e *RealtimeEdge) collect(ctx context.Context, events <-chan any, meta Metadata) []byte {
	var (
		out          []byte
		transcript   strings.Builder
		vendorErrs   []VendorError
		audioDone    bool
		responseDone bool
	)
	defer func() {
		meta["audio_done"] = audioDone
		meta["response_done"] = responseDone
		if transcript.Len() > 0 {
			meta[MetaTranscript] = transcript.String()
		}
		if len(vendorErrs) > 0 {
			meta[MetaErrors] = vendorErrs
		}
	}()

	for !(audioDone && responseDone) {
		select {
		case <-ctx.Done():
			return out
		case ev, ok := <-events:
			if !ok {
				meta[MetaTransportClosed] = true
				return out
			}
			switch ev := ev.(type) {
			case protocol.RealtimeAudioDeltaEvent:
				pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
				if err != nil {
					e.log.Warn("skip undecodable audio delta", zap.Error(err))
					continue
				}
				out = append(out, pcm...)
			case protocol.RealtimeTranscriptDeltaEvent:
				transcript.WriteString(ev.Delta)
			case protocol.RealtimeAudioDoneEvent:
				audioDone = true
			case protocol.RealtimeResponseDoneEvent:
				responseDone = true
				meta["response_id"] = ev.Response.ID
				meta["response_status"] = ev.Response.Status
			case protocol.RealtimeErrorEvent:
				code := ev.Error.Code
				if code == "" {
					code = ev.Error.Type
				}
				vendorErrs = append(vendorErrs, VendorError{
					Code:      code,
					Message:   ev.Error.Message,
					Retryable: reliability.IsRetryableVendorCode(code),
				})
				e.log.Warn("realtime vendor error", zap.String("code", code), zap.String("message", ev.Error.Message))
				// An error finalises the response; with no audio in flight
				// there is no audio-done event left to wait for either.
				responseDone = true
				if len(out) == 0 {
					audioDone = true
				}
			}
		}
	}
	return out
}

// drainStale drops frames left over from a previous turn that timed out.
func drainStale(events <-chan any) int {
	n := 0
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

func (e *RealtimeEdge) Close() error {
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
	close(e.done)
	err := e.sock.close()
	if !waitBounded(e.readDone, closeGrace) {
		e.log.Warn("realtime read loop did not exit in time")
	}
	e.log.Info("realtime edge closed")
	return err
}

// teardown releases a half-open connection after a failed handshake.
func (e *RealtimeEdge) teardown() {
	close(e.done)
	_ = e.sock.close()
	waitBounded(e.readDone, closeGrace)
	e.sock = nil
}
