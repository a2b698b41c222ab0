package edge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/audio"
	"github.com/ent0n29/voicebench/internal/callcontrol"
	"github.com/ent0n29/voicebench/internal/observability"
	"github.com/ent0n29/voicebench/internal/policy"
	"github.com/ent0n29/voicebench/internal/protocol"
	"github.com/ent0n29/voicebench/internal/tunnel"
)

const VendorTelephony = "telephony"

// TelephonyMode selects where the media stream comes from.
type TelephonyMode string

const (
	// TelephonyAdopt takes a socket accepted elsewhere via ConnectOptions.Conn.
	TelephonyAdopt TelephonyMode = "adopt"
	// TelephonyServer starts the test server and waits for the provider to
	// dial in, typically for a call placed by hand to a configured number.
	TelephonyServer TelephonyMode = "server"
	// TelephonyOutbound starts the test server and places the call itself.
	TelephonyOutbound TelephonyMode = "outbound"
)

// TelephonyConfig configures a phone-call media stream: 8 kHz G.711 μ-law
// frames wrapped in JSON events on a websocket the provider opens.
type TelephonyConfig struct {
	Mode       TelephonyMode
	Rate       int
	Chunk      int
	ListenAddr string
	Tunnel     tunnel.Provider
	Placer     callcontrol.Placer
	To         string
	From       string
	// PostMarkListen keeps collecting agent audio after the turn-end mark
	// echoes, bounded by the turn timeout.
	PostMarkListen time.Duration
}

func (c TelephonyConfig) Vendor() string { return VendorTelephony }

func (c TelephonyConfig) SampleRate() int {
	if c.Rate <= 0 {
		return audio.DefaultSampleRate
	}
	return c.Rate
}

func (c TelephonyConfig) ChunkMS() int {
	if c.Chunk <= 0 {
		return defaultChunkMS
	}
	return c.Chunk
}

func (c TelephonyConfig) Create(deps Deps) VoiceEdge { return NewTelephonyEdge(c, deps) }

func (c TelephonyConfig) mode() TelephonyMode {
	switch TelephonyMode(strings.ToLower(strings.TrimSpace(string(c.Mode)))) {
	case TelephonyServer:
		return TelephonyServer
	case TelephonyOutbound:
		return TelephonyOutbound
	default:
		return TelephonyAdopt
	}
}

// mediaStream is the per-connection state of a telephony edge.
type mediaStream struct {
	sock        *socket
	server      *TestServer
	released    chan struct{}
	releaseOnce sync.Once
	recvDone    chan struct{}
	ready       chan struct{}
	readyOnce   sync.Once

	idMu      sync.Mutex
	streamSID string
	callSID   string
}

func (m *mediaStream) release() { m.releaseOnce.Do(func() { close(m.released) }) }

func (m *mediaStream) ids() (string, string) {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	return m.streamSID, m.callSID
}

func (m *mediaStream) setIDs(streamSID, callSID string) {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	if streamSID != "" {
		m.streamSID = streamSID
	}
	if callSID != "" {
		m.callSID = callSID
	}
}

// TelephonyEdge bridges caller turns onto a phone call. A turn ends when the
// provider echoes the mark sent after the caller audio, which happens once
// that audio finished playing on the call.
type TelephonyEdge struct {
	cfg     TelephonyConfig
	deps    Deps
	log     *zap.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	stream *mediaStream
	closed bool
	server atomic.Pointer[TestServer]

	connected atomic.Bool
	turnMu    sync.Mutex
	buf       pcmBuffer

	markMu      sync.Mutex
	pendingMark string
	markEcho    signal
}

func NewTelephonyEdge(cfg TelephonyConfig, deps Deps) *TelephonyEdge {
	return &TelephonyEdge{
		cfg:      cfg,
		deps:     deps,
		log:      deps.logger().With(zap.String("vendor", VendorTelephony)),
		metrics:  deps.Metrics,
		markEcho: newSignal(),
	}
}

func (e *TelephonyEdge) Vendor() string    { return VendorTelephony }
func (e *TelephonyEdge) SampleRate() int   { return e.cfg.SampleRate() }
func (e *TelephonyEdge) IsConnected() bool { return e.connected.Load() }

// StreamURL reports the websocket URL the provider should open, or "" when
// no test server is running.
func (e *TelephonyEdge) StreamURL() string {
	srv := e.server.Load()
	if srv == nil {
		return ""
	}
	return srv.StreamURL()
}

func (e *TelephonyEdge) Connect(ctx context.Context, opts ConnectOptions) error {
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

	m := &mediaStream{
		released: make(chan struct{}),
		recvDone: make(chan struct{}),
		ready:    make(chan struct{}),
	}
	conn, err := e.acquire(hctx, m, opts)
	if err != nil {
		e.abort(m)
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	m.sock = newSocket(conn, VendorTelephony, e.metrics)
	go e.receiveLoop(m)

	if opts.StreamID != "" {
		m.setIDs(opts.StreamID, "")
	} else {
		select {
		case <-m.ready:
		case <-m.recvDone:
			e.abort(m)
			return fmt.Errorf("%w: media stream closed before start", ErrHandshake)
		case <-hctx.Done():
			e.abort(m)
			return fmt.Errorf("%w: no start event: %v", ErrHandshake, hctx.Err())
		}
	}

	e.stream = m
	e.connected.Store(true)
	streamSID, callSID := m.ids()
	e.log.Info("telephony edge connected",
		zap.String("mode", string(e.cfg.mode())),
		zap.String("stream_sid", streamSID),
		zap.String("call_sid", callSID))
	return nil
}

// acquire obtains the media socket according to the configured mode.
func (e *TelephonyEdge) acquire(ctx context.Context, m *mediaStream, opts ConnectOptions) (*websocket.Conn, error) {
	mode := e.cfg.mode()
	if mode == TelephonyAdopt {
		if opts.Conn == nil {
			return nil, errors.New("adopt mode requires a media connection")
		}
		return opts.Conn, nil
	}

	srv, err := StartTestServer(e.cfg.ListenAddr, m.released, e.log)
	if err != nil {
		return nil, fmt.Errorf("start test server: %w", err)
	}
	m.server = srv
	e.server.Store(srv)
	if e.cfg.Tunnel != nil {
		publicURL, err := srv.Expose(ctx, e.cfg.Tunnel)
		if err != nil {
			e.log.Error("tunnel unavailable; the provider cannot reach the test server without a public url",
				zap.Error(err), zap.String("local_addr", srv.Addr()))
			if mode == TelephonyOutbound {
				return nil, fmt.Errorf("open tunnel: %w", err)
			}
		} else {
			e.log.Info("test server exposed", zap.String("public_url", publicURL))
		}
	}

	if mode == TelephonyOutbound {
		if e.cfg.Placer == nil {
			return nil, errors.New("outbound mode requires a call placer")
		}
		to, from := orDefault(opts.CallTo, e.cfg.To), orDefault(opts.CallFrom, e.cfg.From)
		callSID, err := e.cfg.Placer.PlaceCall(ctx, to, from, srv.StreamURL())
		if err != nil {
			return nil, fmt.Errorf("place call: %w", err)
		}
		m.setIDs("", callSID)
		e.log.Info("outbound call placed", zap.String("call_sid", callSID), zap.String("to", policy.MaskNumber(to)))
	} else {
		e.log.Info("waiting for media stream", zap.String("stream_url", srv.StreamURL()))
	}

	conn, err := srv.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept media stream: %w", err)
	}
	return conn, nil
}

func (e *TelephonyEdge) receiveLoop(m *mediaStream) {
	defer close(m.recvDone)
	defer e.connected.Store(false)
	rate := e.cfg.SampleRate()
	for {
		_, data, err := m.sock.conn.ReadMessage()
		if err != nil {
			e.log.Debug("telephony receive loop ended", zap.Error(err))
			return
		}
		ev, err := protocol.ParseTelephonyEvent(data)
		if err != nil {
			e.metrics.ObserveFrame(VendorTelephony, "inbound", "malformed")
			e.log.Warn("skip malformed media frame", zap.Error(err))
			continue
		}
		switch ev := ev.(type) {
		case protocol.TelephonyConnectedEvent:
			e.metrics.ObserveFrame(VendorTelephony, "inbound", protocol.TelephonyConnected)
			m.setIDs(ev.StreamSID, "")
		case protocol.TelephonyStartEvent:
			e.metrics.ObserveFrame(VendorTelephony, "inbound", protocol.TelephonyStart)
			m.setIDs(orDefault(ev.Start.StreamSID, ev.StreamSID), ev.Start.CallSID)
			m.readyOnce.Do(func() { close(m.ready) })
		case protocol.TelephonyMediaEvent:
			e.metrics.ObserveFrame(VendorTelephony, "inbound", protocol.TelephonyMedia)
			if ev.Media.Track == "outbound" {
				continue
			}
			ulaw, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if err != nil {
				e.log.Warn("skip undecodable media payload", zap.Error(err))
				continue
			}
			e.buf.append(audio.Resample(audio.MulawToPCM16(ulaw), audio.TelephonySampleRate, rate))
		case protocol.TelephonyMarkEvent:
			e.metrics.ObserveFrame(VendorTelephony, "inbound", protocol.TelephonyMark)
			e.markMu.Lock()
			match := ev.Mark.Name != "" && ev.Mark.Name == e.pendingMark
			e.markMu.Unlock()
			if match {
				e.markEcho.fire()
			}
		case protocol.TelephonyStopEvent:
			e.metrics.ObserveFrame(VendorTelephony, "inbound", protocol.TelephonyStop)
			e.log.Info("media stream stopped by far end")
			m.release()
			return
		case protocol.Unknown:
			e.metrics.ObserveFrame(VendorTelephony, "inbound", ev.Type)
		}
	}
}

func (e *TelephonyEdge) SendTurn(ctx context.Context, pcm []byte, pace bool, timeout time.Duration) (TurnOutput, error) {
	if !e.connected.Load() {
		return TurnOutput{}, ErrNotConnected
	}
	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	e.mu.Lock()
	m := e.stream
	e.mu.Unlock()
	if m == nil {
		return TurnOutput{}, ErrNotConnected
	}
	streamSID, callSID := m.ids()

	started := time.Now()
	meta := newMetadata(VendorTelephony)
	meta["stream_sid"] = streamSID
	if callSID != "" {
		meta["call_sid"] = callSID
	}
	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	markName := uuid.NewString()
	e.markMu.Lock()
	e.pendingMark = markName
	e.markMu.Unlock()
	e.markEcho.clear()
	meta["mark_name"] = markName

	narrow := audio.Resample(pcm, e.cfg.SampleRate(), audio.TelephonySampleRate)
	chunks, sent := 0, 0
	transportClosed := false
	for chunk := range audio.Chunks(narrow, e.cfg.ChunkMS(), audio.TelephonySampleRate) {
		frame := protocol.TelephonyOutboundMedia{
			Event:     protocol.TelephonyMedia,
			StreamSID: streamSID,
			Media:     protocol.TelephonyMediaPayload{Payload: base64.StdEncoding.EncodeToString(audio.PCM16ToMulaw(chunk))},
		}
		if err := m.sock.writeJSON(protocol.TelephonyMedia, frame); err != nil {
			transportClosed = true
			e.log.Warn("send media failed", zap.Error(err))
			break
		}
		chunks++
		sent += len(chunk) / audio.BytesPerSample
		if pace {
			if err := paceChunk(turnCtx, len(chunk), audio.TelephonySampleRate); err != nil {
				break
			}
		}
	}
	meta[MetaChunksSent] = chunks
	meta[MetaBytesSent] = sent

	markReceived := false
	if !transportClosed && turnCtx.Err() == nil {
		mark := protocol.TelephonyOutboundMark{
			Event:     protocol.TelephonyMark,
			StreamSID: streamSID,
			Mark:      protocol.TelephonyMarkPayload{Name: markName},
		}
		if err := m.sock.writeJSON(protocol.TelephonyMark, mark); err != nil {
			transportClosed = true
		} else {
			select {
			case <-e.markEcho:
				markReceived = true
			case <-m.recvDone:
				transportClosed = true
			case <-turnCtx.Done():
			}
		}
	}
	if markReceived && e.cfg.PostMarkListen > 0 {
		t := time.NewTimer(e.cfg.PostMarkListen)
		select {
		case <-t.C:
		case <-m.recvDone:
		case <-turnCtx.Done():
		}
		t.Stop()
	}
	meta["mark_received"] = markReceived
	if !markReceived && turnCtx.Err() != nil && ctx.Err() == nil {
		meta[MetaTimedOut] = true
	}
	if transportClosed || !e.connected.Load() {
		meta[MetaTransportClosed] = true
	}

	out := e.buf.take()
	elapsed := time.Since(started)
	meta[MetaBytesReceived] = len(out)
	meta[MetaLatencyMS] = elapsed.Milliseconds()
	e.metrics.ObserveTurn(VendorTelephony, meta[MetaTimedOut] == true, len(out), elapsed)
	if err := ctx.Err(); err != nil {
		return TurnOutput{Audio: out, Metadata: meta}, err
	}
	return TurnOutput{Audio: out, Metadata: meta}, nil
}

// Close releases the call in a fixed order: mark disconnected, tell the far
// end to stop, close the socket, wait briefly for the receive loop, stop the
// test server, and finally close the tunnel with it.
func (e *TelephonyEdge) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.connected.Store(false)
	m := e.stream
	e.stream = nil
	if m == nil {
		return nil
	}
	m.release()

	streamSID, _ := m.ids()
	if streamSID != "" {
		stop := protocol.TelephonyOutboundStop{Event: protocol.TelephonyStop, StreamSID: streamSID}
		if err := m.sock.writeJSON(protocol.TelephonyStop, stop); err != nil {
			e.log.Debug("stop event not sent", zap.Error(err))
		}
	}
	err := m.sock.close()
	if !waitBounded(m.recvDone, closeGrace) {
		e.log.Warn("telephony receive loop did not exit in time")
	}
	if m.server != nil {
		m.server.Stop()
		e.server.Store(nil)
	}
	e.log.Info("telephony edge closed", zap.String("stream_sid", streamSID))
	return err
}

// abort unwinds a failed Connect. Callers hold e.mu.
func (e *TelephonyEdge) abort(m *mediaStream) {
	m.release()
	if m.sock != nil {
		_ = m.sock.close()
		waitBounded(m.recvDone, closeGrace)
	}
	if m.server != nil {
		m.server.Stop()
		e.server.Store(nil)
	}
}
