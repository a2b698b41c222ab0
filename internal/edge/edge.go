// Package edge adapts vendor voice protocols to one contract, VoiceEdge:
// connect once, stream one caller turn in and collect the agent's spoken
// reply, close. Each vendor lives in its own variant with its own config
// value; nothing vendor-specific leaks into the interface.
package edge

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/observability"
)

var (
	// ErrNotConnected is returned by SendTurn before Connect or after the
	// transport was lost.
	ErrNotConnected = errors.New("edge not connected")
	// ErrHandshake wraps every failure to reach the ready state in Connect.
	ErrHandshake = errors.New("edge handshake failed")
	// ErrClosed is returned by Connect on an edge that was already closed.
	ErrClosed = errors.New("edge closed")
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultChunkMS        = 20
	closeGrace            = 2 * time.Second
)

// VoiceEdge is one vendor connection. SendTurn is not safe for concurrent use
// on the same edge; implementations serialise it.
type VoiceEdge interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	SendTurn(ctx context.Context, pcm []byte, pace bool, timeout time.Duration) (TurnOutput, error)
	Close() error
	IsConnected() bool
	Vendor() string
	SampleRate() int
}

// Config is an immutable per-vendor configuration value. Create returns a
// fresh, unconnected edge on every call.
type Config interface {
	Vendor() string
	SampleRate() int
	ChunkMS() int
	Create(deps Deps) VoiceEdge
}

// ConnectOptions tune a single Connect call.
type ConnectOptions struct {
	// Timeout bounds the whole handshake. Zero means 10s.
	Timeout time.Duration
	// Conn hands an already-accepted media socket to an edge that adopts
	// transports instead of dialing them.
	Conn *websocket.Conn
	// StreamID skips waiting for the vendor's stream-start event when the
	// caller already knows the correlation ID.
	StreamID string
	// CallTo and CallFrom override the configured numbers for outbound calls.
	CallTo   string
	CallFrom string
}

func (o ConnectOptions) timeout() time.Duration {
	if o.Timeout <= 0 {
		return defaultConnectTimeout
	}
	return o.Timeout
}

// Deps are the process collaborators shared by all edges.
type Deps struct {
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Dialer  *websocket.Dialer
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d Deps) dialer() *websocket.Dialer {
	if d.Dialer == nil {
		return websocket.DefaultDialer
	}
	return d.Dialer
}

// Metadata describes how a turn went. Keys are stable strings so an
// evaluation layer can read them without knowing the vendor.
type Metadata map[string]any

const (
	MetaVendor          = "vendor"
	MetaTimedOut        = "timed_out"
	MetaTransportClosed = "transport_closed"
	MetaChunksSent      = "chunks_sent"
	MetaBytesSent       = "bytes_sent"
	MetaBytesReceived   = "bytes_received"
	MetaLatencyMS       = "latency_ms"
	MetaErrors          = "errors"
	MetaTranscript      = "transcript"
)

// TurnOutput is the agent's reply to one caller turn.
type TurnOutput struct {
	Audio    []byte
	Metadata Metadata
}

// VendorError is an error frame reported by the vendor during a turn.
type VendorError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func newMetadata(vendor string) Metadata {
	return Metadata{
		MetaVendor:          vendor,
		MetaTimedOut:        false,
		MetaTransportClosed: false,
	}
}

func authHeader(scheme, token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", scheme+" "+token)
	}
	return h
}

// waitBounded waits for done up to d and reports whether it closed in time.
func waitBounded(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
