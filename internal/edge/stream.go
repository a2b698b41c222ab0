package edge

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebench/internal/audio"
	"github.com/ent0n29/voicebench/internal/observability"
)

const writeTimeout = 10 * time.Second

// socket serialises writes on a vendor websocket; gorilla allows one
// concurrent writer and one concurrent reader.
type socket struct {
	conn      *websocket.Conn
	vendor    string
	metrics   *observability.Metrics
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newSocket(conn *websocket.Conn, vendor string, metrics *observability.Metrics) *socket {
	return &socket{conn: conn, vendor: vendor, metrics: metrics}
}

func (s *socket) writeJSON(frameType string, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		return err
	}
	s.metrics.ObserveFrame(s.vendor, "outbound", frameType)
	return nil
}

func (s *socket) writeBinary(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	s.metrics.ObserveFrame(s.vendor, "outbound", "binary")
	return nil
}

func (s *socket) close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// paceChunk sleeps for the playback duration of n PCM16 bytes at sampleRate
// so chunks reach the vendor at speech cadence.
func paceChunk(ctx context.Context, n, sampleRate int) error {
	d := audio.Duration(n, sampleRate)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// signal is a reusable one-shot completion flag: fire never blocks and
// coalesces, clear drops a pending fire.
type signal chan struct{}

func newSignal() signal { return make(signal, 1) }

func (s signal) fire() {
	select {
	case s <- struct{}{}:
	default:
	}
}

func (s signal) clear() {
	select {
	case <-s:
	default:
	}
}

// pcmBuffer accumulates agent audio appended by a receive loop.
type pcmBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *pcmBuffer) append(p []byte) {
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
}

// take returns the accumulated audio and resets the buffer.
func (b *pcmBuffer) take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf
	b.buf = nil
	if out == nil {
		out = []byte{}
	}
	return out
}

func (b *pcmBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
