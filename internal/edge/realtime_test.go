package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/protocol"
)

// fakeVendor serves one websocket per test and runs handle on it.
func fakeVendor(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{"token"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readType(conn *websocket.Conn) (string, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return jsonType(data), nil
}

func jsonType(data []byte) string {
	var env struct {
		Type  string `json:"type"`
		Event string `json:"event"`
	}
	_ = json.Unmarshal(data, &env)
	if env.Type != "" {
		return env.Type
	}
	return env.Event
}

func testDeps() Deps { return Deps{Logger: zap.NewNop()} }

func TestRealtimeTurnCollectsDeltasUntilBothDoneEvents(t *testing.T) {
	var appends atomic.Int32
	var sawHeaders atomic.Bool
	url := fakeVendor(t, func(conn *websocket.Conn, r *http.Request) {
		sawHeaders.Store(r.Header.Get("Authorization") == "Bearer sk-test" &&
			r.Header.Get("OpenAI-Beta") == "realtime=v1" &&
			r.URL.Query().Get("model") == "gpt-test")
		_ = conn.WriteJSON(map[string]any{"type": "session.created", "session": map[string]any{"id": "sess_1"}})
		for {
			typ, err := readType(conn)
			if err != nil {
				return
			}
			switch typ {
			case protocol.RealtimeInputAudioAppend:
				appends.Add(1)
			case protocol.RealtimeResponseCreate:
				_ = conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": "AQID"})
				_ = conn.WriteJSON(map[string]any{"type": "response.audio_transcript.delta", "delta": "hello"})
				_ = conn.WriteJSON(map[string]any{"type": "response.output_audio.delta", "delta": "BAUG"})
				_ = conn.WriteJSON(map[string]any{"type": "response.audio.done"})
				_ = conn.WriteJSON(map[string]any{"type": "response.done", "response": map[string]any{"id": "resp_1", "status": "completed"}})
			}
		}
	})

	e := RealtimeConfig{APIKey: "sk-test", URL: url, Model: "gpt-test"}.Create(testDeps())
	require.NoError(t, e.Connect(context.Background(), ConnectOptions{Timeout: 2 * time.Second}))
	defer e.Close()
	require.True(t, e.IsConnected())

	out, err := e.SendTurn(context.Background(), make([]byte, 1920), false, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, out.Audio)
	assert.Equal(t, false, out.Metadata[MetaTimedOut])
	assert.Equal(t, 2, out.Metadata[MetaChunksSent])
	assert.Equal(t, "hello", out.Metadata[MetaTranscript])
	assert.Equal(t, "resp_1", out.Metadata["response_id"])
	assert.Equal(t, "sess_1", out.Metadata["session_id"])
	assert.EqualValues(t, 2, appends.Load())
	assert.True(t, sawHeaders.Load())
}

func TestRealtimeTurnTimesOutWithPartialAudio(t *testing.T) {
	url := fakeVendor(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			typ, err := readType(conn)
			if err != nil {
				return
			}
			if typ == protocol.RealtimeResponseCreate {
				_ = conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": "AQID"})
				_ = conn.WriteJSON(map[string]any{"type": "response.audio.done"})
			}
		}
	})

	e := RealtimeConfig{URL: url}.Create(testDeps())
	require.NoError(t, e.Connect(context.Background(), ConnectOptions{}))
	defer e.Close()

	start := time.Now()
	out, err := e.SendTurn(context.Background(), make([]byte, 960), false, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, true, out.Metadata[MetaTimedOut])
	assert.Equal(t, []byte{1, 2, 3}, out.Audio)
	assert.Equal(t, true, out.Metadata["audio_done"])
	assert.Equal(t, false, out.Metadata["response_done"])
}

func TestRealtimeVendorErrorRecordedInMetadata(t *testing.T) {
	url := fakeVendor(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			typ, err := readType(conn)
			if err != nil {
				return
			}
			if typ == protocol.RealtimeResponseCreate {
				_ = conn.WriteJSON(map[string]any{"type": "error", "error": map[string]any{"code": "rate_limit_exceeded", "message": "slow down"}})
				_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
				_ = conn.WriteJSON(map[string]any{"type": "response.audio.done"})
				_ = conn.WriteJSON(map[string]any{"type": "response.done", "response": map[string]any{"status": "failed"}})
			}
		}
	})

	e := RealtimeConfig{URL: url}.Create(testDeps())
	require.NoError(t, e.Connect(context.Background(), ConnectOptions{}))
	defer e.Close()

	out, err := e.SendTurn(context.Background(), make([]byte, 960), false, 2*time.Second)
	require.NoError(t, err)
	errs, ok := out.Metadata[MetaErrors].([]VendorError)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Equal(t, "rate_limit_exceeded", errs[0].Code)
	assert.True(t, errs[0].Retryable)
	assert.Empty(t, out.Audio)
	assert.Equal(t, false, out.Metadata[MetaTimedOut])
}

func TestRealtimeSendBeforeConnect(t *testing.T) {
	e := RealtimeConfig{}.Create(testDeps())
	_, err := e.SendTurn(context.Background(), nil, false, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, e.Close())
	assert.ErrorIs(t, e.Connect(context.Background(), ConnectOptions{}), ErrClosed)
}

func TestRealtimePeerCloseMarksDisconnected(t *testing.T) {
	url := fakeVendor(t, func(conn *websocket.Conn, _ *http.Request) {
		_, _ = readType(conn)
		time.Sleep(800 * time.Millisecond)
	})

	e := RealtimeConfig{URL: url}.Create(testDeps())
	require.NoError(t, e.Connect(context.Background(), ConnectOptions{}))
	defer e.Close()

	require.Eventually(t, func() bool { return !e.IsConnected() }, 3*time.Second, 20*time.Millisecond)
	_, err := e.SendTurn(context.Background(), make([]byte, 960), false, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRealtimeDialFailureIsHandshakeError(t *testing.T) {
	e := RealtimeConfig{URL: "ws://127.0.0.1:1/realtime"}.Create(testDeps())
	err := e.Connect(context.Background(), ConnectOptions{Timeout: 500 * time.Millisecond})
	assert.ErrorIs(t, err, ErrHandshake)
	assert.False(t, e.IsConnected())
}

func TestRealtimeCloseIsIdempotent(t *testing.T) {
	url := fakeVendor(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			if _, err := readType(conn); err != nil {
				return
			}
		}
	})
	e := RealtimeConfig{URL: url}.Create(testDeps())
	require.NoError(t, e.Connect(context.Background(), ConnectOptions{}))
	assert.NoError(t, e.Close())
	assert.NoError(t, e.Close())
	assert.False(t, e.IsConnected())
}

func TestRealtimeCommitPrecedesResponseCreate(t *testing.T) {
	frames := make(chan []byte, 16)
	url := fakeVendor(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			typ := jsonType(data)
			if typ == protocol.RealtimeInputAudioCommit || typ == protocol.RealtimeResponseCreate {
				frames <- data
			}
			if typ == protocol.RealtimeResponseCreate {
				_ = conn.WriteJSON(map[string]any{"type": "response.audio.done"})
				_ = conn.WriteJSON(map[string]any{"type": "response.done", "response": map[string]any{}})
			}
		}
	})

	e := RealtimeConfig{URL: url}.Create(testDeps())
	require.NoError(t, e.Connect(context.Background(), ConnectOptions{}))
	defer e.Close()

	_, err := e.SendTurn(context.Background(), make([]byte, 960), false, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"type":"input_audio_buffer.commit"}`, string(<-frames))
	assert.JSONEq(t, `{"type":"response.create","response":{}}`, string(<-frames))
}

func TestRealtimeConfiguresSessionAfterGreetingWindow(t *testing.T) {
	updated := make(chan time.Duration, 1)
	url := fakeVendor(t, func(conn *websocket.Conn, _ *http.Request) {
		opened := time.Now()
		for {
			typ, err := readType(conn)
			if err != nil {
				return
			}
			if typ == protocol.RealtimeSessionUpdate {
				updated <- time.Since(opened)
			}
		}
	})

	e := RealtimeConfig{URL: url}.Create(testDeps())
	require.NoError(t, e.Connect(context.Background(), ConnectOptions{}))
	defer e.Close()

	select {
	case after := <-updated:
		assert.GreaterOrEqual(t, after, realtimeGreetingWait-50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("session.update never sent")
	}
}
