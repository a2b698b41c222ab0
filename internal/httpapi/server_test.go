package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicebench/internal/config"
	"github.com/ent0n29/voicebench/internal/edge"
	"github.com/ent0n29/voicebench/internal/harness"
	"github.com/ent0n29/voicebench/internal/observability"
	"github.com/ent0n29/voicebench/internal/session"
	"github.com/ent0n29/voicebench/internal/speech"
	"github.com/ent0n29/voicebench/internal/store"
)

type echoEdge struct{ connected atomic.Bool }

func (e *echoEdge) Connect(context.Context, edge.ConnectOptions) error {
	e.connected.Store(true)
	return nil
}

func (e *echoEdge) SendTurn(_ context.Context, pcm []byte, _ bool, _ time.Duration) (edge.TurnOutput, error) {
	return edge.TurnOutput{Audio: pcm[:4], Metadata: edge.Metadata{edge.MetaTimedOut: false}}, nil
}

func (e *echoEdge) Close() error {
	e.connected.Store(false)
	return nil
}

func (e *echoEdge) IsConnected() bool { return e.connected.Load() }
func (e *echoEdge) Vendor() string    { return "echo" }
func (e *echoEdge) SampleRate() int   { return 8000 }

type echoConfig struct{}

func (echoConfig) Vendor() string                  { return "echo" }
func (echoConfig) SampleRate() int                 { return 8000 }
func (echoConfig) ChunkMS() int                    { return 20 }
func (echoConfig) Create(edge.Deps) edge.VoiceEdge { return &echoEdge{} }

func newTestServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	turns := store.NewInMemory()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test_httpapi")
	sessions := session.NewManager(session.Options{
		Edge:    echoConfig{},
		Client:  harness.Options{TTS: speech.Tone{}, ASR: speech.Static{Text: "echo"}, Store: turns},
		Metrics: metrics,
	})
	t.Cleanup(func() { _ = sessions.EndAll() })
	ts := httptest.NewServer(New(cfg, sessions, turns, metrics, nil).Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestSendTurnListAndEnd(t *testing.T) {
	ts := newTestServer(t, config.Config{EdgeVendor: "realtime", TurnTimeout: time.Second})

	res := postJSON(t, ts.URL+"/v1/sessions/run-1/turns", map[string]any{"text": "hello there", "pace": false})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var turn harness.TurnResult
	require.NoError(t, json.NewDecoder(res.Body).Decode(&turn))
	assert.Equal(t, 1, turn.Turn)
	assert.Equal(t, 4, turn.BytesReceived)
	assert.Equal(t, "echo", turn.AgentTranscript)

	listRes, err := http.Get(ts.URL + "/v1/sessions/run-1/turns?limit=10")
	require.NoError(t, err)
	defer listRes.Body.Close()
	var listed struct {
		Turns []store.TurnRecord `json:"turns"`
	}
	require.NoError(t, json.NewDecoder(listRes.Body).Decode(&listed))
	require.Len(t, listed.Turns, 1)
	assert.Equal(t, "hello there", listed.Turns[0].CallerText)

	endRes := postJSON(t, ts.URL+"/v1/sessions/run-1/end", nil)
	assert.Equal(t, http.StatusOK, endRes.StatusCode)
	again := postJSON(t, ts.URL+"/v1/sessions/run-1/end", nil)
	assert.Equal(t, http.StatusNotFound, again.StatusCode)
}

func TestSendTurnRejectsEmptyText(t *testing.T) {
	ts := newTestServer(t, config.Config{TurnTimeout: time.Second})
	res := postJSON(t, ts.URL+"/v1/sessions/run-2/turns", map[string]any{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestListTurnsRejectsBadLimit(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	res, err := http.Get(ts.URL + "/v1/sessions/x/turns?limit=-1")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestMediaStreamRequiresAdoptMode(t *testing.T) {
	ts := newTestServer(t, config.Config{EdgeVendor: "realtime"})
	res, err := http.Get(ts.URL + "/v1/sessions/x/media")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestHealthReadyAndPerfRoutes(t *testing.T) {
	ts := newTestServer(t, config.Config{EdgeVendor: "agent"})
	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/latency", "/v1/sessions", "/metrics"} {
		res, err := http.Get(ts.URL + path)
		require.NoError(t, err, path)
		res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode, path)
	}

	res, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer res.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "agent", body["edge_vendor"])
	assert.True(t, strings.EqualFold(body["status"].(string), "ready"))
}
