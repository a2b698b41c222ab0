package main

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicebench/internal/harness"
)

func TestParseScriptSkipsCommentsAndBlanks(t *testing.T) {
	lines, err := parseScript(strings.NewReader("# greeting\nhello\n\n  where is my order  \n#bye\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "where is my order"}, lines)
}

func TestParseFlagsTexts(t *testing.T) {
	cfg, err := parseFlags([]string{"-texts", "one| two ||three", "-session-id", "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, cfg.texts)
	assert.Equal(t, "s1", cfg.sessionID)

	cfg, err = parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultUtterances, cfg.texts)
	assert.True(t, strings.HasPrefix(cfg.sessionID, "replay-"))

	_, err = parseFlags([]string{"-turn-timeout", "0s"})
	assert.Error(t, err)
}

func TestParseFlagsAudioDir(t *testing.T) {
	cfg, err := parseFlags([]string{"-audio-dir", "/srv/recordings", "-texts", "hello.wav|order.wav"})
	require.NoError(t, err)
	assert.Equal(t, "/srv/recordings", cfg.audioDir)
	assert.Equal(t, []string{"hello.wav", "order.wav"}, cfg.texts)

	_, err = parseFlags([]string{"-audio-dir", "/srv/recordings", "-base-url", "http://localhost:8080"})
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	s := summarize([]time.Duration{300 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond, 900 * time.Millisecond})
	assert.Equal(t, 300*time.Millisecond, s.p50)
	assert.Equal(t, 900*time.Millisecond, s.p90)
	assert.Equal(t, 900*time.Millisecond, s.max)
	assert.Equal(t, latencySummary{}, summarize(nil))
}

func TestReplayAgainstServer(t *testing.T) {
	var ended atomic.Bool
	var turn atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/turns"):
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			n := int(turn.Add(1))
			_ = json.NewEncoder(w).Encode(harness.TurnResult{
				Turn:            n,
				BytesReceived:   320,
				AgentTranscript: "you said " + req["text"].(string),
				VendorMetadata:  map[string]any{"timed_out": n == 2},
			})
		case strings.HasSuffix(r.URL.Path, "/end"):
			ended.Store(true)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	cfg := options{
		sessionID:   "s1",
		texts:       []string{"a", "b"},
		turnTimeout: time.Second,
		verbose:     true,
	}
	err := replay(context.Background(), &remoteSender{baseURL: srv.URL, client: srv.Client()}, cfg, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "agent:  you said b")
	assert.Contains(t, out.String(), "timed out")
	assert.Contains(t, out.String(), "session s1: 2 turns, 1 timed out")
	assert.True(t, ended.Load())
}

func TestReplayStopsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"code":"edge_handshake_failed"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	err := replay(context.Background(), &remoteSender{baseURL: srv.URL, client: srv.Client()},
		options{sessionID: "s1", texts: []string{"a"}, turnTimeout: time.Second}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
