package speech

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAITTSResamplesTo16k(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/speech", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"response_format":"pcm"`)
		assert.Contains(t, string(body), `"voice":"alloy"`)
		_, _ = w.Write(make([]byte, 4800))
	}))
	defer srv.Close()

	pcm, err := OpenAITTS{APIKey: "sk-test", BaseURL: srv.URL}.Synthesize(context.Background(), "hello", "", 16000)
	require.NoError(t, err)
	assert.Len(t, pcm, 3200)
}

func TestOpenAITTSRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := OpenAITTS{BaseURL: srv.URL}.Synthesize(context.Background(), "hello", "", 16000)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestDeepgramSTT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/listen", r.URL.Path)
		assert.Equal(t, "16000", r.URL.Query().Get("sample_rate"))
		assert.Equal(t, "Token dg", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":" Hi, how can I help? ","confidence":0.98}]}]}}`))
	}))
	defer srv.Close()

	text, err := DeepgramSTT{APIKey: "dg", BaseURL: srv.URL}.Transcribe(context.Background(), make([]byte, 320), 16000)
	require.NoError(t, err)
	assert.Equal(t, "Hi, how can I help?", text)
}

func TestDeepgramSTTSkipsEmptyAudio(t *testing.T) {
	text, err := DeepgramSTT{BaseURL: "http://127.0.0.1:1"}.Transcribe(context.Background(), nil, 16000)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestToneLengthTracksText(t *testing.T) {
	pcm, err := Tone{}.Synthesize(context.Background(), "abcd", "", 16000)
	require.NoError(t, err)
	assert.Len(t, pcm, 2*16000*240/1000)

	_, err = Tone{}.Synthesize(context.Background(), "  ", "", 16000)
	assert.ErrorIs(t, err, ErrEmptyText)
}

type failing struct{ calls int }

func (f *failing) Synthesize(context.Context, string, string, int) ([]byte, error) {
	f.calls++
	return nil, errors.New("down")
}

func TestFailoverSticksToFallback(t *testing.T) {
	primary := &failing{}
	f := &Failover{Primary: primary, Fallback: Tone{}}

	pcm, err := f.Synthesize(context.Background(), "hi", "", 8000)
	require.NoError(t, err)
	assert.NotEmpty(t, pcm)
	_, err = f.Synthesize(context.Background(), "hi", "", 8000)
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls)
}
