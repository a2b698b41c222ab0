package platform

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicebench/internal/audio"
)

func writeWAV(t *testing.T, dir, rel string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, audio.WriteWAVPCM16LEFile(p, make([]byte, 320), 16000))
	return p
}

func TestLocalUploaderReturnsFileURI(t *testing.T) {
	p := writeWAV(t, t.TempDir(), "s1/turn-1-caller.wav")
	ref, err := LocalUploader{}.Upload(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "file://"))
	assert.True(t, strings.HasSuffix(ref, "/s1/turn-1-caller.wav"))

	_, err = LocalUploader{}.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.wav"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestHTTPUploaderRetriesThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	p := writeWAV(t, dir, "s1/turn-1-agent.wav")

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/artifacts/s1/turn-1-agent.wav", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "RIFF", string(body[:4]))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"url":"https://cdn.example.com/s1/turn-1-agent.wav"}`))
	}))
	defer srv.Close()

	ref, err := HTTPUploader{BaseURL: srv.URL + "/artifacts", Root: dir, Token: "tok", Retries: 2}.Upload(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/s1/turn-1-agent.wav", ref)
	assert.EqualValues(t, 2, calls.Load())
}

func TestHTTPUploaderDoesNotRetryClientErrors(t *testing.T) {
	p := writeWAV(t, t.TempDir(), "k.wav")
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/k.wav", r.URL.Path)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := HTTPUploader{BaseURL: srv.URL, Retries: 3}.Upload(context.Background(), p)
	assert.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}
