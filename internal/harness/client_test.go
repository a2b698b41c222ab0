package harness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicebench/internal/edge"
	"github.com/ent0n29/voicebench/internal/platform"
	"github.com/ent0n29/voicebench/internal/speech"
	"github.com/ent0n29/voicebench/internal/store"
)

// fakeEdge answers every turn with reply and records what it was sent.
type fakeEdge struct {
	mu        sync.Mutex
	reply     []byte
	meta      edge.Metadata
	sent      [][]byte
	connected bool
	closed    int
	err       error
}

func (f *fakeEdge) Connect(context.Context, edge.ConnectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeEdge) SendTurn(_ context.Context, pcm []byte, _ bool, _ time.Duration) (edge.TurnOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return edge.TurnOutput{}, f.err
	}
	f.sent = append(f.sent, pcm)
	meta := edge.Metadata{edge.MetaVendor: "fake", edge.MetaTimedOut: false}
	for k, v := range f.meta {
		meta[k] = v
	}
	return edge.TurnOutput{Audio: f.reply, Metadata: meta}, nil
}

func (f *fakeEdge) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.connected = false
	return nil
}

func (f *fakeEdge) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeEdge) Vendor() string  { return "fake" }
func (f *fakeEdge) SampleRate() int { return 16000 }

type failingASR struct{}

func (failingASR) Transcribe(context.Context, []byte, int) (string, error) {
	return "", errors.New("asr down")
}

func TestSendUtteranceWritesArtifactsAndCountsTurns(t *testing.T) {
	dir := t.TempDir()
	fe := &fakeEdge{reply: make([]byte, 640)}
	st := store.NewInMemory()
	c := New(Options{
		SessionID:   "s1",
		Edge:        fe,
		TTS:         speech.Tone{},
		ASR:         speech.Static{Text: "how can I help"},
		Uploader:    platform.LocalUploader{},
		Store:       st,
		ArtifactDir: dir,
	})
	require.NoError(t, c.Connect(context.Background(), edge.ConnectOptions{}))

	res, err := c.SendUtterance(context.Background(), "hello", VoiceOptions{}, false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Turn)
	assert.Equal(t, 640, res.BytesReceived)
	assert.Equal(t, "how can I help", res.AgentTranscript)
	assert.Contains(t, res.CallerAudioRef, "turn-001-caller.wav")
	assert.Contains(t, res.AgentAudioRef, "turn-001-agent.wav")
	assert.FileExists(t, filepath.Join(dir, "s1", "turn-001-caller.wav"))
	assert.FileExists(t, filepath.Join(dir, "s1", "turn-001-agent.wav"))
	require.Len(t, fe.sent, 1)
	assert.Len(t, fe.sent[0], 2*16000*300/1000)

	res, err = c.SendUtterance(context.Background(), "bye", VoiceOptions{}, false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Turn)
	assert.Equal(t, 2, c.Turns())

	turns, err := st.ListTurns(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "hello", turns[0].CallerText)
	assert.Equal(t, "fake", turns[0].Vendor)
}

func TestSendUtteranceTranscriptionFailureIsNotFatal(t *testing.T) {
	fe := &fakeEdge{reply: make([]byte, 320), meta: edge.Metadata{edge.MetaTranscript: "vendor text"}}
	c := New(Options{SessionID: "s2", Edge: fe, TTS: speech.Tone{}, ASR: failingASR{}})

	res, err := c.SendUtterance(context.Background(), "hi", VoiceOptions{}, false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "vendor text", res.AgentTranscript)
	assert.Empty(t, res.CallerAudioRef)
	assert.Empty(t, res.AgentAudioRef)
}

func TestSendUtteranceEmptyReplySkipsAgentArtifact(t *testing.T) {
	dir := t.TempDir()
	fe := &fakeEdge{meta: edge.Metadata{edge.MetaTimedOut: true}}
	c := New(Options{SessionID: "s3", Edge: fe, TTS: speech.Tone{}, ASR: speech.Static{Text: "x"}, ArtifactDir: dir})

	res, err := c.SendUtterance(context.Background(), "anyone there", VoiceOptions{}, false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.BytesReceived)
	assert.Empty(t, res.AgentTranscript)
	assert.Equal(t, true, res.VendorMetadata[edge.MetaTimedOut])
	_, err = os.Stat(filepath.Join(dir, "s3", "turn-001-agent.wav"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, filepath.Join(dir, "s3", "turn-001-caller.wav"), res.CallerAudioRef)
}

func TestSendUtteranceEdgeErrorDoesNotCountTurn(t *testing.T) {
	fe := &fakeEdge{err: edge.ErrNotConnected}
	c := New(Options{SessionID: "s4", Edge: fe, TTS: speech.Tone{}})

	_, err := c.SendUtterance(context.Background(), "hi", VoiceOptions{}, false, time.Second)
	assert.ErrorIs(t, err, edge.ErrNotConnected)
	assert.Equal(t, 0, c.Turns())
}

func TestSendUtteranceRequiresSynthesizer(t *testing.T) {
	c := New(Options{Edge: &fakeEdge{}})
	_, err := c.SendUtterance(context.Background(), "hi", VoiceOptions{}, false, time.Second)
	assert.ErrorIs(t, err, ErrNoSynthesizer)
}

// blockingEdge holds every turn until release closes.
type blockingEdge struct {
	*fakeEdge
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEdge) SendTurn(ctx context.Context, pcm []byte, pace bool, timeout time.Duration) (edge.TurnOutput, error) {
	close(b.entered)
	<-b.release
	return b.fakeEdge.SendTurn(ctx, pcm, pace, timeout)
}

func TestTurnsDoesNotWaitForActiveTurn(t *testing.T) {
	be := &blockingEdge{fakeEdge: &fakeEdge{reply: make([]byte, 64)}, entered: make(chan struct{}), release: make(chan struct{})}
	c := New(Options{SessionID: "s1", Edge: be, TTS: speech.Tone{}})

	done := make(chan error, 1)
	go func() {
		_, err := c.SendUtterance(context.Background(), "hello", VoiceOptions{}, false, time.Second)
		done <- err
	}()
	<-be.entered

	counted := make(chan int, 1)
	go func() { counted <- c.Turns() }()
	select {
	case n := <-counted:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("Turns blocked behind an active turn")
	}

	close(be.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, c.Turns())
}
