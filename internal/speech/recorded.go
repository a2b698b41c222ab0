package speech

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ent0n29/voicebench/internal/audio"
)

// Recorded replays caller audio from WAV files instead of synthesising it.
// The utterance text names the file, relative to Dir unless absolute.
type Recorded struct {
	Dir string
}

func (r Recorded) Synthesize(_ context.Context, text, _ string, sampleRate int) ([]byte, error) {
	name := strings.TrimSpace(text)
	if name == "" {
		return nil, ErrEmptyText
	}
	path := name
	if !filepath.IsAbs(path) && r.Dir != "" {
		path = filepath.Join(r.Dir, name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	pcm, rate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return audio.Resample(pcm, rate, sampleRate), nil
}
