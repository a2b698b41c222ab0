package speech

import (
	"context"
	"math"
	"strings"

	"github.com/ent0n29/voicebench/internal/audio"
)

// Tone is an offline Synthesizer used when no TTS vendor is configured. It
// renders a 440 Hz tone whose length grows with the text, 60ms per rune,
// so turn pacing stays realistic.
type Tone struct{}

func (Tone) Synthesize(_ context.Context, text, _ string, sampleRate int) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	ms := 60 * len([]rune(text))
	n := sampleRate * ms / 1000
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
	}
	return audio.Bytes(samples), nil
}

// Static is an offline Transcriber that returns Text for any non-empty
// audio.
type Static struct {
	Text string
}

func (s Static) Transcribe(_ context.Context, pcm []byte, _ int) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	return s.Text, nil
}
