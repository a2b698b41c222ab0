package speech

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Failover prefers Primary and switches to Fallback when Primary fails.
// Once Fallback succeeds it stays active until it fails; then Primary is
// retried.
type Failover struct {
	Primary  Synthesizer
	Fallback Synthesizer

	fallbackActive atomic.Bool
}

func (f *Failover) Synthesize(ctx context.Context, text, voice string, sampleRate int) ([]byte, error) {
	onFallback := f.fallbackActive.Load()
	first, second := f.Primary, f.Fallback
	if onFallback {
		first, second = f.Fallback, f.Primary
	}
	pcm, err := first.Synthesize(ctx, text, voice, sampleRate)
	if err == nil {
		return pcm, nil
	}
	pcm, err2 := second.Synthesize(ctx, text, voice, sampleRate)
	if err2 != nil {
		return nil, fmt.Errorf("synthesize failed on both backends: %v; %w", err, err2)
	}
	f.fallbackActive.Store(!onFallback)
	return pcm, nil
}
