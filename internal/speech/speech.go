// Package speech turns scenario text into caller audio and agent audio back
// into text, so a harness can drive and score a voice agent.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/voicebench/internal/reliability"
)

var ErrEmptyText = errors.New("speech: empty text")

// Synthesizer renders text as mono PCM16 at sampleRate. An empty voice
// selects the backend's default.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string, sampleRate int) ([]byte, error)
}

// Transcriber converts mono PCM16 at sampleRate to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// APIError is a non-2xx response from a speech vendor.
type APIError struct {
	Vendor    string
	Status    int
	Body      string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Vendor, e.Status, e.Body)
}

func newAPIError(vendor string, status int, body []byte) *APIError {
	return &APIError{
		Vendor:    vendor,
		Status:    status,
		Body:      strings.TrimSpace(string(body)),
		Retryable: reliability.IsRetryableHTTPStatus(status),
	}
}

// IsRetryable reports whether err came from a vendor response worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}
