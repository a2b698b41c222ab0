package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voicebench/internal/audio"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	openAIPCMRate        = 24000
)

// OpenAITTS calls the speech endpoint with the raw pcm response format,
// which is 24 kHz mono PCM16, and resamples to the requested rate.
type OpenAITTS struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	Client  *http.Client
}

func (s OpenAITTS) Synthesize(ctx context.Context, text, voice string, sampleRate int) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	payload, err := json.Marshal(map[string]any{
		"model":           orDefault(s.Model, "gpt-4o-mini-tts"),
		"voice":           orDefault(voice, orDefault(s.Voice, "alloy")),
		"input":           text,
		"response_format": "pcm",
	})
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(orDefault(s.BaseURL, defaultOpenAIBaseURL), "/") + "/audio/speech"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient(s.Client).Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts read: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, newAPIError("openai-tts", resp.StatusCode, body)
	}
	if len(body)%audio.BytesPerSample != 0 {
		body = body[:len(body)-1]
	}
	return audio.Resample(body, openAIPCMRate, sampleRate), nil
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
