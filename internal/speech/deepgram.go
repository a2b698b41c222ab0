package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const defaultDeepgramBaseURL = "https://api.deepgram.com"

// DeepgramSTT transcribes a whole utterance with the prerecorded listen
// endpoint.
type DeepgramSTT struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	Client   *http.Client
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (s DeepgramSTT) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	u, err := url.Parse(strings.TrimRight(orDefault(s.BaseURL, defaultDeepgramBaseURL), "/") + "/v1/listen")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", orDefault(s.Model, "nova-3"))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	q.Set("smart_format", "true")
	if lang := strings.TrimSpace(s.Language); lang != "" {
		q.Set("language", lang)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(pcm))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Token "+s.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := httpClient(s.Client).Do(req)
	if err != nil {
		return "", fmt.Errorf("stt request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("stt read: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", newAPIError("deepgram-stt", resp.StatusCode, body)
	}
	var parsed deepgramResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("stt decode: %w", err)
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return strings.TrimSpace(parsed.Results.Channels[0].Alternatives[0].Transcript), nil
}
