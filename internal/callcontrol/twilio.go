// Package callcontrol places outbound phone calls whose audio is bridged to
// a media-stream websocket.
package callcontrol

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/policy"
	"github.com/ent0n29/voicebench/internal/reliability"
)

const defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

var ErrMissingCredentials = errors.New("call control credentials are not configured")

// Placer dials a number and connects the call's audio to streamURL.
// It returns the provider's call identifier.
type Placer interface {
	PlaceCall(ctx context.Context, to, from, streamURL string) (string, error)
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	Status    int    `json:"-"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("call control: status %d code %d: %s", e.Status, e.Code, e.Message)
}

// Twilio places calls through the Calls resource with inline TwiML.
type Twilio struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	Client     *http.Client
	Logger     *zap.Logger
}

func (t Twilio) PlaceCall(ctx context.Context, to, from, streamURL string) (string, error) {
	if strings.TrimSpace(t.AccountSID) == "" || strings.TrimSpace(t.AuthToken) == "" {
		return "", ErrMissingCredentials
	}
	twiml, err := StreamTwiML(streamURL)
	if err != nil {
		return "", err
	}
	base := strings.TrimRight(strings.TrimSpace(t.BaseURL), "/")
	if base == "" {
		base = defaultTwilioBaseURL
	}
	endpoint := base + "/Accounts/" + url.PathEscape(t.AccountSID) + "/Calls.json"

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Twiml", twiml)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(t.AccountSID, t.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("place call: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("place call: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode, Retryable: reliability.IsRetryableHTTPStatus(resp.StatusCode)}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return "", apiErr
	}
	var call struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &call); err != nil {
		return "", fmt.Errorf("place call: decode response: %w", err)
	}
	if t.Logger != nil {
		t.Logger.Info("call placed", zap.String("call_sid", call.SID), zap.String("status", call.Status), zap.String("to", policy.MaskNumber(to)))
	}
	return call.SID, nil
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect struct {
		Stream twimlStream `xml:"Stream"`
	} `xml:"Connect"`
}

// StreamTwiML renders the call instructions that bridge the call to a
// bidirectional media stream.
func StreamTwiML(streamURL string) (string, error) {
	if strings.TrimSpace(streamURL) == "" {
		return "", errors.New("stream url is required")
	}
	var doc twimlResponse
	doc.Connect.Stream.URL = streamURL
	out, err := xml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return xml.Header + string(out), nil
}
