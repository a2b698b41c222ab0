// Package platform publishes turn audio artifacts where an evaluation
// platform can fetch them.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ent0n29/voicebench/internal/reliability"
)

// Uploader publishes a WAV file already written to localPath and returns a
// reference the platform can resolve.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// LocalUploader leaves the file in place and returns its file:// URI.
type LocalUploader struct{}

func (LocalUploader) Upload(_ context.Context, localPath string) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// HTTPUploader PUTs artifacts to BaseURL joined with the file's path
// relative to Root, retrying retryable statuses with capped backoff.
type HTTPUploader struct {
	BaseURL string
	Root    string
	Token   string
	Client  *http.Client
	Retries int
}

func (u HTTPUploader) Upload(ctx context.Context, localPath string) (string, error) {
	wav, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	base, err := url.Parse(strings.TrimRight(u.BaseURL, "/"))
	if err != nil {
		return "", err
	}
	base.Path = path.Join(base.Path, u.key(localPath))
	target := base.String()

	client := u.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	var lastErr error
	for attempt := 0; attempt <= u.Retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(reliability.ExponentialBackoff(attempt-1, 200*time.Millisecond, 2*time.Second))
			select {
			case <-ctx.Done():
				t.Stop()
				return "", ctx.Err()
			case <-t.C:
			}
		}
		ref, retry, err := u.put(ctx, client, target, wav)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return "", lastErr
}

func (u HTTPUploader) key(localPath string) string {
	if u.Root != "" {
		if rel, err := filepath.Rel(u.Root, localPath); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.Base(localPath)
}

func (u HTTPUploader) put(ctx context.Context, client *http.Client, target string, wav []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(wav))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "audio/wav")
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("upload artifact: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return "", reliability.IsRetryableHTTPStatus(resp.StatusCode),
			fmt.Errorf("upload artifact: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		URL string `json:"url"`
	}
	if json.Unmarshal(body, &out) == nil && out.URL != "" {
		return out.URL, false, nil
	}
	return target, false, nil
}
