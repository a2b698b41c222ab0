package reliability

import (
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes from vendor
// REST collaborators (TTS, ASR, call control, artifact upload).
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableVendorCode classifies error codes reported inside vendor
// websocket error frames. An evaluation batch may rerun a turn that failed
// with a retryable code.
func IsRetryableVendorCode(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "rate_limit_exceeded", "rate_limited", "resource_exhausted",
		"server_error", "queue_overflow", "overloaded", "timeout":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
