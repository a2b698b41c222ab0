package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := map[int]bool{200: false, 400: false, 408: true, 429: true, 500: true, 503: true}
	for code, want := range cases {
		assert.Equal(t, want, IsRetryableHTTPStatus(code), "status %d", code)
	}
}

func TestIsRetryableVendorCode(t *testing.T) {
	assert.True(t, IsRetryableVendorCode("rate_limit_exceeded"))
	assert.True(t, IsRetryableVendorCode(" Server_Error "))
	assert.False(t, IsRetryableVendorCode("invalid_value"))
	assert.False(t, IsRetryableVendorCode(""))
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	assert.Equal(t, base, ExponentialBackoff(0, base, capDur))
	assert.Equal(t, 400*time.Millisecond, ExponentialBackoff(2, base, capDur))
	assert.Equal(t, capDur, ExponentialBackoff(10, base, capDur))
}
