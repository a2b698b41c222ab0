package callcontrol

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamTwiML(t *testing.T) {
	doc, err := StreamTwiML("wss://abc.ngrok.app/media?a=1&b=2")
	require.NoError(t, err)
	assert.Contains(t, doc, `<Response><Connect><Stream url="wss://abc.ngrok.app/media?a=1&amp;b=2"></Stream></Connect></Response>`)

	_, err = StreamTwiML(" ")
	assert.Error(t, err)
}

func TestTwilioPlaceCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Accounts/AC1/Calls.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC1", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15550001111", r.PostForm.Get("To"))
		assert.Contains(t, r.PostForm.Get("Twiml"), "wss://abc.ngrok.app/media")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA123","status":"queued"}`))
	}))
	defer srv.Close()

	sid, err := Twilio{AccountSID: "AC1", AuthToken: "secret", BaseURL: srv.URL}.
		PlaceCall(context.Background(), "+15550001111", "+15550002222", "wss://abc.ngrok.app/media")
	require.NoError(t, err)
	assert.Equal(t, "CA123", sid)
}

func TestTwilioPlaceCallAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":20429,"message":"Too Many Requests"}`))
	}))
	defer srv.Close()

	_, err := Twilio{AccountSID: "AC1", AuthToken: "secret", BaseURL: srv.URL}.
		PlaceCall(context.Background(), "+1", "+2", "wss://x/media")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 20429, apiErr.Code)
	assert.True(t, apiErr.Retryable)
}

func TestTwilioRequiresCredentials(t *testing.T) {
	_, err := Twilio{}.PlaceCall(context.Background(), "+1", "+2", "wss://x/media")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}
