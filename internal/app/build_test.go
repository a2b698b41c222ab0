package app

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicebench/internal/config"
	"github.com/ent0n29/voicebench/internal/edge"
	"github.com/ent0n29/voicebench/internal/observability"
	"github.com/ent0n29/voicebench/internal/platform"
	"github.com/ent0n29/voicebench/internal/speech"
	"github.com/ent0n29/voicebench/internal/tunnel"
)

func baseConfig() config.Config {
	return config.Config{
		EdgeVendor:    "agent",
		EdgeChunkMS:   20,
		TelephonyMode: "server",
		TTSProvider:   "auto",
		ASRProvider:   "auto",
	}
}

func TestBuildInMemory(t *testing.T) {
	cfg := baseConfig()
	cfg.DeepgramAPIKey = "dg"
	res, err := Build(context.Background(), cfg, nil, observability.NewMetricsWith(prometheus.NewRegistry(), "test_app"))
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Cleanup()) }()

	assert.Equal(t, edge.VendorAgent, res.Edge.Vendor())
	assert.Equal(t, "tone tts (no OPENAI_API_KEY) + deepgram asr", res.Speech)
	assert.NotNil(t, res.API.Router())
	assert.Equal(t, 0, res.Sessions.ActiveCount())
}

func TestEdgeConfigRequiresCredentials(t *testing.T) {
	cfg := baseConfig()
	cfg.EdgeVendor = "realtime"
	_, err := EdgeConfig(cfg, nil)
	assert.Error(t, err)

	cfg.OpenAIAPIKey = "sk"
	ec, err := EdgeConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, edge.VendorRealtime, ec.Vendor())
}

func TestEdgeConfigTelephonyWiring(t *testing.T) {
	cfg := baseConfig()
	cfg.EdgeVendor = "telephony"
	cfg.TelephonyMode = "outbound"
	cfg.TunnelPublicURL = "https://bench.example.com"
	cfg.TwilioTo, cfg.TwilioFrom = "+1555", "+1666"

	ec, err := EdgeConfig(cfg, nil)
	require.NoError(t, err)
	tc, ok := ec.(edge.TelephonyConfig)
	require.True(t, ok)
	assert.Equal(t, tunnel.Static{URL: "https://bench.example.com"}, tc.Tunnel)
	assert.NotNil(t, tc.Placer)
	assert.Equal(t, 16000, tc.SampleRate())

	cfg.TelephonyMode = "adopt"
	ec, err = EdgeConfig(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, ec.(edge.TelephonyConfig).Tunnel)
}

func TestResolveSpeechModes(t *testing.T) {
	cfg := baseConfig()
	cfg.OpenAIAPIKey = "sk"
	tts, _, err := resolveTTS(cfg)
	require.NoError(t, err)
	assert.IsType(t, &speech.Failover{}, tts)

	cfg.TTSProvider = "mock"
	tts, _, err = resolveTTS(cfg)
	require.NoError(t, err)
	assert.Equal(t, speech.Tone{}, tts)

	cfg.TTSProvider = "wav"
	cfg.TTSWAVDir = "/srv/recordings"
	tts, _, err = resolveTTS(cfg)
	require.NoError(t, err)
	assert.Equal(t, speech.Recorded{Dir: "/srv/recordings"}, tts)

	cfg.ASRProvider = "deepgram"
	_, _, err = resolveASR(cfg)
	assert.Error(t, err)

	cfg.TTSProvider = "polly"
	_, _, err = resolveTTS(cfg)
	assert.Error(t, err)
}

func TestUploaderSelection(t *testing.T) {
	cfg := baseConfig()
	assert.Equal(t, platform.LocalUploader{}, uploader(cfg))
	cfg.PlatformUploadURL = "https://platform.example.com/audio"
	assert.IsType(t, platform.HTTPUploader{}, uploader(cfg))
}
