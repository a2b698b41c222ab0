package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the evaluation harness.
type Config struct {
	BindAddr                 string        `yaml:"bind_addr"`
	ShutdownTimeout          time.Duration `yaml:"shutdown_timeout"`
	SessionInactivityTimeout time.Duration `yaml:"session_inactivity_timeout"`
	SessionCloseGrace        time.Duration `yaml:"session_close_grace"`
	MetricsNamespace         string        `yaml:"metrics_namespace"`
	LogLevel                 string        `yaml:"log_level"`
	LogFile                  string        `yaml:"log_file"`

	EdgeVendor       string        `yaml:"edge_vendor"`
	EdgeSampleRate   int           `yaml:"edge_sample_rate"`
	EdgeChunkMS      int           `yaml:"edge_chunk_ms"`
	EdgeInstructions string        `yaml:"edge_instructions"`
	TurnTimeout      time.Duration `yaml:"turn_timeout"`
	PaceRealtime     bool          `yaml:"pace_realtime"`

	OpenAIAPIKey        string `yaml:"openai_api_key"`
	OpenAIRealtimeURL   string `yaml:"openai_realtime_url"`
	OpenAIRealtimeModel string `yaml:"openai_realtime_model"`
	OpenAIRealtimeVoice string `yaml:"openai_realtime_voice"`
	OpenAITTSModel      string `yaml:"openai_tts_model"`
	OpenAITTSVoice      string `yaml:"openai_tts_voice"`

	DeepgramAPIKey        string `yaml:"deepgram_api_key"`
	DeepgramAgentURL      string `yaml:"deepgram_agent_url"`
	DeepgramAgentGreeting string `yaml:"deepgram_agent_greeting"`
	DeepgramAgentThink    string `yaml:"deepgram_agent_think_model"`
	DeepgramAgentSpeak    string `yaml:"deepgram_agent_speak_model"`
	DeepgramSTTModel      string `yaml:"deepgram_stt_model"`

	TwilioAccountSID string `yaml:"twilio_account_sid"`
	TwilioAuthToken  string `yaml:"twilio_auth_token"`
	TwilioFrom       string `yaml:"twilio_from"`
	TwilioTo         string `yaml:"twilio_to"`

	TelephonyMode       string `yaml:"telephony_mode"`
	TelephonyListenAddr string `yaml:"telephony_listen_addr"`
	TunnelProvider      string `yaml:"tunnel_provider"`
	TunnelPublicURL     string `yaml:"tunnel_public_url"`
	NgrokAuthToken      string `yaml:"ngrok_authtoken"`

	TTSProvider string `yaml:"tts_provider"`
	TTSWAVDir   string `yaml:"tts_wav_dir"`
	ASRProvider string `yaml:"asr_provider"`

	ArtifactDir       string `yaml:"artifact_dir"`
	PlatformUploadURL string `yaml:"platform_upload_url"`
	PlatformToken     string `yaml:"platform_token"`
	DatabaseURL       string `yaml:"database_url"`
}

func defaults() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 5 * time.Minute,
		SessionCloseGrace:        5 * time.Second,
		MetricsNamespace:         "voicebench",
		LogLevel:                 "info",
		EdgeVendor:               "realtime",
		EdgeChunkMS:              20,
		TurnTimeout:              30 * time.Second,
		PaceRealtime:             true,
		OpenAITTSModel:           "gpt-4o-mini-tts",
		OpenAITTSVoice:           "alloy",
		DeepgramSTTModel:         "nova-3",
		TelephonyMode:            "server",
		TelephonyListenAddr:      "127.0.0.1:0",
		TunnelProvider:           "auto",
		TTSProvider:              "auto",
		ASRProvider:              "auto",
		ArtifactDir:              "artifacts",
	}
}

// Load applies defaults, then the YAML file named by VOICEBENCH_CONFIG, then
// environment variables.
func Load() (Config, error) {
	cfg := defaults()
	if path := stringsTrimSpace("VOICEBENCH_CONFIG"); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = envOrDefault("LOG_FILE", cfg.LogFile)
	cfg.EdgeVendor = strings.ToLower(envOrDefault("EDGE_VENDOR", cfg.EdgeVendor))
	cfg.EdgeInstructions = envOrDefault("EDGE_INSTRUCTIONS", cfg.EdgeInstructions)
	cfg.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIRealtimeURL = envOrDefault("OPENAI_REALTIME_URL", cfg.OpenAIRealtimeURL)
	cfg.OpenAIRealtimeModel = envOrDefault("OPENAI_REALTIME_MODEL", cfg.OpenAIRealtimeModel)
	cfg.OpenAIRealtimeVoice = envOrDefault("OPENAI_REALTIME_VOICE", cfg.OpenAIRealtimeVoice)
	cfg.OpenAITTSModel = envOrDefault("OPENAI_TTS_MODEL", cfg.OpenAITTSModel)
	cfg.OpenAITTSVoice = envOrDefault("OPENAI_TTS_VOICE", cfg.OpenAITTSVoice)
	cfg.DeepgramAPIKey = envOrDefault("DEEPGRAM_API_KEY", cfg.DeepgramAPIKey)
	cfg.DeepgramAgentURL = envOrDefault("DEEPGRAM_AGENT_URL", cfg.DeepgramAgentURL)
	cfg.DeepgramAgentGreeting = envOrDefault("DEEPGRAM_AGENT_GREETING", cfg.DeepgramAgentGreeting)
	cfg.DeepgramAgentThink = envOrDefault("DEEPGRAM_AGENT_THINK_MODEL", cfg.DeepgramAgentThink)
	cfg.DeepgramAgentSpeak = envOrDefault("DEEPGRAM_AGENT_SPEAK_MODEL", cfg.DeepgramAgentSpeak)
	cfg.DeepgramSTTModel = envOrDefault("DEEPGRAM_STT_MODEL", cfg.DeepgramSTTModel)
	cfg.TwilioAccountSID = envOrDefault("TWILIO_ACCOUNT_SID", cfg.TwilioAccountSID)
	cfg.TwilioAuthToken = envOrDefault("TWILIO_AUTH_TOKEN", cfg.TwilioAuthToken)
	cfg.TwilioFrom = envOrDefault("TWILIO_FROM", cfg.TwilioFrom)
	cfg.TwilioTo = envOrDefault("TWILIO_TO", cfg.TwilioTo)
	cfg.TelephonyMode = strings.ToLower(envOrDefault("TELEPHONY_MODE", cfg.TelephonyMode))
	cfg.TelephonyListenAddr = envOrDefault("TELEPHONY_LISTEN_ADDR", cfg.TelephonyListenAddr)
	cfg.TunnelProvider = strings.ToLower(envOrDefault("TUNNEL_PROVIDER", cfg.TunnelProvider))
	cfg.TunnelPublicURL = envOrDefault("TUNNEL_PUBLIC_URL", cfg.TunnelPublicURL)
	cfg.NgrokAuthToken = envOrDefault("NGROK_AUTHTOKEN", cfg.NgrokAuthToken)
	cfg.TTSProvider = strings.ToLower(envOrDefault("TTS_PROVIDER", cfg.TTSProvider))
	cfg.TTSWAVDir = envOrDefault("TTS_WAV_DIR", cfg.TTSWAVDir)
	cfg.ASRProvider = strings.ToLower(envOrDefault("ASR_PROVIDER", cfg.ASRProvider))
	cfg.ArtifactDir = envOrDefault("ARTIFACT_DIR", cfg.ArtifactDir)
	cfg.PlatformUploadURL = envOrDefault("PLATFORM_UPLOAD_URL", cfg.PlatformUploadURL)
	cfg.PlatformToken = envOrDefault("PLATFORM_TOKEN", cfg.PlatformToken)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCloseGrace, err = durationFromEnv("SESSION_CLOSE_GRACE", cfg.SessionCloseGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.TurnTimeout, err = durationFromEnv("EDGE_TURN_TIMEOUT", cfg.TurnTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EdgeSampleRate, err = intFromEnv("EDGE_SAMPLE_RATE", cfg.EdgeSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.EdgeChunkMS, err = intFromEnv("EDGE_CHUNK_MS", cfg.EdgeChunkMS)
	if err != nil {
		return Config{}, err
	}
	cfg.PaceRealtime, err = boolFromEnv("EDGE_PACE_REALTIME", cfg.PaceRealtime)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.EdgeVendor {
	case "realtime", "agent", "telephony":
	default:
		return fmt.Errorf("invalid EDGE_VENDOR: %q (expected realtime|agent|telephony)", c.EdgeVendor)
	}
	switch c.TelephonyMode {
	case "adopt", "server", "outbound":
	default:
		return fmt.Errorf("invalid TELEPHONY_MODE: %q (expected adopt|server|outbound)", c.TelephonyMode)
	}
	if c.EdgeSampleRate < 0 {
		return fmt.Errorf("EDGE_SAMPLE_RATE must be >= 0")
	}
	if c.EdgeChunkMS <= 0 {
		return fmt.Errorf("EDGE_CHUNK_MS must be positive")
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("EDGE_TURN_TIMEOUT must be positive")
	}
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.SessionCloseGrace <= 0 {
		return fmt.Errorf("SESSION_CLOSE_GRACE must be positive")
	}
	if c.EdgeVendor == "telephony" && c.TelephonyMode == "outbound" && (c.TwilioTo == "" || c.TwilioFrom == "") {
		return fmt.Errorf("TELEPHONY_MODE=outbound requires TWILIO_TO and TWILIO_FROM")
	}
	return nil
}

func overlayFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
