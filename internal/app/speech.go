package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/voicebench/internal/config"
	"github.com/ent0n29/voicebench/internal/speech"
)

type speechSetup struct {
	tts    speech.Synthesizer
	asr    speech.Transcriber
	detail string
}

func resolveSpeech(cfg config.Config) (speechSetup, error) {
	tts, ttsDetail, err := resolveTTS(cfg)
	if err != nil {
		return speechSetup{}, err
	}
	asr, asrDetail, err := resolveASR(cfg)
	if err != nil {
		return speechSetup{}, err
	}
	return speechSetup{tts: tts, asr: asr, detail: ttsDetail + " + " + asrDetail}, nil
}

func resolveTTS(cfg config.Config) (speech.Synthesizer, string, error) {
	openai := func() (speech.Synthesizer, bool) {
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, false
		}
		return speech.OpenAITTS{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAITTSModel, Voice: cfg.OpenAITTSVoice}, true
	}

	switch mode := strings.ToLower(strings.TrimSpace(cfg.TTSProvider)); mode {
	case "openai":
		if p, ok := openai(); ok {
			return p, "openai tts", nil
		}
		return nil, "", fmt.Errorf("TTS_PROVIDER=openai but OPENAI_API_KEY is not set")
	case "mock":
		return speech.Tone{}, "tone tts", nil
	case "wav":
		return speech.Recorded{Dir: cfg.TTSWAVDir}, "recorded wav", nil
	case "", "auto":
		if p, ok := openai(); ok {
			return &speech.Failover{Primary: p, Fallback: speech.Tone{}}, "openai tts (tone fallback)", nil
		}
		return speech.Tone{}, "tone tts (no OPENAI_API_KEY)", nil
	default:
		return nil, "", fmt.Errorf("invalid TTS_PROVIDER: %q (expected auto|openai|mock|wav)", cfg.TTSProvider)
	}
}

func resolveASR(cfg config.Config) (speech.Transcriber, string, error) {
	deepgram := func() (speech.Transcriber, bool) {
		if strings.TrimSpace(cfg.DeepgramAPIKey) == "" {
			return nil, false
		}
		return speech.DeepgramSTT{APIKey: cfg.DeepgramAPIKey, Model: cfg.DeepgramSTTModel}, true
	}

	switch mode := strings.ToLower(strings.TrimSpace(cfg.ASRProvider)); mode {
	case "deepgram":
		if p, ok := deepgram(); ok {
			return p, "deepgram asr", nil
		}
		return nil, "", fmt.Errorf("ASR_PROVIDER=deepgram but DEEPGRAM_API_KEY is not set")
	case "none":
		return nil, "no asr", nil
	case "", "auto":
		if p, ok := deepgram(); ok {
			return p, "deepgram asr", nil
		}
		return nil, "no asr (no DEEPGRAM_API_KEY)", nil
	default:
		return nil, "", fmt.Errorf("invalid ASR_PROVIDER: %q (expected auto|deepgram|none)", cfg.ASRProvider)
	}
}
