package app

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/callcontrol"
	"github.com/ent0n29/voicebench/internal/config"
	"github.com/ent0n29/voicebench/internal/edge"
	"github.com/ent0n29/voicebench/internal/tunnel"
)

// EdgeConfig builds the vendor configuration selected by EDGE_VENDOR.
func EdgeConfig(cfg config.Config, log *zap.Logger) (edge.Config, error) {
	switch cfg.EdgeVendor {
	case edge.VendorRealtime:
		if cfg.OpenAIAPIKey == "" && cfg.OpenAIRealtimeURL == "" {
			return nil, fmt.Errorf("EDGE_VENDOR=realtime requires OPENAI_API_KEY")
		}
		return edge.RealtimeConfig{
			APIKey:       cfg.OpenAIAPIKey,
			URL:          cfg.OpenAIRealtimeURL,
			Model:        cfg.OpenAIRealtimeModel,
			Voice:        cfg.OpenAIRealtimeVoice,
			Instructions: cfg.EdgeInstructions,
			Rate:         cfg.EdgeSampleRate,
			Chunk:        cfg.EdgeChunkMS,
		}, nil
	case edge.VendorAgent:
		if cfg.DeepgramAPIKey == "" && cfg.DeepgramAgentURL == "" {
			return nil, fmt.Errorf("EDGE_VENDOR=agent requires DEEPGRAM_API_KEY")
		}
		return edge.AgentConfig{
			APIKey:     cfg.DeepgramAPIKey,
			URL:        cfg.DeepgramAgentURL,
			ThinkModel: cfg.DeepgramAgentThink,
			SpeakModel: cfg.DeepgramAgentSpeak,
			Prompt:     cfg.EdgeInstructions,
			Greeting:   cfg.DeepgramAgentGreeting,
			Rate:       cfg.EdgeSampleRate,
			Chunk:      cfg.EdgeChunkMS,
		}, nil
	case edge.VendorTelephony:
		tc := edge.TelephonyConfig{
			Mode:       edge.TelephonyMode(cfg.TelephonyMode),
			Rate:       cfg.EdgeSampleRate,
			Chunk:      cfg.EdgeChunkMS,
			ListenAddr: cfg.TelephonyListenAddr,
			To:         cfg.TwilioTo,
			From:       cfg.TwilioFrom,
		}
		if tc.Mode != edge.TelephonyAdopt {
			tc.Tunnel = tunnelProvider(cfg, log)
		}
		if tc.Mode == edge.TelephonyOutbound {
			tc.Placer = callcontrol.Twilio{AccountSID: cfg.TwilioAccountSID, AuthToken: cfg.TwilioAuthToken, Logger: log}
		}
		return tc, nil
	default:
		return nil, fmt.Errorf("invalid EDGE_VENDOR: %q", cfg.EdgeVendor)
	}
}

func tunnelProvider(cfg config.Config, log *zap.Logger) tunnel.Provider {
	switch strings.ToLower(cfg.TunnelProvider) {
	case "none":
		return nil
	case "static":
		return tunnel.Static{URL: cfg.TunnelPublicURL}
	case "ngrok":
		return tunnel.Ngrok{AuthToken: cfg.NgrokAuthToken, Logger: log}
	default:
		if cfg.TunnelPublicURL != "" {
			return tunnel.Static{URL: cfg.TunnelPublicURL}
		}
		return tunnel.Ngrok{AuthToken: cfg.NgrokAuthToken, Logger: log}
	}
}
