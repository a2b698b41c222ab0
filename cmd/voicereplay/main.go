// Command voicereplay plays a scripted caller conversation into a voice
// agent, either in-process or through a running voicebench server, and
// prints per-turn results plus a latency summary.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/app"
	"github.com/ent0n29/voicebench/internal/config"
	"github.com/ent0n29/voicebench/internal/harness"
	"github.com/ent0n29/voicebench/internal/logging"
)

type options struct {
	baseURL        string
	sessionID      string
	scriptPath     string
	audioDir       string
	texts          []string
	voice          string
	pace           bool
	turnTimeout    time.Duration
	interTurnDelay time.Duration
	verbose        bool
}

var defaultUtterances = []string{
	"Hi, I'd like to check the status of my order.",
	"The order number is four two seven one.",
	"Can you send the tracking link by text?",
	"That's all, thank you.",
}

// turnSender plays one utterance and returns the agent's reply.
type turnSender interface {
	Send(ctx context.Context, sessionID, text string, voice harness.VoiceOptions, pace bool, timeout time.Duration) (harness.TurnResult, error)
	End(sessionID string) error
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicereplay: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "voicereplay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	fs := flag.NewFlagSet("voicereplay", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "", "voicebench server URL; empty runs in-process from the environment config")
	fs.StringVar(&cfg.sessionID, "session-id", "", "session id (default: random)")
	fs.StringVar(&cfg.scriptPath, "script", "", "file with one caller utterance per line; # starts a comment")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|'")
	fs.StringVar(&cfg.audioDir, "audio-dir", "", "replay recorded caller WAV files from this directory; utterances name the files (in-process only)")
	fs.StringVar(&cfg.voice, "voice", "", "caller voice passed to the synthesizer")
	fs.BoolVar(&cfg.pace, "pace", true, "send caller audio at real-time speed")
	fs.DurationVar(&cfg.turnTimeout, "turn-timeout", 30*time.Second, "per-turn response timeout")
	fs.DurationVar(&cfg.interTurnDelay, "inter-turn", 500*time.Millisecond, "pause between turns")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print each turn")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.sessionID == "" {
		cfg.sessionID = "replay-" + uuid.NewString()[:8]
	}
	if cfg.turnTimeout <= 0 {
		return options{}, fmt.Errorf("turn-timeout must be > 0")
	}
	if cfg.audioDir != "" && cfg.baseURL != "" {
		return options{}, fmt.Errorf("audio-dir needs in-process mode; drop base-url")
	}
	switch {
	case cfg.scriptPath != "":
		f, err := os.Open(cfg.scriptPath)
		if err != nil {
			return options{}, err
		}
		defer f.Close()
		cfg.texts, err = parseScript(f)
		if err != nil {
			return options{}, err
		}
	case strings.TrimSpace(textsRaw) != "":
		for _, t := range strings.Split(textsRaw, "|") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
	default:
		cfg.texts = defaultUtterances
	}
	if len(cfg.texts) == 0 {
		return options{}, fmt.Errorf("no utterances to replay")
	}
	return cfg, nil
}

func parseScript(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func run(ctx context.Context, cfg options, out io.Writer) error {
	var sender turnSender
	if cfg.baseURL != "" {
		sender = &remoteSender{baseURL: cfg.baseURL, client: &http.Client{Timeout: cfg.turnTimeout + 30*time.Second}}
	} else {
		appCfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if cfg.audioDir != "" {
			appCfg.TTSProvider = "wav"
			appCfg.TTSWAVDir = cfg.audioDir
		}
		log, err := logging.New(logging.Config{Level: appCfg.LogLevel, File: appCfg.LogFile})
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		built, err := app.Build(ctx, appCfg, log, nil)
		if err != nil {
			return err
		}
		defer func() {
			if err := built.Cleanup(); err != nil {
				log.Warn("cleanup", zap.Error(err))
			}
		}()
		sender = built.Sessions
	}
	return replay(ctx, sender, cfg, out)
}

func replay(ctx context.Context, sender turnSender, cfg options, out io.Writer) error {
	var (
		latencies []time.Duration
		timeouts  int
	)
	defer func() { _ = sender.End(cfg.sessionID) }()

	for i, text := range cfg.texts {
		if i > 0 && cfg.interTurnDelay > 0 {
			select {
			case <-time.After(cfg.interTurnDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		started := time.Now()
		res, err := sender.Send(ctx, cfg.sessionID, text, harness.VoiceOptions{Voice: cfg.voice}, cfg.pace, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		elapsed := time.Since(started)
		latencies = append(latencies, elapsed)
		timedOut, _ := res.VendorMetadata["timed_out"].(bool)
		if timedOut {
			timeouts++
		}
		if cfg.verbose {
			fmt.Fprintf(out, "turn %d (%s, %d bytes%s)\n  caller: %s\n  agent:  %s\n",
				res.Turn, elapsed.Round(time.Millisecond), res.BytesReceived, timeoutTag(timedOut), text, res.AgentTranscript)
		}
	}

	s := summarize(latencies)
	fmt.Fprintf(out, "session %s: %d turns, %d timed out, p50=%s p90=%s max=%s\n",
		cfg.sessionID, len(latencies), timeouts, s.p50, s.p90, s.max)
	return nil
}

func timeoutTag(timedOut bool) string {
	if timedOut {
		return ", timed out"
	}
	return ""
}

type latencySummary struct {
	p50, p90, max time.Duration
}

func summarize(samples []time.Duration) latencySummary {
	if len(samples) == 0 {
		return latencySummary{}
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	pick := func(q float64) time.Duration {
		idx := int(q*float64(len(sorted)-1) + 0.5)
		return sorted[idx].Round(time.Millisecond)
	}
	return latencySummary{p50: pick(0.5), p90: pick(0.9), max: sorted[len(sorted)-1].Round(time.Millisecond)}
}

// remoteSender drives a running voicebench server over its HTTP API.
type remoteSender struct {
	baseURL string
	client  *http.Client
}

func (r *remoteSender) Send(ctx context.Context, sessionID, text string, voice harness.VoiceOptions, pace bool, timeout time.Duration) (harness.TurnResult, error) {
	body, err := json.Marshal(map[string]any{
		"text":       text,
		"voice":      voice.Voice,
		"pace":       pace,
		"timeout_ms": timeout.Milliseconds(),
	})
	if err != nil {
		return harness.TurnResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/sessions/"+sessionID+"/turns", bytes.NewReader(body))
	if err != nil {
		return harness.TurnResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return harness.TurnResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return harness.TurnResult{}, fmt.Errorf("send turn: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var res harness.TurnResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return harness.TurnResult{}, fmt.Errorf("decode turn: %w", err)
	}
	return res, nil
}

func (r *remoteSender) End(sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/sessions/"+sessionID+"/end", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
