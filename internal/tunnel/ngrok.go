package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/reliability"
)

const (
	defaultNgrokBinary = "ngrok"
	defaultNgrokAPI    = "http://127.0.0.1:4040"
	ngrokReadyTimeout  = 15 * time.Second
)

// Ngrok spawns the ngrok agent and reads the public URL from its local API.
type Ngrok struct {
	Binary    string
	APIAddr   string
	AuthToken string
	Region    string
	Logger    *zap.Logger
	Client    *http.Client
}

type ngrokTunnels struct {
	Tunnels []struct {
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
		Config    struct {
			Addr string `json:"addr"`
		} `json:"config"`
	} `json:"tunnels"`
}

func (n Ngrok) Open(ctx context.Context, localAddr string) (Tunnel, error) {
	log := n.Logger
	if log == nil {
		log = zap.NewNop()
	}
	bin := strings.TrimSpace(n.Binary)
	if bin == "" {
		bin = defaultNgrokBinary
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("ngrok binary %q not found; install ngrok or set TUNNEL_PROVIDER=static with TUNNEL_PUBLIC_URL: %w", bin, err)
	}
	_, port, err := net.SplitHostPort(localAddr)
	if err != nil {
		return nil, fmt.Errorf("tunnel local addr: %w", err)
	}

	args := []string{"http", port, "--log", "stdout", "--log-format", "json"}
	if r := strings.TrimSpace(n.Region); r != "" {
		args = append(args, "--region", r)
	}
	cmd := exec.Command(bin, args...)
	cmd.Env = os.Environ()
	if tok := strings.TrimSpace(n.AuthToken); tok != "" {
		cmd.Env = append(cmd.Env, "NGROK_AUTHTOKEN="+tok)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ngrok: %w", err)
	}

	publicURL, err := n.waitPublicURL(ctx, port)
	if err != nil {
		_ = stopProcess(cmd)
		return nil, err
	}
	log.Info("tunnel open", zap.String("public_url", publicURL), zap.String("local_addr", localAddr))
	return &ngrokTunnel{cmd: cmd, url: publicURL, log: log}, nil
}

// waitPublicURL polls the agent API with capped exponential backoff until
// it reports an https tunnel for port.
func (n Ngrok) waitPublicURL(ctx context.Context, port string) (string, error) {
	api := strings.TrimRight(strings.TrimSpace(n.APIAddr), "/")
	if api == "" {
		api = defaultNgrokAPI
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	ctx, cancel := context.WithTimeout(ctx, ngrokReadyTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; ; attempt++ {
		u, err := n.fetchPublicURL(ctx, client, api, port)
		if err == nil {
			return u, nil
		}
		lastErr = err
		t := time.NewTimer(reliability.ExponentialBackoff(attempt, 100*time.Millisecond, time.Second))
		select {
		case <-ctx.Done():
			t.Stop()
			return "", fmt.Errorf("ngrok tunnel not ready: %w", lastErr)
		case <-t.C:
		}
	}
}

func (n Ngrok) fetchPublicURL(ctx context.Context, client *http.Client, api, port string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api+"/api/tunnels", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ngrok api status %d", resp.StatusCode)
	}
	var body ngrokTunnels
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	for _, t := range body.Tunnels {
		if !strings.HasPrefix(t.PublicURL, "https://") {
			continue
		}
		if strings.HasSuffix(t.Config.Addr, ":"+port) || t.Config.Addr == port {
			return t.PublicURL, nil
		}
	}
	return "", ErrNoPublicURL
}

type ngrokTunnel struct {
	cmd *exec.Cmd
	url string
	log *zap.Logger
}

func (t *ngrokTunnel) PublicURL() string { return t.url }

func (t *ngrokTunnel) Close() error {
	err := stopProcess(t.cmd)
	t.log.Info("tunnel closed", zap.String("public_url", t.url))
	return err
}

// stopProcess interrupts the process and kills it if it has not exited
// within 700ms.
func stopProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	select {
	case err := <-done:
		return ignoreExit(err)
	case <-time.After(700 * time.Millisecond):
		_ = cmd.Process.Kill()
		return ignoreExit(<-done)
	}
}

func ignoreExit(err error) error {
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
