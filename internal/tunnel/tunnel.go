// Package tunnel exposes a local listener on a public URL so a telephony
// provider can reach the media-stream test server.
package tunnel

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

var ErrNoPublicURL = errors.New("tunnel has no public url")

// Tunnel is an open exposure of a local address.
type Tunnel interface {
	// PublicURL is the https base URL reachable by the provider.
	PublicURL() string
	Close() error
}

// Provider opens tunnels to local addresses such as "127.0.0.1:8765".
type Provider interface {
	Open(ctx context.Context, localAddr string) (Tunnel, error)
}

// Static is a Provider for deployments that already have a public ingress
// (a reverse proxy, a load balancer) forwarding to the local listener.
type Static struct {
	URL string
}

func (s Static) Open(_ context.Context, _ string) (Tunnel, error) {
	u := strings.TrimRight(strings.TrimSpace(s.URL), "/")
	if u == "" {
		return nil, ErrNoPublicURL
	}
	if _, err := url.Parse(u); err != nil {
		return nil, err
	}
	return staticTunnel(u), nil
}

type staticTunnel string

func (t staticTunnel) PublicURL() string { return string(t) }
func (t staticTunnel) Close() error      { return nil }

// WebsocketURL converts a tunnel's https base into the wss URL of path.
func WebsocketURL(publicURL, path string) string {
	base := strings.TrimRight(publicURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}
