package edge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/callcontrol"
	"github.com/ent0n29/voicebench/internal/tunnel"
)

const (
	mediaPath  = "/media"
	answerPath = "/twiml"
)

// One test server per process: a second Start tears down the first one,
// its tunnel included, before binding.
var (
	activeServerMu sync.Mutex
	activeServer   *TestServer
)

// TestServer accepts the provider's media-stream websocket and hands it to
// the telephony edge. It also answers the provider's call webhook with
// stream instructions.
type TestServer struct {
	log      *zap.Logger
	srv      *http.Server
	ln       net.Listener
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	release  <-chan struct{}
	stopped  chan struct{}

	mu       sync.Mutex
	tun      tunnel.Tunnel
	stopOnce sync.Once
}

// StartTestServer binds addr and serves until Stop. Accepted media sockets
// are held open until release closes.
func StartTestServer(addr string, release <-chan struct{}, log *zap.Logger) (*TestServer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	activeServerMu.Lock()
	defer activeServerMu.Unlock()
	if activeServer != nil {
		log.Warn("stopping previous telephony test server", zap.String("addr", activeServer.Addr()))
		activeServer.stop()
		activeServer = nil
	}

	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &TestServer{
		log:     log,
		ln:      ln,
		conns:   make(chan *websocket.Conn, 1),
		release: release,
		stopped: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.srv = &http.Server{Handler: s.router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("telephony test server stopped", zap.Error(err))
		}
	}()
	activeServer = s
	log.Info("telephony test server listening", zap.String("addr", s.Addr()))
	return s, nil
}

func (s *TestServer) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post(answerPath, s.handleAnswer)
	r.Get(answerPath, s.handleAnswer)
	r.Get(mediaPath, s.handleMedia)
	return r
}

func (s *TestServer) handleAnswer(w http.ResponseWriter, _ *http.Request) {
	doc, err := callcontrol.StreamTwiML(s.StreamURL())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(doc))
}

// handleMedia upgrades and blocks until the edge releases the stream. The
// socket belongs to the edge; the handler never closes it.
func (s *TestServer) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case s.conns <- conn:
	default:
		s.log.Warn("rejecting extra media stream", zap.String("remote", r.RemoteAddr))
		_ = conn.Close()
		return
	}
	s.log.Info("media stream accepted", zap.String("remote", r.RemoteAddr))
	select {
	case <-s.release:
	case <-s.stopped:
	}
}

// Accept waits for the provider to open the media stream.
func (s *TestServer) Accept(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.conns:
		return conn, nil
	case <-s.stopped:
		return nil, errors.New("test server stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Expose opens a tunnel to the server; the tunnel closes with the server.
func (s *TestServer) Expose(ctx context.Context, p tunnel.Provider) (string, error) {
	t, err := p.Open(ctx, s.Addr())
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.tun = t
	s.mu.Unlock()
	return t.PublicURL(), nil
}

func (s *TestServer) Addr() string { return s.ln.Addr().String() }

// StreamURL is the websocket URL the provider should open: the tunnel's
// public wss URL when exposed, the local ws URL otherwise.
func (s *TestServer) StreamURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tun != nil {
		return tunnel.WebsocketURL(s.tun.PublicURL(), mediaPath)
	}
	return "ws://" + s.Addr() + mediaPath
}

// Stop shuts the HTTP server down, then closes the tunnel.
func (s *TestServer) Stop() {
	activeServerMu.Lock()
	defer activeServerMu.Unlock()
	s.stop()
	if activeServer == s {
		activeServer = nil
	}
}

func (s *TestServer) stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			s.log.Warn("test server shutdown", zap.Error(err))
		}
		s.mu.Lock()
		t := s.tun
		s.tun = nil
		s.mu.Unlock()
		if t != nil {
			if err := t.Close(); err != nil {
				s.log.Warn("tunnel close", zap.Error(err))
			}
		}
	})
}
