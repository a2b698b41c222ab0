// Package session keeps one harness client per evaluation session and owns
// the lifecycle of the edge behind it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicebench/internal/edge"
	"github.com/ent0n29/voicebench/internal/harness"
	"github.com/ent0n29/voicebench/internal/observability"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrCloseTimeout = errors.New("session close timed out")
	ErrEmptyID      = errors.New("session id is required")
)

const (
	defaultInactivityTimeout = 5 * time.Minute
	defaultCloseGrace        = 5 * time.Second
	endAllParallelism        = 8
)

// Options configure a Manager. Client is a template: its SessionID and Edge
// are filled per session.
type Options struct {
	Edge              edge.Config
	Deps              edge.Deps
	Client            harness.Options
	InactivityTimeout time.Duration
	CloseGrace        time.Duration
	Metrics           *observability.Metrics
	Logger            *zap.Logger
}

// Info is a read-only view of one session.
type Info struct {
	ID             string    `json:"session_id"`
	Vendor         string    `json:"vendor"`
	Connected      bool      `json:"connected"`
	Turns          int       `json:"turns"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type entry struct {
	client         *harness.Client
	startedAt      time.Time
	lastActivityAt time.Time
}

type Manager struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	starts   map[string]*startGate
}

// startGate serialises Start per id. It lives in Manager.starts only while
// some Start for that id is in flight.
type startGate struct {
	sync.Mutex
	refs int
}

func NewManager(opts Options) *Manager {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = defaultInactivityTimeout
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = defaultCloseGrace
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		opts:     opts,
		log:      log,
		sessions: make(map[string]*entry),
		starts:   make(map[string]*startGate),
	}
}

// Start returns the session's client, connecting a new edge when the
// session is unknown or its edge has disconnected.
func (m *Manager) Start(ctx context.Context, id string, opts edge.ConnectOptions) (*harness.Client, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	gate := m.acquireStart(id)
	defer m.releaseStart(id, gate)

	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok && e.client.IsConnected() {
		e.lastActivityAt = time.Now().UTC()
		m.mu.Unlock()
		return e.client, nil
	}
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		m.log.Info("replacing disconnected session", zap.String("session_id", id))
		if err := m.closeBounded(id, e.client); err != nil {
			m.log.Warn("close stale session", zap.String("session_id", id), zap.Error(err))
		}
		m.opts.Metrics.ObserveSessionEvent("reconnected")
	}

	clientOpts := m.opts.Client
	clientOpts.SessionID = id
	clientOpts.Edge = m.opts.Edge.Create(m.opts.Deps)
	if clientOpts.Logger == nil {
		clientOpts.Logger = m.log
	}
	client := harness.New(clientOpts)
	if err := client.Connect(ctx, opts); err != nil {
		_ = client.Close()
		m.opts.Metrics.ObserveSessionEvent("start_failed")
		return nil, fmt.Errorf("start session %s: %w", id, err)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	m.sessions[id] = &entry{client: client, startedAt: now, lastActivityAt: now}
	n := len(m.sessions)
	m.mu.Unlock()

	m.opts.Metrics.ObserveSessionEvent("started")
	m.opts.Metrics.SetActiveSessions(n)
	m.log.Info("session started", zap.String("session_id", id), zap.String("vendor", m.opts.Edge.Vendor()))
	return client, nil
}

// Send starts the session if needed and plays one caller utterance into it.
func (m *Manager) Send(ctx context.Context, id, text string, voice harness.VoiceOptions, pace bool, timeout time.Duration) (harness.TurnResult, error) {
	client, err := m.Start(ctx, id, edge.ConnectOptions{})
	if err != nil {
		return harness.TurnResult{}, err
	}
	m.touch(id)
	res, err := client.SendUtterance(ctx, text, voice, pace, timeout)
	m.touch(id)
	return res, err
}

func (m *Manager) Get(id string) (*harness.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.client, nil
}

// End removes and closes one session. Unknown ids are a no-op.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.opts.Metrics.ObserveSessionEvent("ended")
	m.opts.Metrics.SetActiveSessions(n)
	m.log.Info("session ended", zap.String("session_id", id), zap.Int("turns", e.client.Turns()))
	return m.closeBounded(id, e.client)
}

// EndAll closes every session in parallel. A failing or hung close is
// reported in the joined error and never stops the others.
func (m *Manager) EndAll() error {
	m.mu.Lock()
	ended := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()

	var (
		g      errgroup.Group
		errsMu sync.Mutex
		errs   []error
	)
	g.SetLimit(endAllParallelism)
	for id, e := range ended {
		g.Go(func() error {
			if err := m.closeBounded(id, e.client); err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
			}
			m.opts.Metrics.ObserveSessionEvent("ended")
			return nil
		})
	}
	_ = g.Wait()
	m.opts.Metrics.SetActiveSessions(0)
	if len(ended) > 0 {
		m.log.Info("all sessions ended", zap.Int("count", len(ended)), zap.Int("failed", len(errs)))
	}
	return errors.Join(errs...)
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns every session ordered by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for id, e := range m.sessions {
		out = append(out, Info{
			ID:             id,
			Vendor:         e.client.Edge().Vendor(),
			StartedAt:      e.startedAt,
			LastActivityAt: e.lastActivityAt,
		})
	}
	m.mu.Unlock()

	for i := range out {
		if c, err := m.Get(out[i].ID); err == nil {
			out[i].Connected = c.IsConnected()
			out[i].Turns = c.Turns()
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	expired := make(map[string]*entry)

	m.mu.Lock()
	for id, e := range m.sessions {
		if now.Sub(e.lastActivityAt) < m.opts.InactivityTimeout {
			continue
		}
		expired[id] = e
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	for id, e := range expired {
		m.log.Info("session expired", zap.String("session_id", id))
		m.opts.Metrics.ObserveSessionEvent("expired")
		if err := m.closeBounded(id, e.client); err != nil {
			m.log.Warn("close expired session", zap.String("session_id", id), zap.Error(err))
		}
	}
	if len(expired) > 0 {
		m.opts.Metrics.SetActiveSessions(n)
	}
}

func (m *Manager) touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		e.lastActivityAt = time.Now().UTC()
	}
}

func (m *Manager) acquireStart(id string) *startGate {
	m.mu.Lock()
	g, ok := m.starts[id]
	if !ok {
		g = &startGate{}
		m.starts[id] = g
	}
	g.refs++
	m.mu.Unlock()
	g.Lock()
	return g
}

func (m *Manager) releaseStart(id string, g *startGate) {
	g.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	g.refs--
	if g.refs == 0 {
		delete(m.starts, id)
	}
}

// closeBounded closes client and gives up after the close grace. An
// abandoned close keeps running in the background.
func (m *Manager) closeBounded(id string, client *harness.Client) error {
	done := make(chan error, 1)
	go func() { done <- client.Close() }()

	t := time.NewTimer(m.opts.CloseGrace)
	defer t.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close session %s: %w", id, err)
		}
		return nil
	case <-t.C:
		m.log.Warn("session close abandoned", zap.String("session_id", id), zap.Duration("grace", m.opts.CloseGrace))
		return fmt.Errorf("close session %s: %w", id, ErrCloseTimeout)
	}
}
