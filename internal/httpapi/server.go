package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/config"
	"github.com/ent0n29/voicebench/internal/edge"
	"github.com/ent0n29/voicebench/internal/harness"
	"github.com/ent0n29/voicebench/internal/observability"
	"github.com/ent0n29/voicebench/internal/session"
	"github.com/ent0n29/voicebench/internal/store"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	store    store.Store
	metrics  *observability.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, turns store.Store, metrics *observability.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		store:    turns,
		metrics:  metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Telephony providers omit Origin; browsers must match the host.
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Post("/v1/sessions/{id}/turns", s.handleSendTurn)
	r.Get("/v1/sessions/{id}/turns", s.handleListTurns)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/media", s.handleMediaStream)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"edge_vendor":     s.cfg.EdgeVendor,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

type turnRequest struct {
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
	Pace      *bool  `json:"pace,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

func (s *Server) handleSendTurn(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	pace := s.cfg.PaceRealtime
	if req.Pace != nil {
		pace = *req.Pace
	}
	timeout := s.cfg.TurnTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	res, err := s.sessions.Send(r.Context(), id, req.Text, harness.VoiceOptions{Voice: req.Voice}, pace, timeout)
	if err != nil {
		status, code := turnErrorStatus(err)
		s.log.Warn("turn failed", zap.String("session_id", id), zap.Error(err))
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func turnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrEmptyID):
		return http.StatusBadRequest, "invalid_session_id"
	case errors.Is(err, edge.ErrHandshake):
		return http.StatusBadGateway, "edge_handshake_failed"
	case errors.Is(err, edge.ErrNotConnected):
		return http.StatusConflict, "edge_disconnected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "canceled"
	default:
		return http.StatusInternalServerError, "turn_failed"
	}
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	turns, err := s.store.ListTurns(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	resp := map[string]any{"session_id": id, "status": "ended"}
	if err := s.sessions.End(id); err != nil {
		resp["close_error"] = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleMediaStream adopts a provider media stream into the session's
// telephony edge. The edge owns the socket from then on.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if s.cfg.EdgeVendor != edge.VendorTelephony || s.cfg.TelephonyMode != string(edge.TelephonyAdopt) {
		respondError(w, http.StatusConflict, "adopt_disabled", "media streams are accepted only in telephony adopt mode")
		return
	}
	if c, err := s.sessions.Get(id); err == nil && c.IsConnected() {
		respondError(w, http.StatusConflict, "session_busy", "session already has a media stream")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := s.sessions.Start(ctx, id, edge.ConnectOptions{Conn: conn}); err != nil {
		s.log.Warn("adopt media stream failed", zap.String("session_id", id), zap.Error(err))
		_ = conn.Close()
		return
	}
	s.metrics.ObserveSessionEvent("media_adopted")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
