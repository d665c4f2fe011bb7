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
	"github.com/rs/zerolog"

	"github.com/ent0n29/avatarlink/internal/avatar"
	"github.com/ent0n29/avatarlink/internal/config"
	"github.com/ent0n29/avatarlink/internal/log"
	"github.com/ent0n29/avatarlink/internal/observability"
	"github.com/ent0n29/avatarlink/internal/policy"
	"github.com/ent0n29/avatarlink/internal/protocol"
	"github.com/ent0n29/avatarlink/internal/transcript"
)

const (
	defaultTranscriptLimit = 20
	maxTranscriptLimit     = 200
	browserReadLimit       = 64 << 10
	browserIdleTimeout     = 120 * time.Second
)

// AvatarSession is the part of the avatar client the HTTP surface drives.
type AvatarSession interface {
	ID() string
	Enqueue(text string) error
	Stop()
	Snapshot() avatar.Snapshot
}

type Server struct {
	cfg      config.Config
	session  AvatarSession
	hub      *StreamHub
	store    transcript.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	static   http.Handler
	logger   zerolog.Logger
}

func New(cfg config.Config, session AvatarSession, hub *StreamHub, store transcript.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		session: session,
		hub:     hub,
		store:   store,
		metrics: metrics,
		static:  newStaticHandler(),
		logger:  log.WithComponent("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the avatar unless opted out.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/avatar/session", s.handleSession)
	r.Post("/v1/avatar/text", s.handleText)
	r.Post("/v1/avatar/stop", s.handleStop)
	r.Get("/v1/avatar/stream", s.handleStream)
	r.Get("/v1/avatar/transcript", s.handleTranscript)
	r.Get("/v1/avatar/ws", s.handleAvatarWS)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.session.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"session_state": snap.State,
		"stream_ready":  s.streamReady(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	snap := s.session.Snapshot()
	if !snap.Linked {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":        "not_ready",
			"session_state": snap.State,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"session_state": snap.State,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "empty_text", "text is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.driveText(r.Context(), req.Text); err != nil {
		status, code := driveTextError(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"status":     "queued",
		"session_id": s.session.ID(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.session.Stop()
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleStream(w http.ResponseWriter, _ *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusNotFound, "no_stream", "stream hub not configured")
		return
	}
	cfg, ok := s.hub.Latest()
	if !ok {
		respondError(w, http.StatusNotFound, "no_stream", "avatar stream not ready")
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	limit := defaultTranscriptLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxTranscriptLimit)
	}

	records, err := s.store.Recent(r.Context(), s.session.ID(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("load transcript")
		respondError(w, http.StatusInternalServerError, "transcript_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []transcript.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": s.session.ID(),
		"records":    records,
	})
}

func (s *Server) handleAvatarWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "stream hub not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	snap := s.session.Snapshot()
	client := s.hub.AddClient(conn, protocol.SessionState{
		Type:   protocol.TypeSessionState,
		State:  snap.State,
		Linked: snap.Linked,
	})
	defer s.hub.RemoveClient(client)
	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("browser attached")

	conn.SetReadLimit(browserReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(browserIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(browserIdleTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(browserIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.observeInbound("unknown", "invalid")
			s.hub.Send(client, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			})
			continue
		}

		switch msg := parsed.(type) {
		case protocol.DriverText:
			if err := s.driveText(r.Context(), msg.Text); err != nil {
				s.observeInbound(string(msg.Type), "rejected")
				_, code := driveTextError(err)
				s.hub.Send(client, protocol.ErrorEvent{
					Type:   protocol.TypeErrorEvent,
					Code:   code,
					Detail: err.Error(),
				})
				continue
			}
			s.observeInbound(string(msg.Type), "accepted")
			s.hub.Send(client, protocol.DriverTextAccepted{
				Type: protocol.TypeDriverTextAccepted,
				Text: msg.Text,
			})
		}
	}
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

// driveText enqueues text on the avatar session and records it in the
// transcript once accepted.
func (s *Server) driveText(ctx context.Context, text string) error {
	if err := s.session.Enqueue(text); err != nil {
		return err
	}
	if s.store == nil {
		return nil
	}
	redacted, changed := policy.RedactPII(avatar.NormalizeDriverText(text))
	rec := transcript.Record{
		SessionID:   s.session.ID(),
		Kind:        transcript.KindDriverText,
		Content:     redacted,
		PIIRedacted: changed,
	}
	if err := s.store.Save(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Msg("save driver_text transcript")
	}
	return nil
}

func driveTextError(err error) (int, string) {
	switch {
	case errors.Is(err, avatar.ErrEmptyText):
		return http.StatusBadRequest, "empty_text"
	case errors.Is(err, avatar.ErrNotLinked):
		return http.StatusConflict, "not_linked"
	case errors.Is(err, avatar.ErrQueueFull):
		return http.StatusServiceUnavailable, "queue_full"
	case errors.Is(err, avatar.ErrClosed):
		return http.StatusConflict, "session_closed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) streamReady() bool {
	if s.hub == nil {
		return false
	}
	_, ok := s.hub.Latest()
	return ok
}

func (s *Server) observeInbound(msgType, status string) {
	if s.metrics != nil {
		s.metrics.ObserveBrowserMessage("inbound", msgType, status)
	}
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
