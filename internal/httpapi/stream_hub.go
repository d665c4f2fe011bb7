package httpapi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/avatarlink/internal/log"
	"github.com/ent0n29/avatarlink/internal/observability"
	"github.com/ent0n29/avatarlink/internal/protocol"
	"github.com/ent0n29/avatarlink/internal/streaminfo"
	"github.com/ent0n29/avatarlink/internal/transcript"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
)

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHubClient(conn *websocket.Conn) *hubClient {
	c := &hubClient{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}
	go c.writePump()
	return c
}

func (c *hubClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// StreamHub turns forwarded stream_info frames into player configs, keeps the
// latest one and pushes it to every attached browser.
type StreamHub struct {
	sessionID string
	store     transcript.Store
	metrics   *observability.Metrics
	logger    zerolog.Logger

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	latest  *streaminfo.PlayerConfig
}

// NewStreamHub builds a hub for one avatar session. store and metrics may
// be nil.
func NewStreamHub(sessionID string, store transcript.Store, metrics *observability.Metrics) *StreamHub {
	return &StreamHub{
		sessionID: sessionID,
		store:     store,
		metrics:   metrics,
		logger:    log.WithComponent("stream_hub").With().Str(log.FieldSession, sessionID).Logger(),
		clients:   make(map[*hubClient]struct{}),
	}
}

// Run consumes frames until ctx is done or events is closed.
func (h *StreamHub) Run(ctx context.Context, events <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-events:
			if !ok {
				return
			}
			h.Handle(ctx, frame)
		}
	}
}

// Handle maps one raw stream_info frame and broadcasts the result.
func (h *StreamHub) Handle(ctx context.Context, frame string) {
	cfg, err := streaminfo.FromFrame([]byte(frame))
	if err != nil {
		h.logger.Warn().Err(err).Msg("unusable stream_info frame")
		return
	}

	h.mu.Lock()
	h.latest = &cfg
	h.mu.Unlock()

	if h.store != nil {
		rec := transcript.Record{
			SessionID: h.sessionID,
			Kind:      transcript.KindStreamInfo,
			Content:   cfg.StreamURL,
		}
		if err := h.store.Save(ctx, rec); err != nil {
			h.logger.Warn().Err(err).Msg("save stream_info transcript")
		}
	}

	h.logger.Info().Str("room_id", cfg.XRTC.RoomID).Int("clients", h.ClientCount()).Msg("stream ready")
	h.broadcast(protocol.StreamInfo{Type: protocol.TypeStreamInfo, Config: cfg})
}

// Latest returns the most recent player config.
func (h *StreamHub) Latest() (streaminfo.PlayerConfig, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return streaminfo.PlayerConfig{}, false
	}
	return *h.latest, true
}

// AddClient attaches a browser and sends it the current state and stream.
func (h *StreamHub) AddClient(conn *websocket.Conn, state protocol.SessionState) *hubClient {
	c := newHubClient(conn)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	latest := h.latest
	count := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.BrowserClients.Set(float64(count))
	}

	h.Send(c, state)
	if latest != nil {
		h.Send(c, protocol.StreamInfo{Type: protocol.TypeStreamInfo, Config: *latest})
	}
	return c
}

func (h *StreamHub) RemoveClient(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.BrowserClients.Set(float64(count))
	}
}

// Send queues msg for one client. A client that cannot keep up is
// disconnected.
func (h *StreamHub) Send(c *hubClient, msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal browser message")
		return false
	}
	return h.sendRaw(c, data, messageTypeOf(msg))
}

func (h *StreamHub) sendRaw(c *hubClient, data []byte, msgType string) bool {
	h.mu.RLock()
	_, ok := h.clients[c]
	if ok {
		select {
		case c.send <- data:
		default:
			ok = false
		}
	}
	h.mu.RUnlock()

	if !ok {
		h.observe(msgType, "drop_full")
		h.logger.Warn().Msg("browser client too slow, disconnecting")
		h.RemoveClient(c)
		return false
	}
	h.observe(msgType, "queued")
	return true
}

func (h *StreamHub) broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal broadcast")
		return
	}

	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	msgType := messageTypeOf(msg)
	for _, c := range clients {
		h.sendRaw(c, data, msgType)
	}
}

func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches every client.
func (h *StreamHub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.BrowserClients.Set(0)
	}
}

func (h *StreamHub) observe(msgType, status string) {
	if h.metrics != nil {
		h.metrics.ObserveBrowserMessage("outbound", msgType, status)
	}
}

func messageTypeOf(v any) string {
	switch m := v.(type) {
	case protocol.StreamInfo:
		return string(m.Type)
	case protocol.SessionState:
		return string(m.Type)
	case protocol.DriverTextAccepted:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	case protocol.DriverText:
		return string(m.Type)
	default:
		return "unknown"
	}
}
