// Package avatar maintains a streaming session with the avatar rendering
// service: it sends the start request once the socket opens, pumps driver
// text and heartbeats out, and dispatches lifecycle events coming back.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/avatarlink/internal/log"
	"github.com/ent0n29/avatarlink/internal/observability"
	"github.com/ent0n29/avatarlink/internal/policy"
	"github.com/ent0n29/avatarlink/internal/protocol"
	"github.com/ent0n29/avatarlink/internal/reliability"
)

var (
	ErrNotLinked = errors.New("avatar session is not linked")
	ErrQueueFull = errors.New("outbound queue is full")
	ErrEmptyText = errors.New("driver text is empty")
	ErrClosed    = errors.New("avatar session is closed")
	ErrFailed    = errors.New("avatar session failed")
)

const (
	defaultQueueCapacity     = 100
	defaultHeartbeatInterval = 5 * time.Second
	defaultIdlePoll          = 100 * time.Millisecond
	defaultHandshakeTimeout  = 10 * time.Second

	closeWriteTimeout = time.Second
	// How long Stop waits for the service to echo the close frame.
	closeGracePeriod = 2 * time.Second
)

// Config describes one avatar session. URL must already be signed.
type Config struct {
	URL      string
	AppID    string
	VCN      string
	AvatarID string
	Stream   protocol.StreamParameter

	QueueCapacity     int
	HeartbeatInterval time.Duration
	IdlePoll          time.Duration
	// HeartbeatBeforeLink starts pinging as soon as the socket opens instead
	// of waiting for stream_info.
	HeartbeatBeforeLink bool
	HandshakeTimeout    time.Duration
}

// Client owns the websocket, the outbound queue, the sender loop and the
// dispatcher for a single session.
type Client struct {
	id       string
	cfg      Config
	sink     EventSink
	observer Observer
	logger   zerolog.Logger
	dialer   websocket.Dialer
	queue    *queue

	conn    atomic.Pointer[websocket.Conn]
	writeMu sync.Mutex

	state         atomic.Int32
	running       atomic.Bool
	stopRequested atomic.Bool
	openedAt atomic.Int64
	lastPong atomic.Int64

	quit     chan struct{}
	quitOnce sync.Once
	stopOnce sync.Once
	readDone chan struct{}
}

// New builds a client in the connecting state. sink and observer may be nil.
func New(cfg Config, sink EventSink, observer Observer) *Client {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.IdlePoll <= 0 || cfg.IdlePoll > defaultIdlePoll {
		cfg.IdlePoll = defaultIdlePoll
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if strings.TrimSpace(cfg.Stream.Protocol) == "" {
		cfg.Stream = protocol.DefaultStream
	}
	if sink == nil {
		sink = nopSink{}
	}
	if observer == nil {
		observer = nopObserver{}
	}

	id := uuid.NewString()
	c := &Client{
		id:       id,
		cfg:      cfg,
		sink:     sink,
		observer: observer,
		logger:   log.WithComponent("avatar").With().Str(log.FieldSession, id).Logger(),
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		queue:    newQueue(cfg.QueueCapacity),
		quit:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.running.Store(true)
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) State() State { return State(c.state.Load()) }

// Linked reports whether driver text is currently accepted.
func (c *Client) Linked() bool { return c.State() == StateAvatarLinked }

func (c *Client) Running() bool { return c.running.Load() }

// StopRequested reports whether Stop ended a running session. A Stop issued
// after the service closed the socket or the session failed does not count.
func (c *Client) StopRequested() bool { return c.stopRequested.Load() }

// Done is closed once the session stops running for any reason.
func (c *Client) Done() <-chan struct{} { return c.quit }

// Snapshot is a point-in-time view of the session for status endpoints.
type Snapshot struct {
	ID         string     `json:"session_id"`
	AppID      string     `json:"app_id"`
	AvatarID   string     `json:"avatar_id"`
	VCN        string     `json:"vcn"`
	State      string     `json:"state"`
	Running    bool       `json:"running"`
	Linked     bool       `json:"linked"`
	QueueLen   int        `json:"queue_len"`
	QueueCap   int        `json:"queue_cap"`
	LastPongAt *time.Time `json:"last_pong_at,omitempty"`
}

func (c *Client) Snapshot() Snapshot {
	state := c.State()
	snap := Snapshot{
		ID:       c.id,
		AppID:    c.cfg.AppID,
		AvatarID: c.cfg.AvatarID,
		VCN:      c.cfg.VCN,
		State:    state.String(),
		Running:  c.running.Load(),
		Linked:   state == StateAvatarLinked,
		QueueLen: c.queue.len(),
		QueueCap: c.queue.cap(),
	}
	if ns := c.lastPong.Load(); ns > 0 {
		t := time.Unix(0, ns).UTC()
		snap.LastPongAt = &t
	}
	return snap
}

// Run connects and services the session until it closes or ctx is
// cancelled. Cancelling ctx performs an orderly Stop.
func (c *Client) Run(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop()
	}()
	go func() {
		defer wg.Done()
		c.sendLoop()
	}()

	select {
	case <-ctx.Done():
		c.Stop()
	case <-c.readDone:
	}
	wg.Wait()

	if c.State() == StateFailed {
		return ErrFailed
	}
	return nil
}

// connect dials the service and, once open, sends the start request.
// Dial failures are not retried.
func (c *Client) connect(ctx context.Context) error {
	if !c.running.Load() || c.State() != StateConnecting {
		return ErrClosed
	}

	c.logger.Info().Str(log.FieldURL, policy.RedactURL(c.cfg.URL)).Msg("connecting to avatar service")
	started := time.Now()
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.fail("dial", err)
		if resp != nil {
			c.logger.Warn().
				Int("status", resp.StatusCode).
				Bool("retryable", reliability.IsRetryableHTTPStatus(resp.StatusCode)).
				Msg("avatar handshake rejected")
			return fmt.Errorf("avatar dial failed (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("avatar dial failed: %w", err)
	}
	c.conn.Store(conn)
	c.observer.ObserveStage(observability.StageConnect, time.Since(started))

	if !c.running.Load() {
		// Stop raced the dial.
		_ = conn.Close()
		return ErrClosed
	}
	if err := c.opened(); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// opened sends start directly: queued traffic is only drained after link,
// and link only happens after start.
func (c *Client) opened() error {
	if !c.transition(StateConnecting, StateOpen) {
		return ErrClosed
	}
	c.openedAt.Store(time.Now().UnixNano())

	start := protocol.NewStart(c.cfg.AppID, c.cfg.VCN, c.cfg.AvatarID, c.cfg.Stream)
	data, err := start.Encode()
	if err != nil {
		c.fail("encode start", err)
		return err
	}
	c.logger.Info().
		Str(log.FieldRequestID, start.Header.RequestID).
		Str("avatar_id", c.cfg.AvatarID).
		Msg("socket open, sending start")
	return c.write(protocol.CtrlStart, start.Header.RequestID, data)
}

// Enqueue queues driver text for the avatar to speak. It never blocks:
// text is rejected before link and dropped when the queue is full.
func (c *Client) Enqueue(text string) error {
	if !c.running.Load() {
		return ErrClosed
	}
	if state := c.State(); state != StateAvatarLinked {
		c.observer.ObserveDrop("not_linked")
		c.logger.Warn().Str("state", state.String()).Msg("driver text rejected: avatar not linked")
		return ErrNotLinked
	}
	text = NormalizeDriverText(text)
	if text == "" {
		return ErrEmptyText
	}

	msg := protocol.NewTextDriver(c.cfg.AppID, c.cfg.VCN, text)
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	item := outbound{
		ctrl:      protocol.CtrlTextDriver,
		requestID: msg.Header.RequestID,
		data:      data,
		queuedAt:  time.Now(),
	}
	if !c.queue.tryPush(item) {
		c.observer.ObserveDrop("queue_full")
		c.logger.Warn().Int("capacity", c.queue.cap()).Msg("driver text dropped: outbound queue full")
		return ErrQueueFull
	}
	c.logger.Debug().Str(log.FieldRequestID, item.requestID).Int("queued", c.queue.len()).Msg("driver text queued")
	return nil
}

// Stop requests an orderly shutdown and sends a normal-closure frame. Only
// the first call has any effect.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		if c.running.Swap(false) {
			c.stopRequested.Store(true)
		}
		c.shutdown()

		conn := c.conn.Load()
		if conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil {
			c.logger.Debug().Err(err).Msg("close frame not sent")
		}
		_ = conn.SetReadDeadline(time.Now().Add(closeGracePeriod))
		c.logger.Info().Msg("avatar session stop requested")
	})
}

func (c *Client) readLoop() {
	conn := c.conn.Load()
	defer func() {
		_ = conn.Close()
		close(c.readDone)
	}()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.readFailed(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}

func (c *Client) readFailed(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.closed(ce.Code, ce.Text)
		return
	}
	if c.running.Load() {
		c.fail("read", err)
	}
	c.closed(websocket.CloseAbnormalClosure, err.Error())
}

// closed handles the end of the socket. A failed session stays failed.
func (c *Client) closed(code int, reason string) {
	c.running.Store(false)
	c.shutdown()
	for {
		cur := c.State()
		if cur.Terminal() || c.transition(cur, StateClosed) {
			break
		}
	}

	kind := reliability.ClassifyCloseCode(code)
	c.observer.ObserveClose(kind)
	ev := c.logger.Info()
	if !reliability.IsExpectedClose(code) {
		ev = c.logger.Warn()
	}
	ev.Int("code", code).Str("reason", reason).Str("kind", kind).Msg("avatar socket closed")
}

// fail marks the session failed and winds the loops down.
func (c *Client) fail(op string, err error) {
	c.running.Store(false)
	for {
		cur := c.State()
		if cur.Terminal() || c.transition(cur, StateFailed) {
			break
		}
	}
	c.shutdown()
	// Unblock the receive loop; nothing more is written to a failed session.
	if conn := c.conn.Load(); conn != nil {
		_ = conn.SetReadDeadline(time.Now())
	}
	c.logger.Error().Err(err).Str("op", op).Msg("avatar session failed")
}

func (c *Client) shutdown() {
	c.quitOnce.Do(func() { close(c.quit) })
}

func (c *Client) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.observer.ObserveState(to.String())
	c.logger.Debug().Str(log.FieldOldState, from.String()).Str(log.FieldNewState, to.String()).Msg("state change")
	return true
}

func (c *Client) canSend() bool {
	if !c.running.Load() {
		return false
	}
	state := c.State()
	return state == StateOpen || state == StateAvatarLinked
}

func (c *Client) write(ctrl, requestID string, data []byte) error {
	conn := c.conn.Load()
	if conn == nil || !c.canSend() {
		return ErrClosed
	}

	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		if c.running.Load() {
			c.fail("write "+ctrl, err)
		}
		return fmt.Errorf("avatar write %s: %w", ctrl, err)
	}

	c.observer.ObserveMessage("outbound", ctrl)
	c.logger.Debug().Str(log.FieldCtrl, ctrl).Str(log.FieldRequestID, requestID).Msg("sent")
	return nil
}
