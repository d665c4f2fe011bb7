package avatar

import (
	"time"

	"github.com/ent0n29/avatarlink/internal/log"
	"github.com/ent0n29/avatarlink/internal/observability"
	"github.com/ent0n29/avatarlink/internal/protocol"
)

// sendLoop drains the outbound queue. When nothing arrives within the
// heartbeat interval it sends a ping instead, so the socket is never idle
// for longer than that.
func (c *Client) sendLoop() {
	for c.running.Load() {
		state := c.State()
		if state.Terminal() {
			return
		}
		if state == StateConnecting || (state == StateOpen && !c.cfg.HeartbeatBeforeLink) {
			c.idle()
			continue
		}

		item, ok := c.queue.pop(c.quit, c.cfg.HeartbeatInterval)
		if ok {
			c.sendQueued(item)
			continue
		}
		if c.running.Load() && c.heartbeatDue() {
			c.sendHeartbeat()
		}
	}
}

func (c *Client) heartbeatDue() bool {
	switch c.State() {
	case StateAvatarLinked:
		return true
	case StateOpen:
		return c.cfg.HeartbeatBeforeLink
	default:
		return false
	}
}

func (c *Client) sendQueued(item outbound) {
	if err := c.write(item.ctrl, item.requestID, item.data); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldRequestID, item.requestID).Msg("queued message not sent")
		return
	}
	c.observer.ObserveStage(observability.StageEnqueueToSend, time.Since(item.queuedAt))
}

func (c *Client) sendHeartbeat() {
	ping := protocol.NewPing(c.cfg.AppID)
	data, err := ping.Encode()
	if err != nil {
		c.logger.Error().Err(err).Msg("encode ping")
		return
	}
	if err := c.write(protocol.CtrlPing, ping.Header.RequestID, data); err != nil {
		return
	}
	c.observer.ObserveHeartbeat()
}

func (c *Client) idle() {
	t := time.NewTimer(c.cfg.IdlePoll)
	defer t.Stop()
	select {
	case <-c.quit:
	case <-t.C:
	}
}
