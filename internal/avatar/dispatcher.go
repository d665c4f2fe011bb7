package avatar

import (
	"fmt"
	"time"

	"github.com/ent0n29/avatarlink/internal/log"
	"github.com/ent0n29/avatarlink/internal/observability"
	"github.com/ent0n29/avatarlink/internal/protocol"
)

// Outcome tells what the dispatcher did with one inbound frame.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeMalformed
	OutcomeProtocolError
	OutcomeStreamStop
	OutcomeLinked
	OutcomePong
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeProtocolError:
		return "protocol_error"
	case OutcomeStreamStop:
		return "stream_stop"
	case OutcomeLinked:
		return "linked"
	case OutcomePong:
		return "pong"
	default:
		return "unknown"
	}
}

const maxLoggedFrame = 512

// dispatch handles one inbound frame. It never panics on bad input and
// never returns an error: a bad frame is dropped, a service error fails the
// session.
func (c *Client) dispatch(raw []byte) Outcome {
	if c.State().Terminal() {
		return OutcomeIgnored
	}

	frame, err := protocol.DecodeInbound(raw)
	if err != nil {
		c.observer.ObserveMessage("inbound", "malformed")
		c.logger.Warn().Err(err).Str("frame", clip(raw)).Msg("dropping malformed frame")
		return OutcomeMalformed
	}

	if code := frame.Header.Code; code != 0 {
		c.observer.ObserveMessage("inbound", "error")
		c.logger.Error().Int("code", code).Str("frame", string(raw)).Msg("avatar service returned an error")
		c.fail("protocol", fmt.Errorf("service error %d: %s", code, frame.Header.Message))
		return OutcomeProtocolError
	}

	ev := frame.Payload.Avatar
	if ev == nil {
		return OutcomeIgnored
	}

	switch {
	case ev.EventType == protocol.EventStop && ev.Succeeded():
		c.observer.ObserveMessage("inbound", protocol.EventStop)
		c.logger.Info().Msg("avatar stream stopped by service")
		return OutcomeStreamStop
	case ev.EventType == protocol.EventStreamInfo:
		c.observer.ObserveMessage("inbound", protocol.EventStreamInfo)
		return c.linked(raw)
	case ev.EventType == protocol.EventPong:
		c.observer.ObserveMessage("inbound", protocol.EventPong)
		c.lastPong.Store(time.Now().UnixNano())
		return OutcomePong
	default:
		c.observer.ObserveMessage("inbound", "other")
		c.logger.Debug().
			Str(log.FieldEventType, ev.EventType).
			Str("error_code", ev.ErrorCode).
			Str("error_message", ev.ErrorMessage).
			Msg("ignoring avatar event")
		return OutcomeIgnored
	}
}

// linked moves open to avatar_linked and hands the raw frame to the sink.
// A repeated stream_info on a linked session is forwarded again.
func (c *Client) linked(raw []byte) Outcome {
	switch {
	case c.transition(StateOpen, StateAvatarLinked):
		if opened := c.openedAt.Load(); opened > 0 {
			c.observer.ObserveStage(observability.StageOpenToLink, time.Since(time.Unix(0, opened)))
		}
		c.logger.Info().Msg("avatar linked")
	case c.State() == StateAvatarLinked:
	default:
		c.logger.Warn().Str("state", c.State().String()).Msg("stream_info outside open session")
		return OutcomeIgnored
	}
	c.sink.Publish(string(raw))
	return OutcomeLinked
}

func clip(raw []byte) string {
	if len(raw) <= maxLoggedFrame {
		return string(raw)
	}
	return string(raw[:maxLoggedFrame]) + "..."
}
