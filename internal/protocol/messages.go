package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies browser websocket payload variants.
type MessageType string

const (
	TypeDriverText         MessageType = "driver_text"
	TypeDriverTextAccepted MessageType = "driver_text_accepted"
	TypeStreamInfo         MessageType = "stream_info"
	TypeSessionState       MessageType = "session_state"
	TypeErrorEvent         MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// DriverText is sent by the browser shell to make the avatar speak.
type DriverText struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type DriverTextAccepted struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// StreamInfo carries a player configuration to the browser.
type StreamInfo struct {
	Type   MessageType `json:"type"`
	Config any         `json:"config"`
}

type SessionState struct {
	Type   MessageType `json:"type"`
	State  string      `json:"state"`
	Linked bool        `json:"linked"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeDriverText:
		var msg DriverText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid driver_text")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
