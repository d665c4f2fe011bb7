package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingHeader = errors.New("frame has no header")
	ErrMissingCode   = errors.New("frame header has no code")
)

// InboundFrame is a decoded server frame. Only the header has to be well
// formed; the payload is read field by field and odd values are tolerated.
type InboundFrame struct {
	Header  *InboundHeader
	Payload InboundPayload
}

type InboundHeader struct {
	Code    int
	Message string
	SID     string
}

type InboundPayload struct {
	Avatar *AvatarEvent
}

// AvatarEvent carries the avatar fields the client acts on. Scalars are
// kept as text whatever JSON type the service used.
type AvatarEvent struct {
	EventType    string
	ErrorCode    string
	ErrorMessage string
	StreamURL    string
	CID          string
	StreamExtend map[string]any

	errorCode json.RawMessage
}

// Succeeded reports whether error_code is absent or the number zero.
func (e *AvatarEvent) Succeeded() bool {
	if len(e.errorCode) == 0 || bytes.Equal(e.errorCode, []byte("null")) {
		return true
	}
	var n float64
	if err := json.Unmarshal(e.errorCode, &n); err != nil {
		return false
	}
	return n == 0
}

type envelope struct {
	Header  json.RawMessage `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeInbound parses a server frame in two passes. The header decides
// whether the frame is an error; payload problems never hide a non-zero code.
func DecodeInbound(raw []byte) (InboundFrame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return InboundFrame{}, fmt.Errorf("invalid frame: %w", err)
	}
	header, err := decodeHeader(env.Header)
	if err != nil {
		return InboundFrame{}, err
	}
	return InboundFrame{
		Header:  header,
		Payload: InboundPayload{Avatar: avatarFromPayload(env.Payload)},
	}, nil
}

// DecodeAvatarEvent reads payload.avatar from a frame without looking at the
// header. It returns nil when the frame has no avatar object.
func DecodeAvatarEvent(raw []byte) (*AvatarEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return avatarFromPayload(env.Payload), nil
}

func decodeHeader(raw json.RawMessage) (*InboundHeader, error) {
	if isNull(raw) {
		return nil, ErrMissingHeader
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	codeRaw, ok := fields["code"]
	if !ok || isNull(codeRaw) {
		return nil, ErrMissingCode
	}
	code, err := intValue(codeRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid header code %s: %w", codeRaw, err)
	}
	return &InboundHeader{
		Code:    code,
		Message: scalarText(fields["message"]),
		SID:     scalarText(fields["sid"]),
	}, nil
}

func avatarFromPayload(raw json.RawMessage) *AvatarEvent {
	var payload map[string]json.RawMessage
	if json.Unmarshal(raw, &payload) != nil {
		return nil
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(payload["avatar"], &fields) != nil || fields == nil {
		return nil
	}
	ev := &AvatarEvent{
		EventType:    scalarText(fields["event_type"]),
		ErrorCode:    scalarText(fields["error_code"]),
		ErrorMessage: scalarText(fields["error_message"]),
		StreamURL:    scalarText(fields["stream_url"]),
		CID:          scalarText(fields["cid"]),
		errorCode:    fields["error_code"],
	}
	var extend map[string]any
	if json.Unmarshal(fields["stream_extend"], &extend) == nil {
		ev.StreamExtend = extend
	}
	return ev
}

func intValue(raw json.RawMessage) (int, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// scalarText renders a JSON value as text: strings unquoted, everything
// else as written on the wire. Absent and null give "".
func scalarText(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
