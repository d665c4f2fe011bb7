package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Control verbs understood by the avatar service.
const (
	CtrlStart      = "start"
	CtrlTextDriver = "text_driver"
	CtrlPing       = "ping"
)

// Inbound avatar event types.
const (
	EventStreamInfo = "stream_info"
	EventPong       = "pong"
	EventStop       = "stop"
)

// Rendered frame size requested on start.
const (
	VideoWidth  = 1280
	VideoHeight = 720
)

// DefaultStream is the stream setup used when none is configured.
var DefaultStream = StreamParameter{Protocol: "xrtc", FPS: 25, Bitrate: 2000}


// Header identifies an outbound message.
type Header struct {
	AppID     string `json:"app_id"`
	RequestID string `json:"request_id"`
	Ctrl      string `json:"ctrl"`
}

// Message is the outbound envelope. Parameter and Payload depend on the verb.
type Message struct {
	Header    Header     `json:"header"`
	Parameter *Parameter `json:"parameter,omitempty"`
	Payload   *Payload   `json:"payload,omitempty"`
}

type Parameter struct {
	TTS            *TTSParameter    `json:"tts,omitempty"`
	Avatar         *AvatarParameter `json:"avatar,omitempty"`
	AvatarDispatch *AvatarDispatch  `json:"avatar_dispatch,omitempty"`
}

type TTSParameter struct {
	VCN string `json:"vcn"`
}

type AvatarParameter struct {
	Stream   StreamParameter `json:"stream"`
	AvatarID string          `json:"avatar_id"`
	Width    int             `json:"width"`
	Height   int             `json:"height"`
}

type StreamParameter struct {
	Protocol string `json:"protocol"`
	FPS      int    `json:"fps"`
	Bitrate  int    `json:"bitrate"`
}

type AvatarDispatch struct {
	InteractiveMode int `json:"interactive_mode"`
}

type Payload struct {
	Text *TextPayload `json:"text,omitempty"`
}

type TextPayload struct {
	Content string `json:"content"`
}

// NewStart builds the session start request.
func NewStart(appID, vcn, avatarID string, stream StreamParameter) Message {
	return Message{
		Header: newHeader(appID, CtrlStart),
		Parameter: &Parameter{
			TTS: &TTSParameter{VCN: vcn},
			Avatar: &AvatarParameter{
				Stream:   stream,
				AvatarID: avatarID,
				Width:    VideoWidth,
				Height:   VideoHeight,
			},
		},
	}
}

// NewTextDriver builds a text drive command. Interactive mode is always 0.
func NewTextDriver(appID, vcn, text string) Message {
	return Message{
		Header: newHeader(appID, CtrlTextDriver),
		Parameter: &Parameter{
			TTS:            &TTSParameter{VCN: vcn},
			AvatarDispatch: &AvatarDispatch{InteractiveMode: 0},
		},
		Payload: &Payload{Text: &TextPayload{Content: text}},
	}
}

// NewPing builds a heartbeat.
func NewPing(appID string) Message {
	return Message{Header: newHeader(appID, CtrlPing)}
}

func newHeader(appID, ctrl string) Header {
	return Header{AppID: appID, RequestID: uuid.NewString(), Ctrl: ctrl}
}

// Encode marshals the message for the wire.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Header.Ctrl, err)
	}
	return data, nil
}
