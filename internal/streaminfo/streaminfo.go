// Package streaminfo turns a stream_info frame from the avatar service into
// the configuration the browser player needs to join the stream.
package streaminfo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/avatarlink/internal/protocol"
)

// PlayerTypeXRTC selects the xrtc player.
const PlayerTypeXRTC = 12

var (
	ErrNoAvatar     = errors.New("stream_info frame has no payload.avatar")
	ErrNoStreamURL  = errors.New("stream_info frame has an empty stream_url")
	ErrNotStreamURL = errors.New("stream_url has no room segment")
)

type VideoSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type XRTCConfig struct {
	SID     string `json:"sid"`
	Server  string `json:"server"`
	RoomID  string `json:"roomId"`
	Token   string `json:"token"`
	AppID   string `json:"appId"`
	UserID  string `json:"userId"`
	TimeStr string `json:"timeStr"`
}

// PlayerConfig is the object handed to the browser player.
type PlayerConfig struct {
	PlayerType int        `json:"playerType"`
	StreamURL  string     `json:"streamUrl"`
	VideoSize  VideoSize  `json:"videoSize"`
	XRTC       XRTCConfig `json:"xrtcStreamConfig"`
}

// FromFrame maps a raw stream_info frame to a player config.
func FromFrame(raw []byte) (PlayerConfig, error) {
	return fromFrameAt(raw, time.Now())
}

func fromFrameAt(raw []byte, now time.Time) (PlayerConfig, error) {
	ev, err := protocol.DecodeAvatarEvent(raw)
	if err != nil {
		return PlayerConfig{}, fmt.Errorf("decode stream_info: %w", err)
	}
	if ev == nil {
		return PlayerConfig{}, ErrNoAvatar
	}
	streamURL := strings.TrimSpace(ev.StreamURL)
	if streamURL == "" {
		return PlayerConfig{}, ErrNoStreamURL
	}
	idx := strings.LastIndex(streamURL, "/")
	if idx < 0 {
		return PlayerConfig{}, ErrNotStreamURL
	}

	ms := strconv.FormatInt(now.UnixMilli(), 10)
	return PlayerConfig{
		PlayerType: PlayerTypeXRTC,
		StreamURL:  streamURL,
		VideoSize:  VideoSize{Width: protocol.VideoWidth, Height: protocol.VideoHeight},
		XRTC: XRTCConfig{
			SID:     ev.CID,
			Server:  httpServer(streamURL[:idx]),
			RoomID:  streamURL[idx+1:],
			Token:   extendString(ev.StreamExtend, "user_sign"),
			AppID:   extendString(ev.StreamExtend, "appid"),
			UserID:  "user_" + ms,
			TimeStr: ms,
		},
	}, nil
}

func httpServer(base string) string {
	for _, scheme := range []string{"xrtcs://", "xrtc://"} {
		if strings.HasPrefix(base, scheme) {
			return "http://" + strings.TrimPrefix(base, scheme)
		}
	}
	return base
}

func extendString(extend map[string]any, key string) string {
	switch v := extend[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
