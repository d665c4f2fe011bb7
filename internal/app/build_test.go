package app

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/avatarlink/internal/avatar"
	"github.com/ent0n29/avatarlink/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace:  fmt.Sprintf("test_app_%d", time.Now().UnixNano()),
		AvatarWSURL:       "wss://avatar.example.com/v1/interact",
		AppID:             "app-1",
		APIKey:            "key-1",
		APISecret:         "secret-1",
		AvatarID:          "avatar-1",
		VCN:               "x4_yezi",
		StreamProtocol:    "xrtc",
		StreamFPS:         30,
		StreamBitrate:     1500,
		QueueCapacity:     7,
		HeartbeatInterval: 2 * time.Second,
		IdlePoll:          50 * time.Millisecond,
	}
}

func TestBuildWiresInMemoryStack(t *testing.T) {
	res, err := Build(context.Background(), testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, res.Cleanup()) })

	require.NotNil(t, res.API)
	require.NotNil(t, res.Hub)
	require.NotNil(t, res.Store)
	require.Equal(t, avatar.StateConnecting, res.Client.State())

	snap := res.Client.Snapshot()
	require.Equal(t, "app-1", snap.AppID)
	require.Equal(t, 7, snap.QueueCap)
}

func TestBuildRejectsUnsignableURL(t *testing.T) {
	cfg := testConfig()
	cfg.APISecret = ""
	_, err := Build(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sign avatar url")
}

func TestClientConfig(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatBeforeLink = true
	got := ClientConfig(cfg, "wss://signed")

	require.Equal(t, "wss://signed", got.URL)
	require.Equal(t, "avatar-1", got.AvatarID)
	require.Equal(t, "x4_yezi", got.VCN)
	require.Equal(t, 30, got.Stream.FPS)
	require.Equal(t, 1500, got.Stream.Bitrate)
	require.True(t, strings.EqualFold(got.Stream.Protocol, "xrtc"))
	require.True(t, got.HeartbeatBeforeLink)
	require.Equal(t, 50*time.Millisecond, got.IdlePoll)
}
