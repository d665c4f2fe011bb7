package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ent0n29/avatarlink/internal/auth"
	"github.com/ent0n29/avatarlink/internal/avatar"
	"github.com/ent0n29/avatarlink/internal/config"
	"github.com/ent0n29/avatarlink/internal/httpapi"
	"github.com/ent0n29/avatarlink/internal/observability"
	"github.com/ent0n29/avatarlink/internal/protocol"
	"github.com/ent0n29/avatarlink/internal/transcript"
)

const streamEventBuffer = 8

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Client  *avatar.Client
	Hub     *httpapi.StreamHub
	Events  *avatar.ChannelSink
	Store   transcript.Store
	Metrics *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB, browser clients).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	signedURL, err := auth.SignURL(cfg.AvatarWSURL, http.MethodGet, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("sign avatar url: %w", err)
	}

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	events := avatar.NewChannelSink(streamEventBuffer)
	client := avatar.New(ClientConfig(cfg, signedURL), events, metrics)
	hub := httpapi.NewStreamHub(client.ID(), store, metrics)
	api := httpapi.New(cfg, client, hub, store, metrics)

	cleanup := func() error {
		var errs []string
		hub.Close()
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Client:  client,
		Hub:     hub,
		Events:  events,
		Store:   store,
		Metrics: metrics,
		Cleanup: cleanup,
	}, nil
}

// ClientConfig maps service settings onto one avatar session.
func ClientConfig(cfg config.Config, signedURL string) avatar.Config {
	return avatar.Config{
		URL:      signedURL,
		AppID:    cfg.AppID,
		VCN:      cfg.VCN,
		AvatarID: cfg.AvatarID,
		Stream: protocol.StreamParameter{
			Protocol: cfg.StreamProtocol,
			FPS:      cfg.StreamFPS,
			Bitrate:  cfg.StreamBitrate,
		},
		QueueCapacity:       cfg.QueueCapacity,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		IdlePoll:            cfg.IdlePoll,
		HeartbeatBeforeLink: cfg.HeartbeatBeforeLink,
		HandshakeTimeout:    cfg.HandshakeTimeout,
	}
}
