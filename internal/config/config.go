package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultAvatarWSURL = "wss://avatar.cn-huadong-1.xf-yun.com/v1/interact"

// maxIdlePoll bounds how long the sender waits between state checks.
const maxIdlePoll = 100 * time.Millisecond

// Config contains all runtime settings for the avatar link service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	AllowAnyOrigin bool

	AvatarWSURL     string
	AppID           string
	APIKey          string
	APISecret       string
	AvatarID        string
	VCN             string
	CredentialsFile string

	StreamProtocol string
	StreamFPS      int
	StreamBitrate  int

	QueueCapacity       int
	HeartbeatInterval   time.Duration
	IdlePoll            time.Duration
	HeartbeatBeforeLink bool
	HandshakeTimeout    time.Duration

	DatabaseURL string
}

// Load reads environment variables, overlays the optional credentials file
// and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "avatarlink"),
		LogLevel:         strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		AvatarWSURL:      envOrDefault("AVATAR_WS_URL", defaultAvatarWSURL),
		AppID:            strings.TrimSpace(os.Getenv("AVATAR_APP_ID")),
		APIKey:           strings.TrimSpace(os.Getenv("AVATAR_API_KEY")),
		APISecret:        strings.TrimSpace(os.Getenv("AVATAR_API_SECRET")),
		AvatarID:         strings.TrimSpace(os.Getenv("AVATAR_ID")),
		VCN:              strings.TrimSpace(os.Getenv("AVATAR_VCN")),
		CredentialsFile:  strings.TrimSpace(os.Getenv("AVATAR_CREDENTIALS_FILE")),
		StreamProtocol:   envOrDefault("AVATAR_STREAM_PROTOCOL", "xrtc"),
		StreamFPS:        25,
		StreamBitrate:    2000,
		QueueCapacity:    100,
		// The service drops idle sessions; a ping every 5s keeps it warm.
		HeartbeatInterval: 5 * time.Second,
		IdlePoll:          100 * time.Millisecond,
		HandshakeTimeout:  10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.StreamFPS, err = intFromEnv("AVATAR_STREAM_FPS", cfg.StreamFPS); err != nil {
		return Config{}, err
	}
	if cfg.StreamBitrate, err = intFromEnv("AVATAR_STREAM_BITRATE", cfg.StreamBitrate); err != nil {
		return Config{}, err
	}
	if cfg.QueueCapacity, err = intFromEnv("AVATAR_QUEUE_CAPACITY", cfg.QueueCapacity); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = durationFromEnv("AVATAR_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.IdlePoll, err = durationFromEnv("AVATAR_IDLE_POLL", cfg.IdlePoll); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatBeforeLink, err = boolFromEnv("AVATAR_HEARTBEAT_BEFORE_LINK", cfg.HeartbeatBeforeLink); err != nil {
		return Config{}, err
	}
	if cfg.HandshakeTimeout, err = durationFromEnv("AVATAR_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout); err != nil {
		return Config{}, err
	}

	if cfg.CredentialsFile != "" {
		if err := LoadCredentialsFile(cfg.CredentialsFile, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required credentials and value ranges.
func (c Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"AVATAR_WS_URL", c.AvatarWSURL},
		{"AVATAR_APP_ID", c.AppID},
		{"AVATAR_API_KEY", c.APIKey},
		{"AVATAR_API_SECRET", c.APISecret},
		{"AVATAR_ID", c.AvatarID},
		{"AVATAR_VCN", c.VCN},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.key)
		}
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("AVATAR_QUEUE_CAPACITY must be positive")
	}
	if c.HeartbeatInterval < 100*time.Millisecond {
		return fmt.Errorf("AVATAR_HEARTBEAT_INTERVAL must be at least 100ms")
	}
	if c.IdlePoll <= 0 || c.IdlePoll > maxIdlePoll {
		return fmt.Errorf("AVATAR_IDLE_POLL must be in (0, %s]", maxIdlePoll)
	}
	if c.StreamFPS <= 0 {
		return fmt.Errorf("AVATAR_STREAM_FPS must be positive")
	}
	if c.StreamBitrate <= 0 {
		return fmt.Errorf("AVATAR_STREAM_BITRATE must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
