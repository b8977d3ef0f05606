package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/xframe/internal/protocol/channel"
)

const (
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the xframectl node configuration.
type Config struct {
	// ListenAddr serves the websocket endpoint, /health and /metrics.
	ListenAddr string
	// TCPAddr, when set, also accepts framed stream connections.
	TCPAddr          string
	Origin           string
	AllowedOrigins   []string
	HandshakeTimeout time.Duration
	SynInterval      time.Duration
	Transport        string
	RemoteAddr       string
	Metrics          bool
	LogLevel         string
	LogFile          string
	// AuthToken, when set, is required to open a websocket channel.
	AuthToken string
}

type fileConfig struct {
	ListenAddr       string   `toml:"listen_addr"`
	TCPAddr          string   `toml:"tcp_addr"`
	Origin           string   `toml:"origin"`
	AllowedOrigins   []string `toml:"allowed_origins"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	SynInterval      string   `toml:"syn_interval"`
	Transport        string   `toml:"transport"`
	RemoteAddr       string   `toml:"remote_addr"`
	Metrics          bool     `toml:"metrics"`
	LogLevel         string   `toml:"log_level"`
	LogFile          string   `toml:"log_file"`
	AuthToken        string   `toml:"auth_token"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":9400",
		Origin:           "http://localhost:9400",
		AllowedOrigins:   []string{channel.AnyOrigin},
		HandshakeTimeout: 5 * time.Second,
		SynInterval:      20 * time.Millisecond,
		Transport:        TransportWebSocket,
		RemoteAddr:       "ws://localhost:9400/xframe",
		Metrics:          true,
		LogLevel:         "info",
	}
}

// Load reads path over DefaultConfig; only keys present in the file
// override defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load xframe config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("tcp_addr") {
		cfg.TCPAddr = strings.TrimSpace(raw.TCPAddr)
	}
	if meta.IsDefined("origin") {
		cfg.Origin = strings.TrimSpace(raw.Origin)
	}
	if meta.IsDefined("allowed_origins") {
		cfg.AllowedOrigins = normalizeList(raw.AllowedOrigins)
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("syn_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SynInterval))
		if err != nil {
			return Config{}, fmt.Errorf("parse syn_interval: %w", err)
		}
		cfg.SynInterval = d
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("remote_addr") {
		cfg.RemoteAddr = strings.TrimSpace(raw.RemoteAddr)
	}
	if meta.IsDefined("metrics") {
		cfg.Metrics = raw.Metrics
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_file") {
		cfg.LogFile = strings.TrimSpace(raw.LogFile)
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("%w: missing listen_addr", ErrInvalidConfig)
	}
	if _, err := channel.NormalizeOrigin(cfg.Origin); err != nil {
		return fmt.Errorf("%w: origin: %w", ErrInvalidConfig, err)
	}
	if _, err := channel.ParseOrigins(cfg.AllowedOrigins); err != nil {
		return fmt.Errorf("%w: allowed_origins: %w", ErrInvalidConfig, err)
	}
	switch cfg.Transport {
	case TransportWebSocket, TransportTCP:
	default:
		return fmt.Errorf("%w: transport %q (want %s or %s)", ErrInvalidConfig, cfg.Transport, TransportWebSocket, TransportTCP)
	}
	if cfg.HandshakeTimeout == 0 {
		return fmt.Errorf("%w: handshake_timeout must be non-zero", ErrInvalidConfig)
	}
	if cfg.SynInterval <= 0 {
		return fmt.Errorf("%w: syn_interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Channel maps the file settings onto a channel config.
func (c Config) Channel() channel.Config {
	cfg := channel.DefaultConfig()
	cfg.HandshakeTimeout = c.HandshakeTimeout
	if c.SynInterval > 0 {
		cfg.SynBackoff.InitialDelay = c.SynInterval
	}
	return cfg
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
