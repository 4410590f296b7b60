// Package config loads the tknet YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/tkengine/tknet/internal/session"
	"github.com/tkengine/tknet/internal/sockets"
)

// EnvPath names the environment variable that holds the default config path.
const EnvPath = "TKNET_CONFIG"

type LogConfig struct {
	Level string `yaml:"level"`
	// File enables logging to a rotated file instead of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type RetransmitConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       bool          `yaml:"jitter"`
}

type TransportConfig struct {
	ConnectTimeout    time.Duration    `yaml:"connect_timeout"`
	Timeout           time.Duration    `yaml:"timeout"`
	KeepaliveInterval time.Duration    `yaml:"keepalive_interval"`
	FlushTimeout      time.Duration    `yaml:"flush_timeout"`
	Retransmit        RetransmitConfig `yaml:"retransmit"`
	MaxRetransmits    int              `yaml:"max_retransmits"`
	SendWindow        int              `yaml:"send_window"`
	ReceiveWindow     int              `yaml:"receive_window"`
}

type ServerConfig struct {
	Addr           string  `yaml:"addr"`
	MaxConnections int     `yaml:"max_connections"`
	AcceptRate     float64 `yaml:"accept_rate"`
	AcceptBurst    int     `yaml:"accept_burst"`
	ExitPolicy     string  `yaml:"exit_policy"`
	Echo           bool    `yaml:"echo"`
}

type PeriodicConfig struct {
	Message  string        `yaml:"message"`
	Interval time.Duration `yaml:"interval"`
	Reliable bool          `yaml:"reliable"`
}

type ClientConfig struct {
	Addr string `yaml:"addr"`
	// Linger is how long the client keeps running after its messages were
	// sent, to receive replies.
	Linger   time.Duration   `yaml:"linger"`
	Periodic *PeriodicConfig `yaml:"periodic"`
}

type SessionConfig struct {
	TickRate           time.Duration `yaml:"tick_rate"`
	MaxMessagesPerTick int           `yaml:"max_messages_per_tick"`
}

type JournalConfig struct {
	// Path of the sqlite database. Empty disables the journal.
	Path          string        `yaml:"path"`
	CacheSizeMB   int           `yaml:"cache_size_mb"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type MetricsConfig struct {
	// Addr to serve /metrics on. Empty disables the endpoint.
	Addr string `yaml:"addr"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Session   SessionConfig   `yaml:"session"`
	Journal   JournalConfig   `yaml:"journal"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

func Default() *Config {
	opts := sockets.DefaultOptions()
	return &Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Transport: TransportConfig{
			ConnectTimeout:    opts.ConnectTimeout,
			Timeout:           opts.Timeout,
			KeepaliveInterval: opts.KeepaliveInterval,
			FlushTimeout:      opts.FlushTimeout,
			Retransmit: RetransmitConfig{
				InitialDelay: opts.Retransmit.InitialDelay,
				Multiplier:   opts.Retransmit.Multiplier,
				MaxDelay:     opts.Retransmit.MaxDelay,
				Jitter:       opts.Retransmit.Jitter,
			},
			MaxRetransmits: opts.MaxRetransmits,
			SendWindow:     opts.SendWindow,
			ReceiveWindow:  opts.ReceiveWindow,
		},
		Server: ServerConfig{
			Addr:       session.DefaultListenAddress,
			ExitPolicy: session.ExitStopsServer.String(),
			Echo:       true,
		},
		Client: ClientConfig{
			Addr:   session.DefaultServerAddress,
			Linger: time.Second,
		},
		Session: SessionConfig{
			TickRate:           session.DefaultTickRate,
			MaxMessagesPerTick: session.DefaultMaxMessagesPerTick,
		},
		Journal: JournalConfig{
			CacheSizeMB:   64,
			FlushInterval: 5 * time.Second,
			BufferSize:    1024,
		},
	}
}

// Parse reads the config file at path. Keys that are absent keep their
// default values.
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load parses the file at path, falling back to the path in $TKNET_CONFIG.
// Without either, the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		return Default(), nil
	}
	return Parse(path)
}

// Validate checks the config. Parse calls it; callers that modify a parsed
// config should call it again.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		errs = append(errs, errors.New("config: negative log rotation setting"))
	}

	if err := c.TransportOptions().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: transport: %w", err))
	}

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("config: missing server listening address"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("config: negative max connections: %d", c.Server.MaxConnections))
	}
	if c.Server.AcceptRate < 0 || c.Server.AcceptBurst < 0 {
		errs = append(errs, errors.New("config: negative accept rate limit"))
	}
	if _, err := session.ParseExitPolicy(c.Server.ExitPolicy); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}

	if c.Client.Addr == "" {
		errs = append(errs, errors.New("config: missing client server address"))
	}
	if c.Client.Linger < 0 {
		errs = append(errs, fmt.Errorf("config: negative client linger: %s", c.Client.Linger))
	}
	if p := c.Client.Periodic; p != nil && p.Interval <= 0 {
		errs = append(errs, errors.New("config: periodic message interval must be positive"))
	}

	if c.Session.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("config: tick rate must be positive: %s", c.Session.TickRate))
	}
	if c.Session.MaxMessagesPerTick <= 0 {
		errs = append(errs, fmt.Errorf("config: max messages per tick must be positive: %d", c.Session.MaxMessagesPerTick))
	}

	if c.Journal.CacheSizeMB < 0 || c.Journal.BufferSize < 0 || c.Journal.FlushInterval < 0 {
		errs = append(errs, errors.New("config: negative journal setting"))
	}

	return errors.Join(errs...)
}

func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return level, fmt.Errorf("config: bad log level: %w", err)
	}
	return level, nil
}

// TransportOptions converts the transport section. Logger, Network and Clock
// are left for the caller.
func (c *Config) TransportOptions() sockets.Options {
	t := c.Transport
	return sockets.Options{
		ConnectTimeout:    t.ConnectTimeout,
		Timeout:           t.Timeout,
		KeepaliveInterval: t.KeepaliveInterval,
		FlushTimeout:      t.FlushTimeout,
		Retransmit: sockets.BackoffConfig{
			InitialDelay: t.Retransmit.InitialDelay,
			Multiplier:   t.Retransmit.Multiplier,
			MaxDelay:     t.Retransmit.MaxDelay,
			Jitter:       t.Retransmit.Jitter,
		},
		MaxRetransmits: t.MaxRetransmits,
		SendWindow:     t.SendWindow,
		ReceiveWindow:  t.ReceiveWindow,
	}
}

// ServerOptions converts the server, session and transport sections. The
// config must have been validated.
func (c *Config) ServerOptions(logger *slog.Logger) session.ServerOptions {
	policy, _ := session.ParseExitPolicy(c.Server.ExitPolicy)
	return session.ServerOptions{
		Logger:             logger,
		Library:            c.TransportOptions(),
		MaxMessagesPerTick: c.Session.MaxMessagesPerTick,
		ExitPolicy:         policy,
		MaxConnections:     c.Server.MaxConnections,
		AcceptRate:         rate.Limit(c.Server.AcceptRate),
		AcceptBurst:        c.Server.AcceptBurst,
	}
}

// ClientOptions converts the client, session and transport sections.
func (c *Config) ClientOptions(logger *slog.Logger) session.ClientOptions {
	opts := session.ClientOptions{
		Logger:             logger,
		Library:            c.TransportOptions(),
		MaxMessagesPerTick: c.Session.MaxMessagesPerTick,
	}
	if p := c.Client.Periodic; p != nil {
		rel := sockets.Unreliable
		if p.Reliable {
			rel = sockets.Reliable
		}
		opts.Periodic = &session.PeriodicMessage{
			Payload:     []byte(p.Message),
			Interval:    p.Interval,
			Reliability: rel,
		}
	}
	return opts
}

func (c *Config) RunOptions(logger *slog.Logger) session.RunOptions {
	return session.RunOptions{
		TickRate: c.Session.TickRate,
		Logger:   logger,
	}
}
