package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tkengine/tknet/internal/session"
	"github.com/tkengine/tknet/internal/sockets"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "tknet.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != session.DefaultListenAddress {
		t.Fatalf("expected server addr: %s, got: %s", session.DefaultListenAddress, cfg.Server.Addr)
	}
	if cfg.Client.Addr != session.DefaultServerAddress {
		t.Fatalf("expected client addr: %s, got: %s", session.DefaultServerAddress, cfg.Client.Addr)
	}
}

func TestParse(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
transport:
  timeout: 5s
  keepalive_interval: 500ms
  flush_timeout: 2s
  retransmit:
    initial_delay: 50ms
    jitter: true
server:
  addr: 0.0.0.0:4000
  max_connections: 16
  accept_rate: 10
  accept_burst: 5
  exit_policy: close
client:
  periodic:
    message: exit
    interval: 1s
    reliable: true
session:
  tick_rate: 10ms
journal:
  path: /tmp/tknet.db
`)

	cfg, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}

	level, err := cfg.LogLevel()
	if err != nil {
		t.Fatal(err)
	}
	if level != slog.LevelDebug {
		t.Fatalf("expected level: %v, got: %v", slog.LevelDebug, level)
	}

	opts := cfg.TransportOptions()
	if opts.Timeout != 5*time.Second || opts.KeepaliveInterval != 500*time.Millisecond {
		t.Fatalf("unexpected transport options: %+v", opts)
	}
	if opts.FlushTimeout != 2*time.Second {
		t.Fatalf("expected flush timeout: %s, got: %s", 2*time.Second, opts.FlushTimeout)
	}
	if opts.Retransmit.InitialDelay != 50*time.Millisecond || !opts.Retransmit.Jitter {
		t.Fatalf("unexpected retransmit options: %+v", opts.Retransmit)
	}
	// Keys that were not set keep their defaults.
	if opts.ConnectTimeout != sockets.DefaultOptions().ConnectTimeout {
		t.Fatalf("expected default connect timeout, got: %s", opts.ConnectTimeout)
	}

	srv := cfg.ServerOptions(nil)
	if srv.ExitPolicy != session.ExitClosesPeer {
		t.Fatalf("expected exit policy: %v, got: %v", session.ExitClosesPeer, srv.ExitPolicy)
	}
	if srv.MaxConnections != 16 || srv.AcceptRate != 10 || srv.AcceptBurst != 5 {
		t.Fatalf("unexpected server options: %+v", srv)
	}
	if srv.MaxMessagesPerTick != session.DefaultMaxMessagesPerTick {
		t.Fatalf("expected default max messages per tick, got: %d", srv.MaxMessagesPerTick)
	}

	client := cfg.ClientOptions(nil)
	if client.Periodic == nil {
		t.Fatal("expected periodic message")
	}
	if string(client.Periodic.Payload) != "exit" || client.Periodic.Reliability != sockets.Reliable {
		t.Fatalf("unexpected periodic message: %+v", client.Periodic)
	}

	if run := cfg.RunOptions(nil); run.TickRate != 10*time.Millisecond {
		t.Fatalf("expected tick rate: 10ms, got: %s", run.TickRate)
	}
	if cfg.Journal.Path != "/tmp/tknet.db" {
		t.Fatalf("unexpected journal path: %s", cfg.Journal.Path)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errText string
	}{
		{"bad yaml", "server: [", "parse"},
		{"log level", "log:\n  level: loud\n", "log level"},
		{"exit policy", "server:\n  exit_policy: restart\n", "exit policy"},
		{"keepalive", "transport:\n  timeout: 1s\n  keepalive_interval: 2s\n", "keepalive"},
		{"flush timeout", "transport:\n  flush_timeout: -1s\n", "flush timeout"},
		{"server addr", "server:\n  addr: \"\"\n", "server listening address"},
		{"max connections", "server:\n  max_connections: -1\n", "max connections"},
		{"tick rate", "session:\n  tick_rate: 0s\n", "tick rate"},
		{"periodic", "client:\n  periodic:\n    message: hi\n", "periodic"},
		{"duration", "transport:\n  timeout: soon\n", "parse"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse(writeConfig(t, test.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), test.errText) {
				t.Fatalf("expected error containing '%s', got: %v", test.errText, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv(EnvPath, "")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != session.DefaultListenAddress {
		t.Fatalf("expected default config, got: %+v", cfg.Server)
	}

	path := writeConfig(t, "server:\n  addr: 127.0.0.1:9000\n")
	t.Setenv(EnvPath, path)
	cfg, err = Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("expected config from %s, got: %+v", EnvPath, cfg.Server)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected error: '%v', got: %v", fs.ErrNotExist, err)
	}
}
