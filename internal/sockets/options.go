package sockets

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type Options struct {
	Logger *slog.Logger
	// Network carries datagrams. Defaults to UDPNetwork.
	Network Network
	// Clock defaults to time.Now.
	Clock func() time.Time

	ConnectTimeout    time.Duration
	Timeout           time.Duration
	KeepaliveInterval time.Duration
	// FlushTimeout bounds how long CloseConnection keeps retransmitting
	// unacknowledged reliable messages before the close frame is sent.
	FlushTimeout   time.Duration
	Retransmit     BackoffConfig
	MaxRetransmits int
	SendWindow        int
	ReceiveWindow     int
}

// DefaultOptions returns the reliability defaults used when a field is zero.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    10 * time.Second,
		Timeout:           10 * time.Second,
		KeepaliveInterval: 1 * time.Second,
		FlushTimeout:      3 * time.Second,
		Retransmit: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     1 * time.Second,
		},
		MaxRetransmits: 10,
		SendWindow:     256,
		ReceiveWindow:  256,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Network == nil {
		o.Network = &UDPNetwork{}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.Timeout == 0 {
		o.Timeout = def.Timeout
	}
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = def.KeepaliveInterval
	}
	if o.FlushTimeout == 0 {
		o.FlushTimeout = def.FlushTimeout
	}
	if o.Retransmit.InitialDelay == 0 {
		o.Retransmit = def.Retransmit
	}
	if o.MaxRetransmits == 0 {
		o.MaxRetransmits = def.MaxRetransmits
	}
	if o.SendWindow == 0 {
		o.SendWindow = def.SendWindow
	}
	if o.ReceiveWindow == 0 {
		o.ReceiveWindow = def.ReceiveWindow
	}
	return o
}

// Validate reports settings that can never work, such as negative durations.
func (o Options) Validate() error {
	switch {
	case o.ConnectTimeout < 0:
		return fmt.Errorf("negative connect timeout: %s", o.ConnectTimeout)
	case o.Timeout < 0:
		return fmt.Errorf("negative timeout: %s", o.Timeout)
	case o.KeepaliveInterval < 0:
		return fmt.Errorf("negative keepalive interval: %s", o.KeepaliveInterval)
	case o.FlushTimeout < 0:
		return fmt.Errorf("negative flush timeout: %s", o.FlushTimeout)
	case o.Timeout > 0 && o.KeepaliveInterval >= o.Timeout:
		return fmt.Errorf("keepalive interval %s must be shorter than timeout %s", o.KeepaliveInterval, o.Timeout)
	case o.Retransmit.InitialDelay < 0 || o.Retransmit.MaxDelay < 0:
		return fmt.Errorf("negative retransmit delay")
	case o.MaxRetransmits < 0:
		return fmt.Errorf("negative max retransmits: %d", o.MaxRetransmits)
	case o.SendWindow < 0 || o.ReceiveWindow < 0:
		return fmt.Errorf("negative window size")
	}
	return nil
}

type ListenOptions struct {
	OnStatusChanged StatusChangedFunc
	// MaxConnections caps live (connecting or connected) connections on the
	// socket. Further requests are rejected with EndReasonServerFull. Zero
	// means unlimited.
	MaxConnections int
	// AcceptRate limits new handshakes per second. Requests over the limit are
	// dropped and left to the client's retry. Zero means unlimited.
	AcceptRate  rate.Limit
	AcceptBurst int
}

type ConnectOptions struct {
	OnStatusChanged StatusChangedFunc
}

// retransmitDelay is the wait before retry attempt n of a frame or
// handshake. The first retry waits InitialDelay, later ones grow by Multiplier
// up to MaxDelay. Jitter spreads the delay over [0.5, 1.5) of that value.
func retransmitDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 || cfg.InitialDelay <= 0 {
		return cfg.InitialDelay
	}

	delay := float64(cfg.InitialDelay) * math.Pow(max(cfg.Multiplier, 1), float64(attempt-1))
	if cfg.MaxDelay > 0 {
		delay = min(delay, float64(cfg.MaxDelay))
	}
	if cfg.Jitter {
		delay *= 0.5 + rng.Float64()
	}
	return time.Duration(delay)
}
