// Package session drives tknet connections: a ServerConnection that accepts
// and multiplexes many peers and a ClientConnection that talks to one server.
// Both are advanced one step at a time with Loop, normally through Run.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tkengine/tknet/internal/metrics"
	"github.com/tkengine/tknet/internal/sockets"
)

const (
	DefaultListenAddress = "0.0.0.0:27020"
	DefaultServerAddress = "127.0.0.1:27020"

	DefaultMaxMessagesPerTick = 32

	// ExitMessage is the control payload a peer sends to end the session.
	ExitMessage = "exit"
)

var (
	ErrKilled         = errors.New("session: connection has been killed")
	ErrNotConnected   = errors.New("session: not connected")
	ErrNotStarted     = errors.New("session: server has not been started")
	ErrAlreadyStarted = errors.New("session: already started")
)

// Connection is a session endpoint that is driven tick by tick.
type Connection interface {
	// Loop advances the connection by one tick. It returns false once the
	// session should end.
	Loop() (bool, error)
	// Kill tears the connection down immediately.
	Kill() error
}

// MessageFunc receives one message. Data is only valid for the duration of
// the call.
type MessageFunc func(conn sockets.Handle, data []byte)

// StatusFunc observes connection state changes after the session has acted
// on them.
type StatusFunc func(info *sockets.StatusChangedInfo)

// ExitPolicy decides what an exit message from a peer does to a server.
type ExitPolicy int

const (
	// ExitStopsServer ends the server loop.
	ExitStopsServer ExitPolicy = iota
	// ExitClosesPeer disconnects only the peer that sent it.
	ExitClosesPeer
)

func (p ExitPolicy) String() string {
	switch p {
	case ExitStopsServer:
		return "stop"
	case ExitClosesPeer:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

func ParseExitPolicy(s string) (ExitPolicy, error) {
	switch strings.ToLower(s) {
	case "", "stop":
		return ExitStopsServer, nil
	case "close":
		return ExitClosesPeer, nil
	default:
		return 0, fmt.Errorf("unknown exit policy: %q", s)
	}
}

// IsExitMessage reports whether data is the exit control message. The
// comparison ignores case.
func IsExitMessage(data []byte) bool {
	return strings.EqualFold(string(data), ExitMessage)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func libraryOptions(opts sockets.Options, logger *slog.Logger) sockets.Options {
	if opts.Logger == nil {
		opts.Logger = logger.With(slog.String("component", "sockets"))
	}
	return opts
}

func hooks(lifecycle metrics.ConnectionLifecycleHook, msgs metrics.MessageHook) (metrics.ConnectionLifecycleHook, metrics.MessageHook) {
	if lifecycle == nil {
		lifecycle = metrics.NewNoopConnectionLifecycleHook()
	}
	if msgs == nil {
		msgs = metrics.NewNoopMessageHook()
	}
	return lifecycle, msgs
}
