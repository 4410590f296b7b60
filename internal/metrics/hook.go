// Package metrics defines the hooks the session layer reports connection and
// message events through, along with Prometheus and no-op implementations.
package metrics

import (
	"net"
	"time"

	"github.com/tkengine/tknet/internal/sockets"
)

// ConnectionLifecycleHook reports events in the lifecycle of a peer connection.
type ConnectionLifecycleHook interface {
	// EmitConnectionOpen reports that a connection reached the connected
	// state. Latency is the time spent connecting.
	EmitConnectionOpen(conn sockets.Handle, addr net.Addr, latency time.Duration)

	// EmitConnectionClose reports that a connected peer went away. State is
	// the terminal state that was observed, or StateNone when the connection
	// was closed locally.
	EmitConnectionClose(conn sockets.Handle, addr net.Addr, state sockets.State)

	// EmitConnectionError reports a connection that failed before it was
	// established.
	EmitConnectionError()
}

// MessageHook reports message traffic on established connections.
type MessageHook interface {
	EmitMessageReceived(conn sockets.Handle, addr net.Addr, size int, rel sockets.Reliability)
	EmitMessageSent(conn sockets.Handle, addr net.Addr, size int, rel sockets.Reliability)
	EmitSendError(conn sockets.Handle, addr net.Addr)
}

// NoopConnectionLifecycleHook implements ConnectionLifecycleHook but noops on
// all emissions.
type NoopConnectionLifecycleHook struct{}

// NoopMessageHook implements MessageHook but noops on all emissions.
type NoopMessageHook struct{}

func NewNoopConnectionLifecycleHook() ConnectionLifecycleHook {
	return &NoopConnectionLifecycleHook{}
}

func (h *NoopConnectionLifecycleHook) EmitConnectionOpen(conn sockets.Handle, addr net.Addr, latency time.Duration) {
}

func (h *NoopConnectionLifecycleHook) EmitConnectionClose(conn sockets.Handle, addr net.Addr, state sockets.State) {
}

func (h *NoopConnectionLifecycleHook) EmitConnectionError() {}

func NewNoopMessageHook() MessageHook {
	return &NoopMessageHook{}
}

func (h *NoopMessageHook) EmitMessageReceived(conn sockets.Handle, addr net.Addr, size int, rel sockets.Reliability) {
}

func (h *NoopMessageHook) EmitMessageSent(conn sockets.Handle, addr net.Addr, size int, rel sockets.Reliability) {
}

func (h *NoopMessageHook) EmitSendError(conn sockets.Handle, addr net.Addr) {}

// Lifecycles fans every emission out to each hook in order.
type Lifecycles []ConnectionLifecycleHook

func (hs Lifecycles) EmitConnectionOpen(conn sockets.Handle, addr net.Addr, latency time.Duration) {
	for _, h := range hs {
		h.EmitConnectionOpen(conn, addr, latency)
	}
}

func (hs Lifecycles) EmitConnectionClose(conn sockets.Handle, addr net.Addr, state sockets.State) {
	for _, h := range hs {
		h.EmitConnectionClose(conn, addr, state)
	}
}

func (hs Lifecycles) EmitConnectionError() {
	for _, h := range hs {
		h.EmitConnectionError()
	}
}

// Messages fans every emission out to each hook in order.
type Messages []MessageHook

func (hs Messages) EmitMessageReceived(conn sockets.Handle, addr net.Addr, size int, rel sockets.Reliability) {
	for _, h := range hs {
		h.EmitMessageReceived(conn, addr, size, rel)
	}
}

func (hs Messages) EmitMessageSent(conn sockets.Handle, addr net.Addr, size int, rel sockets.Reliability) {
	for _, h := range hs {
		h.EmitMessageSent(conn, addr, size, rel)
	}
}

func (hs Messages) EmitSendError(conn sockets.Handle, addr net.Addr) {
	for _, h := range hs {
		h.EmitSendError(conn, addr)
	}
}
