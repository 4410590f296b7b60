// Package sockets is the transport binding of tknet: connection-oriented,
// encrypted, reliable or unreliable messaging over a datagram network.
//
// A Library owns every listen socket and connection it creates. All state
// transitions happen inside RunCallbacks, which the owner calls once per tick;
// status-change notifications are dispatched synchronously from it.
package sockets

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrInit            = errors.New("sockets: transport initialization failed")
	ErrShutdown        = errors.New("sockets: library has been shut down")
	ErrListen          = errors.New("sockets: unable to create listen socket")
	ErrConnect         = errors.New("sockets: unable to connect")
	ErrInvalidAddress  = errors.New("sockets: invalid address")
	ErrInvalidHandle   = errors.New("sockets: invalid connection handle")
	ErrNotConnected    = errors.New("sockets: connection is not connected")
	ErrInvalidState    = errors.New("sockets: connection is in the wrong state")
	ErrMessageTooLarge = errors.New("sockets: message too large")
	ErrSendQueueFull   = errors.New("sockets: reliable send queue full")
)

// Handle identifies one connection. Handles are never reused by a Library.
type Handle uint32

const InvalidHandle Handle = 0

// ListenSocket identifies one listen socket.
type ListenSocket uint32

const InvalidListenSocket ListenSocket = 0

type State int

const (
	StateNone State = iota
	StateConnecting
	StateConnected
	StateClosedByPeer
	StateProblemDetectedLocally
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosedByPeer:
		return "closed_by_peer"
	case StateProblemDetectedLocally:
		return "problem_detected_locally"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == StateClosedByPeer || s == StateProblemDetectedLocally
}

type Reliability int

const (
	Unreliable Reliability = iota
	Reliable
)

func (r Reliability) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "unreliable"
}

// End reasons reported in ConnectionInfo.EndReason and sent to peers.
const (
	EndReasonNone        = 0
	EndReasonApp         = 1000
	EndReasonShutdown    = 1001
	EndReasonServerFull  = 2001
	EndReasonTimeout     = 4001
	EndReasonRetransmits = 4002
	EndReasonNotAccepted = 4003
)

type ConnectionInfo struct {
	ListenSocket ListenSocket
	RemoteAddr   *net.UDPAddr
	State        State
	EndReason    int
	EndDebug     string
}

type StatusChangedInfo struct {
	Conn     Handle
	Info     ConnectionInfo
	OldState State
}

// StatusChangedFunc receives connection state changes. It runs on the
// goroutine that called RunCallbacks.
type StatusChangedFunc func(info *StatusChangedInfo)

type Stats struct {
	Connections int
	// Flushing counts closed connections still retransmitting reliable
	// messages before their close frame goes out.
	Flushing            int
	ListenSockets       int
	OutstandingMessages int64
	PacketsIn           uint64
	PacketsOut          uint64
	PacketsDropped      uint64
	Retransmits         uint64
}
