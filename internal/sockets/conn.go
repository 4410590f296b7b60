package sockets

import (
	"log/slog"
	"net"
	"time"

	"github.com/tkengine/tknet/internal/wire"
)

type pendingFrame struct {
	seq      uint32
	payload  []byte
	lastSent time.Time
	attempts int
}

type conn struct {
	handle     Handle
	listen     ListenSocket
	pc         PacketConn
	ownsSocket bool
	remote     *net.UDPAddr
	remoteID   uint32
	state      State
	onStatus   StatusChangedFunc

	keys          *keyPair
	shared        *[32]byte
	sendDir       byte
	recvDir       byte
	nextPacketNum uint64

	nextSendSeq uint32
	unacked     []*pendingFrame
	nextRecvSeq uint32
	outOfOrder  map[uint32][]byte
	ackDue      bool

	queue []*Message

	createdAt         time.Time
	lastRecv          time.Time
	lastSend          time.Time
	lastHandshake     time.Time
	handshakeAttempts int

	endReason int
	endDebug  string

	// Set once CloseConnection handed the connection over to flush its
	// unacknowledged reliable frames.
	flushDeadline time.Time
}

func (c *conn) info() ConnectionInfo {
	return ConnectionInfo{
		ListenSocket: c.listen,
		RemoteAddr:   c.remote,
		State:        c.state,
		EndReason:    c.endReason,
		EndDebug:     c.endDebug,
	}
}

// routedFrom reports whether a datagram received on the given socket from
// addr belongs to c.
func (c *conn) routedFrom(p *rawPacket) bool {
	if c.listen != InvalidListenSocket {
		if p.listen != c.listen {
			return false
		}
	} else if p.conn != c.handle {
		return false
	}

	if c.remote.Port != p.addr.Port {
		return false
	}
	return c.remote.IP.IsUnspecified() || c.remote.IP.Equal(p.addr.IP)
}

// seqBefore compares sequence numbers with wraparound.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// ack drops every pending frame the peer has acknowledged.
func (c *conn) ack(next uint32) {
	i := 0
	for i < len(c.unacked) && seqBefore(c.unacked[i].seq, next) {
		i++
	}
	if i == 0 {
		return
	}

	n := copy(c.unacked, c.unacked[i:])
	clear(c.unacked[n:])
	c.unacked = c.unacked[:n]
}

// releaseQueue releases messages that were never handed to the application.
func (c *conn) releaseQueue() {
	for _, msg := range c.queue {
		msg.Release()
	}
	c.queue = nil
}

func (l *Library) setState(c *conn, state State, reason int, debug string) {
	old := c.state
	if old == state {
		return
	}

	c.state = state
	if state.Terminal() {
		c.endReason = reason
		c.endDebug = debug
		c.unacked = nil
	}

	l.logger.Debug("Connection state changed",
		slog.Uint64("conn", uint64(c.handle)),
		slog.String("addr", c.remote.String()),
		slog.String("old_state", old.String()),
		slog.String("state", state.String()))

	if c.onStatus == nil {
		return
	}
	l.events = append(l.events, statusEvent{
		fn: c.onStatus,
		info: StatusChangedInfo{
			Conn:     c.handle,
			Info:     c.info(),
			OldState: old,
		},
	})
}

func (l *Library) problem(c *conn, reason int, debug string) {
	if c.shared != nil && c.state == StateConnected {
		l.sendClose(c, reason, debug)
	}
	l.setState(c, StateProblemDetectedLocally, reason, debug)
}

func (l *Library) sendFrame(c *conn, f *wire.Frame, now time.Time) error {
	f.Ack = c.nextRecvSeq
	c.nextPacketNum++

	hdr := wire.Header{
		Type:      wire.PacketTypeData,
		ConnID:    c.remoteID,
		PacketNum: c.nextPacketNum,
	}
	buf := hdr.AppendBinary(make([]byte, 0, wire.MaxPacketSize))
	plain := f.AppendBinary(make([]byte, 0, wire.FrameHeaderSize+len(f.Payload)))
	buf = seal(buf, plain, c.sendDir, c.nextPacketNum, c.shared)

	c.lastSend = now
	c.ackDue = false
	l.packetsOut++
	return c.pc.SendPacket(buf, c.remote)
}

func (l *Library) sendClose(c *conn, reason int, debug string) {
	if len(debug) > MaxMessageSize {
		debug = debug[:MaxMessageSize]
	}

	err := l.sendFrame(c, &wire.Frame{
		Kind:    wire.FrameClose,
		Reason:  uint16(reason),
		Payload: []byte(debug),
	}, l.clock())
	if err != nil {
		l.logger.Debug("Unable to send close frame",
			slog.Uint64("conn", uint64(c.handle)),
			slog.Any("err", err))
	}
}

func (l *Library) sendHandshake(pc PacketConn, addr *net.UDPAddr, typ wire.PacketType, connID uint32, body []byte) {
	hdr := wire.Header{Type: typ, ConnID: connID}
	buf := hdr.AppendBinary(make([]byte, 0, wire.HeaderSize+len(body)))
	buf = append(buf, body...)

	l.packetsOut++
	if err := pc.SendPacket(buf, addr); err != nil {
		l.logger.Debug("Unable to send handshake packet",
			slog.String("packet_type", typ.String()),
			slog.String("addr", addr.String()),
			slog.Any("err", err))
	}
}

func (l *Library) sendConnectRequest(c *conn, now time.Time) {
	c.handshakeAttempts++
	c.lastHandshake = now

	hello := wire.Hello{ConnID: uint32(c.handle), PublicKey: *c.keys.public}
	body, _ := hello.MarshalBinary()
	l.sendHandshake(c.pc, c.remote, wire.PacketTypeConnectRequest, 0, body)
}

func (l *Library) sendAccept(c *conn) {
	hello := wire.Hello{ConnID: uint32(c.handle), PublicKey: *c.keys.public}
	body, _ := hello.MarshalBinary()
	l.sendHandshake(c.pc, c.remote, wire.PacketTypeConnectAccept, c.remoteID, body)
}

func (l *Library) sendReject(pc PacketConn, addr *net.UDPAddr, connID uint32, reason int, debug string) {
	reject := wire.Reject{Reason: uint16(reason), Debug: debug}
	body, _ := reject.MarshalBinary()
	l.sendHandshake(pc, addr, wire.PacketTypeConnectReject, connID, body)
}

func (l *Library) receiveReliable(c *conn, seq uint32, payload []byte, now time.Time) {
	c.ackDue = true

	d := int32(seq - c.nextRecvSeq)
	switch {
	case d < 0:
		// Already delivered; the peer missed our ack.
	case d == 0:
		c.queue = append(c.queue, newMessage(c.handle, payload, Reliable, now, &l.outstanding))
		c.nextRecvSeq++
		for {
			next, ok := c.outOfOrder[c.nextRecvSeq]
			if !ok {
				break
			}
			delete(c.outOfOrder, c.nextRecvSeq)
			c.queue = append(c.queue, newMessage(c.handle, next, Reliable, now, &l.outstanding))
			c.nextRecvSeq++
		}
	case int(d) < l.opts.ReceiveWindow:
		if c.outOfOrder == nil {
			c.outOfOrder = make(map[uint32][]byte)
		}
		if _, ok := c.outOfOrder[seq]; !ok {
			c.outOfOrder[seq] = payload
		}
	default:
		l.logger.Debug("Dropping reliable frame beyond receive window",
			slog.Uint64("conn", uint64(c.handle)),
			slog.Uint64("seq", uint64(seq)),
			slog.Uint64("expected", uint64(c.nextRecvSeq)))
	}
}

// service advances timers for one connection.
func (l *Library) service(c *conn, now time.Time) {
	switch c.state {
	case StateConnecting:
		if now.Sub(c.createdAt) >= l.opts.ConnectTimeout {
			if c.listen == InvalidListenSocket {
				l.setState(c, StateProblemDetectedLocally, EndReasonTimeout, "timed out connecting")
			} else {
				l.setState(c, StateProblemDetectedLocally, EndReasonNotAccepted, "connection was not accepted")
			}
			return
		}

		if c.listen == InvalidListenSocket &&
			now.Sub(c.lastHandshake) >= retransmitDelay(l.opts.Retransmit, c.handshakeAttempts, l.rng) {
			l.sendConnectRequest(c, now)
		}
	case StateConnected:
		if l.opts.Timeout > 0 && now.Sub(c.lastRecv) >= l.opts.Timeout {
			l.problem(c, EndReasonTimeout, "timed out")
			return
		}

		if !l.retransmit(c, now) {
			l.problem(c, EndReasonRetransmits, "too many retransmissions")
			return
		}

		if c.ackDue {
			l.sendControl(c, wire.FrameAck, now)
		}
		if now.Sub(c.lastSend) >= l.opts.KeepaliveInterval {
			l.sendControl(c, wire.FramePing, now)
		}
	}
}

// retransmit resends every unacknowledged frame that is due. It reports false
// once a frame ran out of attempts.
func (l *Library) retransmit(c *conn, now time.Time) bool {
	for _, p := range c.unacked {
		if now.Sub(p.lastSent) < retransmitDelay(l.opts.Retransmit, p.attempts, l.rng) {
			continue
		}
		if p.attempts > l.opts.MaxRetransmits {
			return false
		}

		p.attempts++
		p.lastSent = now
		l.retransmits++
		if err := l.sendFrame(c, &wire.Frame{Kind: wire.FrameReliable, Seq: p.seq, Payload: p.payload}, now); err != nil {
			l.logger.Debug("Unable to retransmit frame",
				slog.Uint64("conn", uint64(c.handle)),
				slog.Uint64("seq", uint64(p.seq)),
				slog.Any("err", err))
		}
	}
	return true
}

// serviceFlush advances a closed connection that still has reliable frames in
// flight. The close frame goes out once they are acknowledged or the flush
// gives up on them.
func (l *Library) serviceFlush(c *conn, now time.Time) {
	timedOut := l.opts.Timeout > 0 && now.Sub(c.lastRecv) >= l.opts.Timeout
	if len(c.unacked) == 0 || !now.Before(c.flushDeadline) || timedOut || !l.retransmit(c, now) {
		l.finishFlush(c, true)
		return
	}
	if c.ackDue {
		l.sendControl(c, wire.FrameAck, now)
	}
}

func (l *Library) finishFlush(c *conn, sendClose bool) {
	if len(c.unacked) > 0 {
		l.logger.Debug("Dropping unacknowledged frames of closed connection",
			slog.Uint64("conn", uint64(c.handle)),
			slog.Int("frames", len(c.unacked)))
	}
	if sendClose {
		l.sendClose(c, c.endReason, c.endDebug)
	}

	delete(l.flushing, c.handle)
	c.unacked = nil
	l.closeSocket(c)
}

func (l *Library) sendControl(c *conn, kind wire.FrameKind, now time.Time) {
	if err := l.sendFrame(c, &wire.Frame{Kind: kind}, now); err != nil {
		l.logger.Debug("Unable to send control frame",
			slog.Uint64("conn", uint64(c.handle)),
			slog.String("frame", kind.String()),
			slog.Any("err", err))
	}
}
