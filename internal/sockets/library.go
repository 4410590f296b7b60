package sockets

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tkengine/tknet/internal/wire"
)

// maxInbox bounds the datagrams buffered between two RunCallbacks calls.
const maxInbox = 8192

type rawPacket struct {
	data   []byte
	addr   *net.UDPAddr
	listen ListenSocket
	conn   Handle
}

type statusEvent struct {
	fn   StatusChangedFunc
	info StatusChangedInfo
}

type listener struct {
	id      ListenSocket
	pc      PacketConn
	opts    ListenOptions
	limiter *rate.Limiter
}

type remoteKey struct {
	listen   ListenSocket
	addr     string
	remoteID uint32
}

// Library is one instance of the transport. Every method is safe for
// concurrent use, but status callbacks only ever run from RunCallbacks.
type Library struct {
	opts   Options
	logger *slog.Logger
	clock  func() time.Time
	rng    *mrand.Rand

	closed  atomic.Bool
	inboxM  sync.Mutex
	inbox   []rawPacket
	dropped atomic.Uint64

	m          sync.Mutex
	shutdown   bool
	nextHandle uint32
	nextListen uint32
	listeners  map[ListenSocket]*listener
	conns      map[Handle]*conn
	flushing   map[Handle]*conn
	byRemote   map[remoteKey]Handle
	events     []statusEvent

	outstanding atomic.Int64
	packetsIn   uint64
	packetsOut  uint64
	retransmits uint64
}

// Init creates a Library. Each Library is independent; there is no process
// wide instance.
func Init(opts Options) (*Library, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInit, err)
	}

	var seed [8]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return nil, fmt.Errorf("%w: entropy source: %v", ErrInit, err)
	}
	s := binary.BigEndian.Uint64(seed[:])

	return &Library{
		opts:   opts,
		logger: opts.Logger,
		clock:  opts.Clock,
		rng:    mrand.New(mrand.NewSource(int64(s))),
		// Start handles at a random point so handles from different runs
		// are unlikely to be confused by a peer.
		nextHandle: uint32(s>>32) & 0x7fffffff,
		listeners:  make(map[ListenSocket]*listener),
		conns:      make(map[Handle]*conn),
		flushing:   make(map[Handle]*conn),
		byRemote:   make(map[remoteKey]Handle),
	}, nil
}

func (l *Library) allocHandle() Handle {
	for {
		l.nextHandle++
		h := Handle(l.nextHandle)
		if h == InvalidHandle {
			continue
		}
		_, live := l.conns[h]
		_, flushing := l.flushing[h]
		if !live && !flushing {
			return h
		}
	}
}

func (l *Library) packetHandler(ls ListenSocket, h Handle) PacketHandler {
	return func(data []byte, addr *net.UDPAddr) {
		if l.closed.Load() {
			return
		}

		// The transport reuses its read buffer once we return.
		buf := make([]byte, len(data))
		copy(buf, data)
		from := *addr

		l.inboxM.Lock()
		if len(l.inbox) >= maxInbox {
			l.inboxM.Unlock()
			l.dropped.Add(1)
			return
		}
		l.inbox = append(l.inbox, rawPacket{data: buf, addr: &from, listen: ls, conn: h})
		l.inboxM.Unlock()
	}
}

// RunCallbacks processes received datagrams, advances timers and then
// dispatches pending status callbacks on the calling goroutine. Callbacks may
// call back into the Library.
func (l *Library) RunCallbacks() error {
	l.inboxM.Lock()
	packets := l.inbox
	l.inbox = nil
	l.inboxM.Unlock()

	l.m.Lock()
	if l.shutdown {
		l.m.Unlock()
		return ErrShutdown
	}

	now := l.clock()
	for i := range packets {
		l.handlePacket(&packets[i], now)
	}
	for _, c := range l.conns {
		l.service(c, now)
	}
	for _, c := range l.flushing {
		l.serviceFlush(c, now)
	}
	l.m.Unlock()

	l.dispatch()
	return nil
}

func (l *Library) dispatch() {
	for {
		l.m.Lock()
		events := l.events
		l.events = nil
		l.m.Unlock()

		if len(events) == 0 {
			return
		}
		for i := range events {
			events[i].fn(&events[i].info)
		}
	}
}

func (l *Library) drop(p *rawPacket, reason string) {
	l.dropped.Add(1)
	l.logger.Debug("Dropping packet",
		slog.String("addr", p.addr.String()),
		slog.String("reason", reason))
}

func (l *Library) handlePacket(p *rawPacket, now time.Time) {
	l.packetsIn++

	hdr, body, err := wire.SplitPacket(p.data)
	if err != nil {
		l.drop(p, err.Error())
		return
	}

	switch hdr.Type {
	case wire.PacketTypeConnectRequest:
		l.handleConnectRequest(p, body, now)
	case wire.PacketTypeConnectAccept:
		l.handleConnectAccept(p, hdr, body, now)
	case wire.PacketTypeConnectReject:
		l.handleConnectReject(p, hdr, body)
	case wire.PacketTypeData:
		l.handleData(p, hdr, body, now)
	}
}

func (l *Library) handleConnectRequest(p *rawPacket, body []byte, now time.Time) {
	ln, ok := l.listeners[p.listen]
	if !ok {
		l.drop(p, "connect request on a non-listening socket")
		return
	}

	var hello wire.Hello
	if err := hello.UnmarshalBinary(body); err != nil {
		l.drop(p, err.Error())
		return
	}

	key := remoteKey{listen: p.listen, addr: p.addr.String(), remoteID: hello.ConnID}
	if h, ok := l.byRemote[key]; ok {
		// Retried request. Repeat the accept if it got lost.
		if c := l.conns[h]; c != nil && c.state == StateConnected {
			l.sendAccept(c)
		}
		return
	}

	if limit := ln.opts.MaxConnections; limit > 0 && l.liveConns(p.listen) >= limit {
		l.logger.Debug("Rejecting connection, listen socket is full",
			slog.String("addr", p.addr.String()),
			slog.Int("max_connections", limit))
		l.sendReject(ln.pc, p.addr, hello.ConnID, EndReasonServerFull, "server full")
		return
	}
	if ln.limiter != nil && !ln.limiter.AllowN(now, 1) {
		l.drop(p, "accept rate exceeded")
		return
	}

	keys, err := generateKeyPair()
	if err != nil {
		l.logger.Error("Unable to generate connection keys", slog.Any("err", err))
		return
	}

	c := &conn{
		handle:    l.allocHandle(),
		listen:    p.listen,
		pc:        ln.pc,
		remote:    p.addr,
		remoteID:  hello.ConnID,
		onStatus:  ln.opts.OnStatusChanged,
		keys:      keys,
		shared:    keys.precompute(&hello.PublicKey),
		sendDir:   dirServerToClient,
		recvDir:   dirClientToServer,
		createdAt: now,
		lastRecv:  now,
		lastSend:  now,
	}
	l.conns[c.handle] = c
	l.byRemote[key] = c.handle
	l.setState(c, StateConnecting, EndReasonNone, "")
}

func (l *Library) liveConns(ls ListenSocket) int {
	n := 0
	for _, c := range l.conns {
		if c.listen == ls && !c.state.Terminal() {
			n++
		}
	}
	return n
}

func (l *Library) outboundConn(p *rawPacket, connID uint32) *conn {
	c, ok := l.conns[Handle(connID)]
	if !ok || c.listen != InvalidListenSocket || !c.routedFrom(p) {
		return nil
	}
	return c
}

func (l *Library) handleConnectAccept(p *rawPacket, hdr wire.Header, body []byte, now time.Time) {
	c := l.outboundConn(p, hdr.ConnID)
	if c == nil {
		l.drop(p, "accept for unknown connection")
		return
	}
	if c.state != StateConnecting {
		return
	}

	var hello wire.Hello
	if err := hello.UnmarshalBinary(body); err != nil {
		l.drop(p, err.Error())
		return
	}

	c.remoteID = hello.ConnID
	c.shared = c.keys.precompute(&hello.PublicKey)
	c.lastRecv = now
	c.lastSend = now
	l.setState(c, StateConnected, EndReasonNone, "")
}

func (l *Library) handleConnectReject(p *rawPacket, hdr wire.Header, body []byte) {
	c := l.outboundConn(p, hdr.ConnID)
	if c == nil || c.state != StateConnecting {
		l.drop(p, "reject for unknown connection")
		return
	}

	var reject wire.Reject
	if err := reject.UnmarshalBinary(body); err != nil {
		l.drop(p, err.Error())
		return
	}
	l.setState(c, StateClosedByPeer, int(reject.Reason), reject.Debug)
}

func (l *Library) handleData(p *rawPacket, hdr wire.Header, body []byte, now time.Time) {
	c, ok := l.conns[Handle(hdr.ConnID)]
	if !ok {
		c, ok = l.flushing[Handle(hdr.ConnID)]
	}
	if !ok || !c.routedFrom(p) {
		l.drop(p, "data for unknown connection")
		return
	}
	if c.state != StateConnected || c.shared == nil {
		l.drop(p, "data for connection in state "+c.state.String())
		return
	}

	plain, err := open(body, c.recvDir, hdr.PacketNum, c.shared)
	if err != nil {
		l.drop(p, err.Error())
		return
	}

	var f wire.Frame
	if err := f.UnmarshalBinary(plain); err != nil {
		l.drop(p, err.Error())
		return
	}

	c.lastRecv = now
	c.ack(f.Ack)

	if !c.flushDeadline.IsZero() {
		// Closed locally. Only acks matter now; nothing is queued anymore.
		if f.Kind == wire.FrameClose {
			l.finishFlush(c, false)
		}
		return
	}

	switch f.Kind {
	case wire.FrameReliable:
		l.receiveReliable(c, f.Seq, f.Payload, now)
	case wire.FrameUnreliable:
		c.queue = append(c.queue, newMessage(c.handle, f.Payload, Unreliable, now, &l.outstanding))
	case wire.FrameClose:
		l.setState(c, StateClosedByPeer, int(f.Reason), string(f.Payload))
	}
}

// CreateListenSocketIP binds a listen socket to address ("host:port"). New
// connections show up as StateConnecting callbacks on opts.OnStatusChanged
// and must be accepted with AcceptConnection.
func (l *Library) CreateListenSocketIP(address string, opts ListenOptions) (ListenSocket, error) {
	addr, err := ParseEndpoint(address)
	if err != nil {
		return InvalidListenSocket, fmt.Errorf("%w: %w", ErrListen, err)
	}

	l.m.Lock()
	defer l.m.Unlock()
	if l.shutdown {
		return InvalidListenSocket, ErrShutdown
	}

	l.nextListen++
	id := ListenSocket(l.nextListen)
	pc, err := l.opts.Network.Bind(addr, l.packetHandler(id, InvalidHandle))
	if err != nil {
		return InvalidListenSocket, fmt.Errorf("%w: %s: %w", ErrListen, addr, err)
	}

	ln := &listener{id: id, pc: pc, opts: opts}
	if opts.AcceptRate > 0 {
		ln.limiter = rate.NewLimiter(opts.AcceptRate, max(opts.AcceptBurst, 1))
	}
	l.listeners[id] = ln

	l.logger.Debug("Listen socket created",
		slog.Uint64("listen_socket", uint64(id)),
		slog.String("addr", pc.LocalAddr().String()))
	return id, nil
}

// ListenSocketAddr returns the address a listen socket was bound with. An
// ephemeral port is reported as zero by UDPNetwork.
func (l *Library) ListenSocketAddr(ls ListenSocket) (*net.UDPAddr, error) {
	l.m.Lock()
	defer l.m.Unlock()

	ln, ok := l.listeners[ls]
	if !ok {
		return nil, fmt.Errorf("listen socket %d: %w", ls, ErrInvalidHandle)
	}
	return ln.pc.LocalAddr(), nil
}

// CloseListenSocket closes a listen socket and every connection accepted on
// it. No callbacks are raised for those connections.
func (l *Library) CloseListenSocket(ls ListenSocket) error {
	l.m.Lock()
	defer l.m.Unlock()
	if l.shutdown {
		return ErrShutdown
	}

	ln, ok := l.listeners[ls]
	if !ok {
		return fmt.Errorf("listen socket %d: %w", ls, ErrInvalidHandle)
	}
	for _, c := range l.flushing {
		if c.listen == ls {
			l.finishFlush(c, true)
		}
	}
	for _, c := range l.conns {
		if c.listen == ls {
			l.closeConn(c, EndReasonShutdown, "listen socket closed", false)
		}
	}
	delete(l.listeners, ls)
	return ln.pc.Close()
}

// ConnectByIPAddress starts connecting to a listen socket at address. The
// returned handle is in StateConnecting; opts.OnStatusChanged reports the
// outcome.
func (l *Library) ConnectByIPAddress(address string, opts ConnectOptions) (Handle, error) {
	addr, err := ParseEndpoint(address)
	if err != nil {
		return InvalidHandle, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	if addr.Port == 0 {
		return InvalidHandle, fmt.Errorf("%w: %s: port is required", ErrConnect, address)
	}

	keys, err := generateKeyPair()
	if err != nil {
		return InvalidHandle, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	l.m.Lock()
	defer l.m.Unlock()
	if l.shutdown {
		return InvalidHandle, ErrShutdown
	}

	local := &net.UDPAddr{IP: net.IPv4zero}
	if addr.IP.To4() == nil {
		local.IP = net.IPv6unspecified
	}

	h := l.allocHandle()
	pc, err := l.opts.Network.Bind(local, l.packetHandler(InvalidListenSocket, h))
	if err != nil {
		return InvalidHandle, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	now := l.clock()
	c := &conn{
		handle:     h,
		pc:         pc,
		ownsSocket: true,
		remote:     addr,
		onStatus:   opts.OnStatusChanged,
		keys:       keys,
		sendDir:    dirClientToServer,
		recvDir:    dirServerToClient,
		createdAt:  now,
		lastRecv:   now,
		lastSend:   now,
	}
	l.conns[h] = c
	l.setState(c, StateConnecting, EndReasonNone, "")
	l.sendConnectRequest(c, now)
	return h, nil
}

// AcceptConnection accepts an inbound connection that is still connecting.
func (l *Library) AcceptConnection(h Handle) error {
	l.m.Lock()
	defer l.m.Unlock()
	if l.shutdown {
		return ErrShutdown
	}

	c, ok := l.conns[h]
	if !ok {
		return fmt.Errorf("connection %d: %w", h, ErrInvalidHandle)
	}
	if c.listen == InvalidListenSocket || c.state != StateConnecting {
		return fmt.Errorf("connection %d is %s: %w", h, c.state, ErrInvalidState)
	}

	now := l.clock()
	c.lastRecv = now
	c.lastSend = now
	l.setState(c, StateConnected, EndReasonNone, "")
	l.sendAccept(c)
	return nil
}

// CloseConnection releases a connection handle. A connected peer is sent a
// close frame carrying reason and debug, after any reliable messages still in
// flight were acknowledged or FlushTimeout passed. Received messages that
// were not taken with ReceiveMessagesOnConnection are released. No callback
// is raised locally and the handle is invalid afterwards.
func (l *Library) CloseConnection(h Handle, reason int, debug string) error {
	l.m.Lock()
	defer l.m.Unlock()
	if l.shutdown {
		return ErrShutdown
	}

	c, ok := l.conns[h]
	if !ok {
		return fmt.Errorf("connection %d: %w", h, ErrInvalidHandle)
	}
	l.closeConn(c, reason, debug, true)
	return nil
}

// closeConn frees the handle of c. A connected peer is sent a close frame
// carrying reason and debug. With flush set, reliable frames still in flight
// are retransmitted first and the close frame follows once they are
// acknowledged or FlushTimeout passes.
func (l *Library) closeConn(c *conn, reason int, debug string, flush bool) {
	delete(l.conns, c.handle)
	if c.listen != InvalidListenSocket {
		delete(l.byRemote, remoteKey{listen: c.listen, addr: c.remote.String(), remoteID: c.remoteID})
	}
	c.releaseQueue()
	c.outOfOrder = nil

	if flush && c.state == StateConnected && len(c.unacked) > 0 {
		c.endReason = reason
		c.endDebug = debug
		c.flushDeadline = l.clock().Add(l.opts.FlushTimeout)
		l.flushing[c.handle] = c
		return
	}

	if c.state == StateConnected {
		l.sendClose(c, reason, debug)
	}
	c.unacked = nil
	l.closeSocket(c)
}

func (l *Library) closeSocket(c *conn) {
	if !c.ownsSocket {
		return
	}
	if err := c.pc.Close(); err != nil {
		l.logger.Debug("Unable to close connection socket",
			slog.Uint64("conn", uint64(c.handle)),
			slog.Any("err", err))
	}
}

// SendMessageToConnection queues data for delivery. Reliable messages are
// retransmitted until acknowledged and delivered in order; unreliable
// messages are sent once.
func (l *Library) SendMessageToConnection(h Handle, data []byte, rel Reliability) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	l.m.Lock()
	defer l.m.Unlock()
	if l.shutdown {
		return ErrShutdown
	}

	c, ok := l.conns[h]
	if !ok {
		return fmt.Errorf("connection %d: %w", h, ErrInvalidHandle)
	}
	if c.state != StateConnected {
		return fmt.Errorf("connection %d is %s: %w", h, c.state, ErrNotConnected)
	}

	now := l.clock()
	if rel == Unreliable {
		if err := l.sendFrame(c, &wire.Frame{Kind: wire.FrameUnreliable, Payload: data}, now); err != nil {
			return fmt.Errorf("send to %s: %w", c.remote, err)
		}
		return nil
	}

	if len(c.unacked) >= l.opts.SendWindow {
		return fmt.Errorf("connection %d: %w", h, ErrSendQueueFull)
	}

	p := &pendingFrame{
		seq:      c.nextSendSeq,
		payload:  append([]byte(nil), data...),
		lastSent: now,
		attempts: 1,
	}
	c.nextSendSeq++
	c.unacked = append(c.unacked, p)

	err := l.sendFrame(c, &wire.Frame{Kind: wire.FrameReliable, Seq: p.seq, Payload: p.payload}, now)
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("send to %s: %w", c.remote, err)
	} else if err != nil {
		// Queued; retransmission will try again.
		l.logger.Debug("Unable to send reliable frame",
			slog.Uint64("conn", uint64(h)),
			slog.Any("err", err))
	}
	return nil
}

// ReceiveMessagesOnConnection removes up to maxMessages queued messages. The caller
// owns the returned messages and must Release each of them.
func (l *Library) ReceiveMessagesOnConnection(h Handle, maxMessages int) ([]*Message, error) {
	l.m.Lock()
	defer l.m.Unlock()
	if l.shutdown {
		return nil, ErrShutdown
	}

	c, ok := l.conns[h]
	if !ok {
		return nil, fmt.Errorf("connection %d: %w", h, ErrInvalidHandle)
	}
	if maxMessages <= 0 || len(c.queue) == 0 {
		return nil, nil
	}

	n := min(maxMessages, len(c.queue))
	msgs := make([]*Message, n)
	copy(msgs, c.queue)

	rest := copy(c.queue, c.queue[n:])
	clear(c.queue[rest:])
	c.queue = c.queue[:rest]
	return msgs, nil
}

func (l *Library) GetConnectionInfo(h Handle) (ConnectionInfo, error) {
	l.m.Lock()
	defer l.m.Unlock()

	c, ok := l.conns[h]
	if !ok {
		return ConnectionInfo{}, fmt.Errorf("connection %d: %w", h, ErrInvalidHandle)
	}
	return c.info(), nil
}

func (l *Library) Stats() Stats {
	l.m.Lock()
	defer l.m.Unlock()

	return Stats{
		Connections:         len(l.conns),
		Flushing:            len(l.flushing),
		ListenSockets:       len(l.listeners),
		OutstandingMessages: l.outstanding.Load(),
		PacketsIn:           l.packetsIn,
		PacketsOut:          l.packetsOut,
		PacketsDropped:      l.dropped.Load(),
		Retransmits:         l.retransmits,
	}
}

// Shutdown closes every connection and listen socket. Connected peers are
// sent a close frame. Pending callbacks are discarded and every later call
// fails with ErrShutdown.
func (l *Library) Shutdown() error {
	l.m.Lock()
	defer l.m.Unlock()
	if l.shutdown {
		return ErrShutdown
	}

	l.shutdown = true
	l.closed.Store(true)

	for _, c := range l.flushing {
		l.finishFlush(c, true)
	}
	for _, c := range l.conns {
		l.closeConn(c, EndReasonShutdown, "shutting down", false)
	}

	var errs []error
	for id, ln := range l.listeners {
		if err := ln.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close listen socket %d: %w", id, err))
		}
		delete(l.listeners, id)
	}
	l.events = nil

	l.inboxM.Lock()
	l.inbox = nil
	l.inboxM.Unlock()
	return errors.Join(errs...)
}
