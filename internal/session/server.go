package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/time/rate"

	"github.com/tkengine/tknet/internal/metrics"
	"github.com/tkengine/tknet/internal/sockets"
)

type ServerOptions struct {
	Logger *slog.Logger
	// Library configures the transport. Its logger defaults to Logger.
	Library sockets.Options

	// MaxMessagesPerTick bounds how many messages are drained from each peer
	// per Loop call.
	MaxMessagesPerTick int
	ExitPolicy         ExitPolicy

	// MaxConnections, AcceptRate and AcceptBurst limit inbound connections.
	// Zero means unlimited.
	MaxConnections int
	AcceptRate     rate.Limit
	AcceptBurst    int

	OnMessage MessageFunc
	OnStatus  StatusFunc

	Lifecycle metrics.ConnectionLifecycleHook
	Messages  metrics.MessageHook
}

type peer struct {
	addr        *net.UDPAddr
	connectedAt time.Time
}

// ServerConnection accepts peers on one listen socket and delivers their
// messages. StartConnection, Loop, Send, Broadcast, Disconnect and Kill must be
// called from the goroutine that drives the loop. Stop, Peers and NumPeers
// are safe to call from any goroutine.
type ServerConnection struct {
	opts      ServerOptions
	logger    *slog.Logger
	lifecycle metrics.ConnectionLifecycleHook
	msgHook   metrics.MessageHook

	started atomic.Bool
	killed  atomic.Bool
	stopped atomic.Bool

	lib    *sockets.Library
	listen sockets.ListenSocket

	m          sync.Mutex
	peers      map[sockets.Handle]*peer
	connecting map[sockets.Handle]time.Time
	// Peers that went away but may still have received messages queued.
	// Loop drains them before their handles are closed.
	closing map[sockets.Handle]*peer
}

func NewServer(opts ServerOptions) *ServerConnection {
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.MaxMessagesPerTick <= 0 {
		opts.MaxMessagesPerTick = DefaultMaxMessagesPerTick
	}

	lifecycle, msgHook := hooks(opts.Lifecycle, opts.Messages)
	return &ServerConnection{
		opts:       opts,
		logger:     opts.Logger,
		lifecycle:  lifecycle,
		msgHook:    msgHook,
		peers:      make(map[sockets.Handle]*peer),
		connecting: make(map[sockets.Handle]time.Time),
		closing:    make(map[sockets.Handle]*peer),
	}
}

// StartConnection initializes the transport and listens on bindAddress. An
// empty address listens on DefaultListenAddress.
func (s *ServerConnection) StartConnection(bindAddress string) error {
	if s.killed.Load() {
		return ErrKilled
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if bindAddress == "" {
		bindAddress = DefaultListenAddress
	}

	lib, err := sockets.Init(libraryOptions(s.opts.Library, s.logger))
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("init transport: %w", err)
	}

	listen, err := lib.CreateListenSocketIP(bindAddress, sockets.ListenOptions{
		OnStatusChanged: s.onStatusChanged,
		MaxConnections:  s.opts.MaxConnections,
		AcceptRate:      s.opts.AcceptRate,
		AcceptBurst:     s.opts.AcceptBurst,
	})
	if err != nil {
		_ = lib.Shutdown()
		s.started.Store(false)
		return err
	}

	s.lib = lib
	s.listen = listen
	s.logger.Info("Listening for connections",
		slog.String("addr", bindAddress),
		slog.String("exit_policy", s.opts.ExitPolicy.String()))
	return nil
}

func (s *ServerConnection) onStatusChanged(info *sockets.StatusChangedInfo) {
	h := info.Conn
	addr := info.Info.RemoteAddr
	logger := s.logger.With(
		slog.Uint64("conn", uint64(h)),
		slog.String("addr", addr.String()))

	switch info.Info.State {
	case sockets.StateConnecting:
		if err := s.lib.AcceptConnection(h); err != nil {
			logger.Error("Unable to accept connection", slog.Any("err", err))
			s.lifecycle.EmitConnectionError()
			s.closeHandle(h, logger)
			break
		}

		s.m.Lock()
		s.connecting[h] = time.Now()
		s.m.Unlock()
		logger.Debug("Accepted connection")
	case sockets.StateConnected:
		now := time.Now()
		s.m.Lock()
		var latency time.Duration
		if started, ok := s.connecting[h]; ok {
			latency = now.Sub(started)
			delete(s.connecting, h)
		}
		s.peers[h] = &peer{addr: addr, connectedAt: now}
		s.m.Unlock()

		logger.Info("Peer connected")
		s.lifecycle.EmitConnectionOpen(h, addr, latency)
	case sockets.StateClosedByPeer:
		logger.Info("Peer closed connection",
			slog.Int("reason", info.Info.EndReason),
			slog.String("debug", info.Info.EndDebug))
		s.removePeer(h, addr, info.Info.State, logger)
	case sockets.StateProblemDetectedLocally:
		logger.Error("Connection problem detected",
			slog.Int("reason", info.Info.EndReason),
			slog.String("debug", info.Info.EndDebug))
		s.removePeer(h, addr, info.Info.State, logger)
	}

	if s.opts.OnStatus != nil {
		s.opts.OnStatus(info)
	}
}

func (s *ServerConnection) removePeer(h sockets.Handle, addr *net.UDPAddr, state sockets.State, logger *slog.Logger) {
	s.m.Lock()
	p, wasPeer := s.peers[h]
	delete(s.peers, h)
	delete(s.connecting, h)
	if wasPeer {
		s.closing[h] = p
	}
	s.m.Unlock()

	if !wasPeer {
		s.lifecycle.EmitConnectionError()
		s.closeHandle(h, logger)
		return
	}
	s.lifecycle.EmitConnectionClose(h, addr, state)
}

func (s *ServerConnection) closeHandle(h sockets.Handle, logger *slog.Logger) {
	if err := s.lib.CloseConnection(h, sockets.EndReasonNone, ""); err != nil {
		logger.Debug("Unable to close connection", slog.Any("err", err))
	}
}

// Loop runs one tick: it pumps the transport and then delivers up to
// MaxMessagesPerTick messages from every connected peer. Messages a peer sent
// before it went away are still delivered; its handle is closed once they are
// drained. Loop returns false when an exit message stops the server or after
// Stop was called.
func (s *ServerConnection) Loop() (bool, error) {
	if s.killed.Load() {
		return false, ErrKilled
	}
	if s.lib == nil {
		return false, ErrNotStarted
	}

	if err := s.lib.RunCallbacks(); err != nil {
		return false, fmt.Errorf("run callbacks: %w", err)
	}

	running := true
	var exited []sockets.Handle
	for _, h := range s.receivers() {
		msgs, err := s.lib.ReceiveMessagesOnConnection(h, s.opts.MaxMessagesPerTick)
		if err != nil {
			s.logger.Warn("Unable to receive messages",
				slog.Uint64("conn", uint64(h)),
				slog.Any("err", err))
		}
		closing := s.isClosing(h)
		if err != nil {
			if closing {
				s.forget(h)
			}
			continue
		}

		addr := s.peerAddr(h)
		for _, msg := range msgs {
			s.msgHook.EmitMessageReceived(h, addr, len(msg.Data), msg.Reliability)
			s.deliver(h, msg.Data)
			exit := IsExitMessage(msg.Data)
			msg.Release()
			if !exit {
				continue
			}

			s.logger.Info("Received exit message",
				slog.Uint64("conn", uint64(h)),
				slog.String("exit_policy", s.opts.ExitPolicy.String()))
			if s.opts.ExitPolicy == ExitClosesPeer {
				if !closing && !slices.Contains(exited, h) {
					exited = append(exited, h)
				}
			} else {
				running = false
			}
		}

		if closing && len(msgs) < s.opts.MaxMessagesPerTick {
			s.forget(h)
		}
	}

	for _, h := range exited {
		if err := s.Disconnect(h, "exit requested"); err != nil {
			s.logger.Warn("Unable to disconnect peer",
				slog.Uint64("conn", uint64(h)),
				slog.Any("err", err))
		}
	}

	if s.stopped.Load() {
		return false, nil
	}
	return running, nil
}

// receivers returns the connected peers and the closed peers that still have
// to be drained.
func (s *ServerConnection) receivers() []sockets.Handle {
	s.m.Lock()
	defer s.m.Unlock()

	hs := append(maps.Keys(s.peers), maps.Keys(s.closing)...)
	slices.Sort(hs)
	return hs
}

func (s *ServerConnection) isClosing(h sockets.Handle) bool {
	s.m.Lock()
	defer s.m.Unlock()

	_, ok := s.closing[h]
	return ok
}

// forget closes the handle of a closed peer. Messages already taken from it
// stay valid.
func (s *ServerConnection) forget(h sockets.Handle) {
	s.m.Lock()
	delete(s.closing, h)
	s.m.Unlock()

	s.closeHandle(h, s.logger.With(slog.Uint64("conn", uint64(h))))
}

func (s *ServerConnection) deliver(h sockets.Handle, data []byte) {
	if s.opts.OnMessage == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Message handler panicked",
				slog.Uint64("conn", uint64(h)),
				slog.Any("panic", r))
		}
	}()
	s.opts.OnMessage(h, data)
}

func (s *ServerConnection) peerAddr(h sockets.Handle) net.Addr {
	s.m.Lock()
	defer s.m.Unlock()

	if p, ok := s.peers[h]; ok {
		return p.addr
	}
	if p, ok := s.closing[h]; ok {
		return p.addr
	}
	return nil
}

// Send sends data to one peer.
func (s *ServerConnection) Send(h sockets.Handle, data []byte, rel sockets.Reliability) error {
	if s.killed.Load() {
		return ErrKilled
	}
	if s.lib == nil {
		return ErrNotStarted
	}

	addr := s.peerAddr(h)
	if err := s.lib.SendMessageToConnection(h, data, rel); err != nil {
		s.msgHook.EmitSendError(h, addr)
		return fmt.Errorf("send to peer %d: %w", h, err)
	}
	s.msgHook.EmitMessageSent(h, addr, len(data), rel)
	return nil
}

// Broadcast sends data to every connected peer. A failure for one peer does
// not stop delivery to the others.
func (s *ServerConnection) Broadcast(data []byte, rel sockets.Reliability) error {
	var errs []error
	for _, h := range s.Peers() {
		if err := s.Send(h, data, rel); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes the connection to a peer. The peer observes the close
// with debug as the reason text.
func (s *ServerConnection) Disconnect(h sockets.Handle, debug string) error {
	if s.killed.Load() {
		return ErrKilled
	}
	if s.lib == nil {
		return ErrNotStarted
	}

	s.m.Lock()
	p, ok := s.peers[h]
	delete(s.peers, h)
	s.m.Unlock()
	if !ok {
		return fmt.Errorf("peer %d: %w", h, sockets.ErrInvalidHandle)
	}

	s.lifecycle.EmitConnectionClose(h, p.addr, sockets.StateNone)
	if err := s.lib.CloseConnection(h, sockets.EndReasonApp, debug); err != nil {
		return fmt.Errorf("close peer %d: %w", h, err)
	}

	s.logger.Info("Disconnected peer",
		slog.Uint64("conn", uint64(h)),
		slog.String("addr", p.addr.String()),
		slog.Duration("duration", time.Since(p.connectedAt)))
	return nil
}

// Peers returns a snapshot of the connected peers.
func (s *ServerConnection) Peers() []sockets.Handle {
	s.m.Lock()
	defer s.m.Unlock()

	peers := maps.Keys(s.peers)
	slices.Sort(peers)
	return peers
}

func (s *ServerConnection) NumPeers() int {
	s.m.Lock()
	defer s.m.Unlock()
	return len(s.peers)
}

// ListenAddr returns the address the listen socket was bound with. The UDP
// transport does not report the port it picked for an ephemeral bind, so with
// port 0 the result also carries port 0 and is only useful with a fixed port.
func (s *ServerConnection) ListenAddr() (*net.UDPAddr, error) {
	if s.lib == nil {
		return nil, ErrNotStarted
	}
	return s.lib.ListenSocketAddr(s.listen)
}

// Stats returns the transport counters, or the zero value before the server
// was started.
func (s *ServerConnection) Stats() sockets.Stats {
	if s.lib == nil || s.killed.Load() {
		return sockets.Stats{}
	}
	return s.lib.Stats()
}

// Stop makes the next Loop call return false.
func (s *ServerConnection) Stop() {
	s.stopped.Store(true)
}

// Kill shuts the transport down. Peers are sent a close frame. Only the first
// call does anything; later calls return ErrKilled.
func (s *ServerConnection) Kill() error {
	if !s.killed.CompareAndSwap(false, true) {
		return ErrKilled
	}
	if s.lib == nil {
		return nil
	}

	s.m.Lock()
	peers := s.peers
	s.peers = make(map[sockets.Handle]*peer)
	clear(s.closing)
	s.m.Unlock()

	for h, p := range peers {
		s.lifecycle.EmitConnectionClose(h, p.addr, sockets.StateNone)
	}

	if err := s.lib.Shutdown(); err != nil {
		return fmt.Errorf("shutdown transport: %w", err)
	}
	s.logger.Info("Server stopped", slog.Int("peers", len(peers)))
	return nil
}
