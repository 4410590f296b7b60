package session

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/tkengine/tknet/internal/metrics"
	"github.com/tkengine/tknet/internal/sockets"
)

// PeriodicMessage is sent by a client every Interval while it is connected.
type PeriodicMessage struct {
	Payload     []byte
	Interval    time.Duration
	Reliability sockets.Reliability
}

type ClientOptions struct {
	Logger *slog.Logger
	// Library configures the transport. Its logger defaults to Logger.
	Library sockets.Options

	MaxMessagesPerTick int
	Periodic           *PeriodicMessage

	OnMessage MessageFunc
	OnStatus  StatusFunc

	Lifecycle metrics.ConnectionLifecycleHook
	Messages  metrics.MessageHook
}

// ClientConnection is a connection to a single server. All methods except
// State must be called from the goroutine that drives the loop.
type ClientConnection struct {
	opts      ClientOptions
	logger    *slog.Logger
	lifecycle metrics.ConnectionLifecycleHook
	msgHook   metrics.MessageHook

	killed atomic.Bool
	state  atomic.Int32

	lib          *sockets.Library
	conn         sockets.Handle
	addr         *net.UDPAddr
	connected    bool
	closed       bool
	draining     bool
	connectStart time.Time
	lastPeriodic time.Time
}

func NewClient(opts ClientOptions) *ClientConnection {
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.MaxMessagesPerTick <= 0 {
		opts.MaxMessagesPerTick = DefaultMaxMessagesPerTick
	}

	lifecycle, msgHook := hooks(opts.Lifecycle, opts.Messages)
	return &ClientConnection{
		opts:      opts,
		logger:    opts.Logger,
		lifecycle: lifecycle,
		msgHook:   msgHook,
	}
}

// ConnectToServer initializes the transport and starts connecting to
// address. It does not wait for the connection to be established; Loop
// reports the outcome.
func (c *ClientConnection) ConnectToServer(address string) error {
	if c.killed.Load() {
		return ErrKilled
	}
	if c.lib != nil {
		return ErrAlreadyStarted
	}
	if address == "" {
		address = DefaultServerAddress
	}

	lib, err := sockets.Init(libraryOptions(c.opts.Library, c.logger))
	if err != nil {
		return fmt.Errorf("init transport: %w", err)
	}

	h, err := lib.ConnectByIPAddress(address, sockets.ConnectOptions{
		OnStatusChanged: c.onStatusChanged,
	})
	if err != nil {
		_ = lib.Shutdown()
		c.lifecycle.EmitConnectionError()
		return fmt.Errorf("connect to %s: %w", address, err)
	}

	c.lib = lib
	c.conn = h
	c.connectStart = time.Now()
	c.logger.Info("Connecting to server", slog.String("addr", address))
	return nil
}

func (c *ClientConnection) onStatusChanged(info *sockets.StatusChangedInfo) {
	c.state.Store(int32(info.Info.State))
	addr := info.Info.RemoteAddr

	switch info.Info.State {
	case sockets.StateConnected:
		c.addr = addr
		c.connected = true
		c.logger.Info("Connected to server", slog.String("addr", addr.String()))
		c.lifecycle.EmitConnectionOpen(info.Conn, addr, time.Since(c.connectStart))
	case sockets.StateClosedByPeer:
		c.logger.Info("Server closed connection",
			slog.String("addr", addr.String()),
			slog.Int("reason", info.Info.EndReason),
			slog.String("debug", info.Info.EndDebug))
		c.finish(info)
	case sockets.StateProblemDetectedLocally:
		c.logger.Error("Connection problem detected",
			slog.String("addr", addr.String()),
			slog.Int("reason", info.Info.EndReason),
			slog.String("debug", info.Info.EndDebug))
		c.finish(info)
	}

	if c.opts.OnStatus != nil {
		c.opts.OnStatus(info)
	}
}

func (c *ClientConnection) finish(info *sockets.StatusChangedInfo) {
	if c.connected {
		c.lifecycle.EmitConnectionClose(info.Conn, info.Info.RemoteAddr, info.Info.State)
	} else {
		c.lifecycle.EmitConnectionError()
	}
	c.connected = false
	c.closed = true
	c.draining = true
}

// drain delivers every message still queued on a connection the server
// closed and then releases the handle.
func (c *ClientConnection) drain() {
	c.draining = false
	for {
		msgs, err := c.lib.ReceiveMessagesOnConnection(c.conn, c.opts.MaxMessagesPerTick)
		if err != nil {
			c.logger.Warn("Unable to receive messages", slog.Any("err", err))
			break
		}
		if len(msgs) == 0 {
			break
		}
		c.deliverAll(msgs)
	}

	if err := c.lib.CloseConnection(c.conn, sockets.EndReasonNone, ""); err != nil {
		c.logger.Debug("Unable to close connection", slog.Any("err", err))
	}
}

// State returns the last state observed for the connection. It is StateNone
// before ConnectToServer and after Disconnect.
func (c *ClientConnection) State() sockets.State {
	return sockets.State(c.state.Load())
}

// Loop runs one tick: it pumps the transport, delivers received messages and
// sends the periodic message when one is due. It returns false once the
// connection has ended, after delivering whatever the server sent before it
// closed the connection.
func (c *ClientConnection) Loop() (bool, error) {
	if c.killed.Load() {
		return false, ErrKilled
	}
	if c.lib == nil {
		return false, ErrNotConnected
	}

	if err := c.lib.RunCallbacks(); err != nil {
		return false, fmt.Errorf("run callbacks: %w", err)
	}
	if c.draining {
		c.drain()
	}
	if c.closed {
		// After Disconnect the loop runs on until in-flight reliable
		// messages are flushed.
		return c.lib.Stats().Flushing > 0, nil
	}
	if !c.connected {
		return true, nil
	}

	msgs, err := c.lib.ReceiveMessagesOnConnection(c.conn, c.opts.MaxMessagesPerTick)
	if err != nil {
		c.logger.Warn("Unable to receive messages", slog.Any("err", err))
	}
	c.deliverAll(msgs)

	c.sendPeriodic()
	return true, nil
}

func (c *ClientConnection) deliverAll(msgs []*sockets.Message) {
	for _, msg := range msgs {
		c.msgHook.EmitMessageReceived(c.conn, c.remoteAddr(), len(msg.Data), msg.Reliability)
		c.deliver(msg.Data)
		msg.Release()
	}
}

func (c *ClientConnection) deliver(data []byte) {
	if c.opts.OnMessage == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Message handler panicked", slog.Any("panic", r))
		}
	}()
	c.opts.OnMessage(c.conn, data)
}

func (c *ClientConnection) sendPeriodic() {
	p := c.opts.Periodic
	if p == nil || p.Interval <= 0 {
		return
	}

	now := time.Now()
	if !c.lastPeriodic.IsZero() && now.Sub(c.lastPeriodic) < p.Interval {
		return
	}
	c.lastPeriodic = now

	if err := c.Send(p.Payload, p.Reliability); err != nil {
		c.logger.Warn("Unable to send periodic message", slog.Any("err", err))
	}
}

// Send sends data to the server.
func (c *ClientConnection) Send(data []byte, rel sockets.Reliability) error {
	if c.killed.Load() {
		return ErrKilled
	}
	if c.lib == nil {
		return ErrNotConnected
	}

	if err := c.lib.SendMessageToConnection(c.conn, data, rel); err != nil {
		c.msgHook.EmitSendError(c.conn, c.remoteAddr())
		return fmt.Errorf("send to server: %w", err)
	}
	c.msgHook.EmitMessageSent(c.conn, c.remoteAddr(), len(data), rel)
	return nil
}

// SendExitMessage asks the server to end the session.
func (c *ClientConnection) SendExitMessage() error {
	return c.Send([]byte(ExitMessage), sockets.Reliable)
}

func (c *ClientConnection) remoteAddr() net.Addr {
	if c.addr == nil {
		return nil
	}
	return c.addr
}

// Disconnect closes the connection in an orderly way. Reliable messages still
// in flight are retransmitted until acknowledged or the transport's
// FlushTimeout passes, and Loop keeps returning true until then. Kill cuts
// that short. The server then observes the close with debug as the reason
// text. Received messages not yet delivered by Loop are dropped.
func (c *ClientConnection) Disconnect(debug string) error {
	if c.killed.Load() {
		return ErrKilled
	}
	if c.lib == nil {
		return ErrNotConnected
	}
	if c.closed {
		return nil
	}

	if c.connected {
		c.lifecycle.EmitConnectionClose(c.conn, c.addr, sockets.StateNone)
	}
	c.connected = false
	c.closed = true
	c.state.Store(int32(sockets.StateNone))

	if err := c.lib.CloseConnection(c.conn, sockets.EndReasonApp, debug); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	c.logger.Info("Disconnected from server")
	return nil
}

// Kill shuts the transport down. Only the first call does anything; later
// calls return ErrKilled.
func (c *ClientConnection) Kill() error {
	if !c.killed.CompareAndSwap(false, true) {
		return ErrKilled
	}
	if c.lib == nil {
		return nil
	}

	if c.connected {
		c.lifecycle.EmitConnectionClose(c.conn, c.addr, sockets.StateNone)
		c.connected = false
	}
	if err := c.lib.Shutdown(); err != nil {
		return fmt.Errorf("shutdown transport: %w", err)
	}
	return nil
}
