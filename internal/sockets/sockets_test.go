package sockets

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	m   sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.m.Lock()
	defer c.m.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.m.Lock()
	defer c.m.Unlock()
	c.now = c.now.Add(d)
}

func initLibrary(t *testing.T, mem *MemNetwork, clock *fakeClock) *Library {
	lib, err := Init(Options{Network: mem, Clock: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lib.Shutdown() })
	return lib
}

func pump(t *testing.T, libs ...*Library) {
	for i := 0; i < 4; i++ {
		for _, lib := range libs {
			if err := lib.RunCallbacks(); err != nil {
				t.Fatal(err)
			}
		}
	}
}

const testServerAddr = "127.0.0.1:27020"

type testPair struct {
	mem    *MemNetwork
	clock  *fakeClock
	server *Library
	client *Library

	listen     ListenSocket
	serverConn Handle
	clientConn Handle

	serverEvents []StatusChangedInfo
	clientEvents []StatusChangedInfo
}

func (p *testPair) lastServerEvent(t *testing.T) StatusChangedInfo {
	if len(p.serverEvents) == 0 {
		t.Fatal("no server events")
	}
	return p.serverEvents[len(p.serverEvents)-1]
}

func (p *testPair) lastClientEvent(t *testing.T) StatusChangedInfo {
	if len(p.clientEvents) == 0 {
		t.Fatal("no client events")
	}
	return p.clientEvents[len(p.clientEvents)-1]
}

func newTestPair(t *testing.T, accept bool) *testPair {
	p := &testPair{mem: NewMemNetwork(), clock: newFakeClock()}
	p.server = initLibrary(t, p.mem, p.clock)
	p.client = initLibrary(t, p.mem, p.clock)

	var err error
	p.listen, err = p.server.CreateListenSocketIP(testServerAddr, ListenOptions{
		OnStatusChanged: func(info *StatusChangedInfo) {
			p.serverEvents = append(p.serverEvents, *info)
			if accept && info.Info.State == StateConnecting {
				if err := p.server.AcceptConnection(info.Conn); err != nil {
					t.Error(err)
				}
				p.serverConn = info.Conn
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	p.clientConn, err = p.client.ConnectByIPAddress(testServerAddr, ConnectOptions{
		OnStatusChanged: func(info *StatusChangedInfo) {
			p.clientEvents = append(p.clientEvents, *info)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	pump(t, p.server, p.client)
	return p
}

func connectPair(t *testing.T) *testPair {
	p := newTestPair(t, true)
	if state := p.lastClientEvent(t).Info.State; state != StateConnected {
		t.Fatalf("expected client to be connected, got: %s", state)
	}
	return p
}

func receiveAll(t *testing.T, lib *Library, h Handle) []string {
	msgs, err := lib.ReceiveMessagesOnConnection(h, 1000)
	if err != nil {
		t.Fatal(err)
	}

	var res []string
	for _, msg := range msgs {
		res = append(res, string(msg.Data))
		msg.Release()
	}
	return res
}

func TestConnect(t *testing.T) {
	p := connectPair(t)

	var clientStates []State
	for _, ev := range p.clientEvents {
		clientStates = append(clientStates, ev.Info.State)
	}
	if fmt.Sprint(clientStates) != fmt.Sprint([]State{StateConnecting, StateConnected}) {
		t.Fatalf("unexpected client states: %v", clientStates)
	}

	if ev := p.lastServerEvent(t); ev.Info.State != StateConnected || ev.OldState != StateConnecting {
		t.Fatalf("unexpected server event: %+v", ev)
	}

	info, err := p.server.GetConnectionInfo(p.serverConn)
	if err != nil {
		t.Fatal(err)
	}
	if info.ListenSocket != p.listen {
		t.Fatalf("expected listen socket %d, got: %d", p.listen, info.ListenSocket)
	}

	stats := p.server.Stats()
	if stats.Connections != 1 || stats.ListenSockets != 1 {
		t.Fatalf("unexpected server stats: %+v", stats)
	}
}

func TestReliableDeliveryWithLoss(t *testing.T) {
	p := connectPair(t)

	var count int
	p.mem.Drop = func(data []byte, from, to *net.UDPAddr) bool {
		if to.Port != 27020 {
			return false
		}
		count++
		return count <= 40 && count%4 == 2
	}

	const n = 50
	for i := 0; i < n; i++ {
		if err := p.client.SendMessageToConnection(p.clientConn, []byte(fmt.Sprintf("msg-%d", i)), Reliable); err != nil {
			t.Fatal(err)
		}
	}

	var received []string
	for i := 0; i < 40 && len(received) < n; i++ {
		p.clock.Advance(100 * time.Millisecond)
		pump(t, p.server, p.client)
		received = append(received, receiveAll(t, p.server, p.serverConn)...)
	}

	if len(received) != n {
		t.Fatalf("expected %d messages, got: %d", n, len(received))
	}
	for i, msg := range received {
		if expected := fmt.Sprintf("msg-%d", i); msg != expected {
			t.Fatalf("expected message %q at %d, got: %q", expected, i, msg)
		}
	}

	if p.client.Stats().Retransmits == 0 {
		t.Fatal("expected retransmissions")
	}
}

func TestUnreliableDelivery(t *testing.T) {
	p := connectPair(t)

	if err := p.server.SendMessageToConnection(p.serverConn, []byte("hello"), Unreliable); err != nil {
		t.Fatal(err)
	}
	pump(t, p.client)

	msgs, err := p.client.ReceiveMessagesOnConnection(p.clientConn, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got: %d", len(msgs))
	}
	defer msgs[0].Release()

	if string(msgs[0].Data) != "hello" || msgs[0].Reliability != Unreliable || msgs[0].Conn != p.clientConn {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
}

func TestReceiveLimit(t *testing.T) {
	p := connectPair(t)

	for i := 0; i < 5; i++ {
		if err := p.client.SendMessageToConnection(p.clientConn, []byte{byte(i)}, Reliable); err != nil {
			t.Fatal(err)
		}
	}
	pump(t, p.server)

	msgs, err := p.server.ReceiveMessagesOnConnection(p.serverConn, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got: %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Data[0] != byte(i) {
			t.Fatalf("expected message %d, got: %d", i, msg.Data[0])
		}
		msg.Release()
	}

	if rest := receiveAll(t, p.server, p.serverConn); len(rest) != 2 {
		t.Fatalf("expected 2 remaining messages, got: %d", len(rest))
	}
}

func TestMessageRelease(t *testing.T) {
	p := connectPair(t)

	for i := 0; i < 2; i++ {
		if err := p.client.SendMessageToConnection(p.clientConn, []byte("x"), Reliable); err != nil {
			t.Fatal(err)
		}
	}
	pump(t, p.server)

	if n := p.server.Stats().OutstandingMessages; n != 2 {
		t.Fatalf("expected 2 outstanding messages, got: %d", n)
	}

	msgs, err := p.server.ReceiveMessagesOnConnection(p.serverConn, 1)
	if err != nil {
		t.Fatal(err)
	}
	msgs[0].Release()
	msgs[0].Release()
	if msgs[0].Data != nil {
		t.Fatal("expected data to be cleared after release")
	}
	if n := p.server.Stats().OutstandingMessages; n != 1 {
		t.Fatalf("expected 1 outstanding message, got: %d", n)
	}

	if err := p.server.CloseConnection(p.serverConn, EndReasonApp, ""); err != nil {
		t.Fatal(err)
	}
	if n := p.server.Stats().OutstandingMessages; n != 0 {
		t.Fatalf("expected no outstanding messages, got: %d", n)
	}
}

func TestSendErrors(t *testing.T) {
	p := connectPair(t)

	err := p.client.SendMessageToConnection(p.clientConn, make([]byte, MaxMessageSize+1), Reliable)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected error: '%v', got: %v", ErrMessageTooLarge, err)
	}

	err = p.client.SendMessageToConnection(InvalidHandle, []byte("x"), Reliable)
	if !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected error: '%v', got: %v", ErrInvalidHandle, err)
	}

	h, err := p.client.ConnectByIPAddress("127.0.0.1:9", ConnectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	err = p.client.SendMessageToConnection(h, []byte("x"), Reliable)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected error: '%v', got: %v", ErrNotConnected, err)
	}
}

func TestSendQueueFull(t *testing.T) {
	p := connectPair(t)
	p.mem.Drop = func(data []byte, from, to *net.UDPAddr) bool { return true }

	for i := 0; i < DefaultOptions().SendWindow; i++ {
		if err := p.client.SendMessageToConnection(p.clientConn, []byte("x"), Reliable); err != nil {
			t.Fatal(err)
		}
	}

	err := p.client.SendMessageToConnection(p.clientConn, []byte("x"), Reliable)
	if !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("expected error: '%v', got: %v", ErrSendQueueFull, err)
	}

	// Unreliable messages bypass the window.
	if err := p.client.SendMessageToConnection(p.clientConn, []byte("x"), Unreliable); err != nil {
		t.Fatal(err)
	}
}

func TestConnectTimeout(t *testing.T) {
	clock := newFakeClock()
	client := initLibrary(t, NewMemNetwork(), clock)

	var events []StatusChangedInfo
	_, err := client.ConnectByIPAddress(testServerAddr, ConnectOptions{
		OnStatusChanged: func(info *StatusChangedInfo) {
			events = append(events, *info)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 11; i++ {
		clock.Advance(time.Second)
		pump(t, client)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got: %d", len(events))
	}
	ev := events[1]
	if ev.Info.State != StateProblemDetectedLocally || ev.Info.EndReason != EndReasonTimeout {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if client.Stats().PacketsOut < 2 {
		t.Fatal("expected connect request to be retried")
	}
}

func TestPeerTimeout(t *testing.T) {
	p := connectPair(t)
	p.mem.Drop = func(data []byte, from, to *net.UDPAddr) bool { return true }

	for i := 0; i < 11; i++ {
		p.clock.Advance(time.Second)
		pump(t, p.server, p.client)
	}

	for name, ev := range map[string]StatusChangedInfo{
		"server": p.lastServerEvent(t),
		"client": p.lastClientEvent(t),
	} {
		if ev.Info.State != StateProblemDetectedLocally || ev.Info.EndReason != EndReasonTimeout {
			t.Fatalf("unexpected %s event: %+v", name, ev)
		}
	}
}

func TestKeepalive(t *testing.T) {
	p := connectPair(t)

	// Nothing but keepalives for longer than the timeout.
	for i := 0; i < 30; i++ {
		p.clock.Advance(500 * time.Millisecond)
		pump(t, p.server, p.client)
	}

	if ev := p.lastServerEvent(t); ev.Info.State != StateConnected {
		t.Fatalf("expected server connection to stay up, got: %s", ev.Info.State)
	}
	if ev := p.lastClientEvent(t); ev.Info.State != StateConnected {
		t.Fatalf("expected client connection to stay up, got: %s", ev.Info.State)
	}
}

func TestCloseConnectionNotifiesPeer(t *testing.T) {
	p := connectPair(t)
	clientEvents := len(p.clientEvents)

	if err := p.client.CloseConnection(p.clientConn, EndReasonApp, "bye"); err != nil {
		t.Fatal(err)
	}
	pump(t, p.server, p.client)

	if len(p.clientEvents) != clientEvents {
		t.Fatal("expected no callback for a locally closed connection")
	}
	if _, err := p.client.GetConnectionInfo(p.clientConn); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected error: '%v', got: %v", ErrInvalidHandle, err)
	}

	ev := p.lastServerEvent(t)
	if ev.Conn != p.serverConn || ev.Info.State != StateClosedByPeer {
		t.Fatalf("unexpected server event: %+v", ev)
	}
	if ev.Info.EndReason != EndReasonApp || ev.Info.EndDebug != "bye" {
		t.Fatalf("expected end reason %d 'bye', got: %d %q", EndReasonApp, ev.Info.EndReason, ev.Info.EndDebug)
	}

	if err := p.server.CloseConnection(p.serverConn, EndReasonNone, ""); err != nil {
		t.Fatal(err)
	}
	if n := p.server.Stats().Connections; n != 0 {
		t.Fatalf("expected no connections, got: %d", n)
	}
}

func TestServerFull(t *testing.T) {
	mem := NewMemNetwork()
	clock := newFakeClock()
	server := initLibrary(t, mem, clock)
	client := initLibrary(t, mem, clock)

	_, err := server.CreateListenSocketIP(testServerAddr, ListenOptions{
		MaxConnections: 1,
		OnStatusChanged: func(info *StatusChangedInfo) {
			if info.Info.State == StateConnecting {
				if err := server.AcceptConnection(info.Conn); err != nil {
					t.Error(err)
				}
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	states := make(map[Handle]ConnectionInfo)
	onStatus := func(info *StatusChangedInfo) {
		states[info.Conn] = info.Info
	}

	first, err := client.ConnectByIPAddress(testServerAddr, ConnectOptions{OnStatusChanged: onStatus})
	if err != nil {
		t.Fatal(err)
	}
	pump(t, server, client)

	second, err := client.ConnectByIPAddress(testServerAddr, ConnectOptions{OnStatusChanged: onStatus})
	if err != nil {
		t.Fatal(err)
	}
	pump(t, server, client)

	if states[first].State != StateConnected {
		t.Fatalf("expected first connection to be connected, got: %s", states[first].State)
	}
	if info := states[second]; info.State != StateClosedByPeer || info.EndReason != EndReasonServerFull {
		t.Fatalf("expected second connection to be rejected, got: %+v", info)
	}
}

func TestUnacceptedConnectionExpires(t *testing.T) {
	p := newTestPair(t, false)

	if ev := p.lastServerEvent(t); ev.Info.State != StateConnecting {
		t.Fatalf("expected server connection to be connecting, got: %s", ev.Info.State)
	}

	for i := 0; i < 10; i++ {
		p.clock.Advance(time.Second)
		pump(t, p.server, p.client)
	}

	ev := p.lastServerEvent(t)
	if ev.Info.State != StateProblemDetectedLocally || ev.Info.EndReason != EndReasonNotAccepted {
		t.Fatalf("unexpected server event: %+v", ev)
	}
	if len(p.serverEvents) != 2 {
		t.Fatalf("expected retried requests to be ignored, got %d events", len(p.serverEvents))
	}
}

func TestLostAcceptIsRepeated(t *testing.T) {
	mem := NewMemNetwork()
	var dropped bool
	mem.Drop = func(data []byte, from, to *net.UDPAddr) bool {
		if from.Port == 27020 && !dropped {
			dropped = true
			return true
		}
		return false
	}

	clock := newFakeClock()
	server := initLibrary(t, mem, clock)
	client := initLibrary(t, mem, clock)

	_, err := server.CreateListenSocketIP(testServerAddr, ListenOptions{
		OnStatusChanged: func(info *StatusChangedInfo) {
			if info.Info.State == StateConnecting {
				if err := server.AcceptConnection(info.Conn); err != nil {
					t.Error(err)
				}
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	h, err := client.ConnectByIPAddress(testServerAddr, ConnectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	pump(t, server, client)

	if info, _ := client.GetConnectionInfo(h); info.State != StateConnecting {
		t.Fatalf("expected client to still be connecting, got: %s", info.State)
	}

	clock.Advance(100 * time.Millisecond)
	pump(t, client, server)

	if info, _ := client.GetConnectionInfo(h); info.State != StateConnected {
		t.Fatalf("expected client to be connected, got: %s", info.State)
	}
	if n := server.Stats().Connections; n != 1 {
		t.Fatalf("expected 1 server connection, got: %d", n)
	}
}

func TestAcceptConnectionErrors(t *testing.T) {
	p := connectPair(t)

	if err := p.server.AcceptConnection(p.serverConn); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected error: '%v', got: %v", ErrInvalidState, err)
	}
	if err := p.client.AcceptConnection(p.clientConn); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected error: '%v', got: %v", ErrInvalidState, err)
	}
	if err := p.server.AcceptConnection(InvalidHandle); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected error: '%v', got: %v", ErrInvalidHandle, err)
	}
}

func TestShutdown(t *testing.T) {
	p := connectPair(t)

	if err := p.client.Shutdown(); err != nil {
		t.Fatal(err)
	}
	pump(t, p.server)

	ev := p.lastServerEvent(t)
	if ev.Info.State != StateClosedByPeer || ev.Info.EndReason != EndReasonShutdown {
		t.Fatalf("unexpected server event: %+v", ev)
	}

	if err := p.client.Shutdown(); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected error: '%v', got: %v", ErrShutdown, err)
	}
	if err := p.client.RunCallbacks(); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected error: '%v', got: %v", ErrShutdown, err)
	}
	if _, err := p.client.ConnectByIPAddress(testServerAddr, ConnectOptions{}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected error: '%v', got: %v", ErrShutdown, err)
	}
	if err := p.client.SendMessageToConnection(p.clientConn, []byte("x"), Reliable); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected error: '%v', got: %v", ErrShutdown, err)
	}
}

func TestCreateListenSocketErrors(t *testing.T) {
	mem := NewMemNetwork()
	lib := initLibrary(t, mem, newFakeClock())

	_, err := lib.CreateListenSocketIP("not an address", ListenOptions{})
	if !errors.Is(err, ErrListen) || !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected listen and address errors, got: %v", err)
	}

	if _, err := lib.CreateListenSocketIP(testServerAddr, ListenOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := lib.CreateListenSocketIP(testServerAddr, ListenOptions{}); !errors.Is(err, ErrListen) {
		t.Fatalf("expected error: '%v', got: %v", ErrListen, err)
	}
}

func TestCloseListenSocket(t *testing.T) {
	p := connectPair(t)

	if err := p.server.CloseListenSocket(p.listen); err != nil {
		t.Fatal(err)
	}
	pump(t, p.client)

	if ev := p.lastClientEvent(t); ev.Info.State != StateClosedByPeer {
		t.Fatalf("expected client to be closed by peer, got: %s", ev.Info.State)
	}
	if stats := p.server.Stats(); stats.Connections != 0 || stats.ListenSockets != 0 {
		t.Fatalf("unexpected server stats: %+v", stats)
	}
}

func TestInitValidatesOptions(t *testing.T) {
	_, err := Init(Options{
		Network:           NewMemNetwork(),
		Timeout:           time.Second,
		KeepaliveInterval: 2 * time.Second,
	})
	if !errors.Is(err, ErrInit) {
		t.Fatalf("expected error: '%v', got: %v", ErrInit, err)
	}
}

func TestReceiveReliableReordering(t *testing.T) {
	lib, err := Init(Options{Network: NewMemNetwork(), ReceiveWindow: 4})
	if err != nil {
		t.Fatal(err)
	}

	c := &conn{handle: 1}
	now := time.Now()
	lib.receiveReliable(c, 2, []byte("c"), now)
	lib.receiveReliable(c, 1, []byte("b"), now)
	if len(c.queue) != 0 {
		t.Fatal("expected out of order frames to be held back")
	}

	lib.receiveReliable(c, 0, []byte("a"), now)
	lib.receiveReliable(c, 0, []byte("a"), now)
	lib.receiveReliable(c, 7, []byte("h"), now)

	var got string
	for _, msg := range c.queue {
		got += string(msg.Data)
	}
	if got != "abc" {
		t.Fatalf("expected 'abc', got: %q", got)
	}
	if c.nextRecvSeq != 3 || len(c.outOfOrder) != 0 {
		t.Fatalf("unexpected receive state: next=%d held=%d", c.nextRecvSeq, len(c.outOfOrder))
	}
	c.releaseQueue()
}

func TestAck(t *testing.T) {
	c := &conn{}
	for seq := uint32(0); seq < 5; seq++ {
		c.unacked = append(c.unacked, &pendingFrame{seq: seq})
	}

	c.ack(3)
	if len(c.unacked) != 2 || c.unacked[0].seq != 3 {
		t.Fatalf("unexpected unacked frames after ack: %d", len(c.unacked))
	}

	c.ack(1)
	if len(c.unacked) != 2 {
		t.Fatal("expected stale ack to be ignored")
	}
}

func TestSeqBeforeWraps(t *testing.T) {
	if !seqBefore(0xffffffff, 0) {
		t.Fatal("expected 0xffffffff to precede 0")
	}
	if seqBefore(1, 0) {
		t.Fatal("expected 1 to follow 0")
	}
}

func TestCloseFlushesReliableMessages(t *testing.T) {
	p := connectPair(t)
	clientEvents := len(p.clientEvents)

	var dropped int
	p.mem.Drop = func(data []byte, from, to *net.UDPAddr) bool {
		if to.Port != 27020 || dropped > 0 {
			return false
		}
		dropped++
		return true
	}

	if err := p.client.SendMessageToConnection(p.clientConn, []byte("last"), Reliable); err != nil {
		t.Fatal(err)
	}
	if err := p.client.CloseConnection(p.clientConn, EndReasonApp, "bye"); err != nil {
		t.Fatal(err)
	}
	if n := p.client.Stats().Flushing; n != 1 {
		t.Fatalf("expected 1 flushing connection, got: %d", n)
	}
	if _, err := p.client.GetConnectionInfo(p.clientConn); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected error: '%v', got: %v", ErrInvalidHandle, err)
	}

	pump(t, p.server, p.client)
	if ev := p.lastServerEvent(t); ev.Info.State != StateConnected {
		t.Fatalf("expected close to wait for the lost message, got: %s", ev.Info.State)
	}

	p.clock.Advance(100 * time.Millisecond)
	pump(t, p.server, p.client)

	if received := receiveAll(t, p.server, p.serverConn); fmt.Sprint(received) != "[last]" {
		t.Fatalf("expected [last], got: %v", received)
	}
	ev := p.lastServerEvent(t)
	if ev.Info.State != StateClosedByPeer || ev.Info.EndReason != EndReasonApp || ev.Info.EndDebug != "bye" {
		t.Fatalf("unexpected server event: %+v", ev)
	}
	if n := p.client.Stats().Flushing; n != 0 {
		t.Fatalf("expected no flushing connections, got: %d", n)
	}
	if len(p.clientEvents) != clientEvents {
		t.Fatal("expected no callback for a locally closed connection")
	}
}

func TestCloseFlushTimeout(t *testing.T) {
	p := connectPair(t)
	p.mem.Drop = func(data []byte, from, to *net.UDPAddr) bool {
		return to.Port == 27020
	}

	if err := p.client.SendMessageToConnection(p.clientConn, []byte("lost"), Reliable); err != nil {
		t.Fatal(err)
	}
	if err := p.client.CloseConnection(p.clientConn, EndReasonApp, ""); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		p.clock.Advance(time.Second)
		pump(t, p.client)
	}
	if n := p.client.Stats().Flushing; n != 0 {
		t.Fatalf("expected flush to give up, got %d flushing connections", n)
	}
}

func TestPeerCloseEndsFlush(t *testing.T) {
	p := connectPair(t)
	p.mem.Drop = func(data []byte, from, to *net.UDPAddr) bool {
		return to.Port == 27020
	}

	if err := p.client.SendMessageToConnection(p.clientConn, []byte("lost"), Reliable); err != nil {
		t.Fatal(err)
	}
	if err := p.client.CloseConnection(p.clientConn, EndReasonApp, ""); err != nil {
		t.Fatal(err)
	}
	if err := p.server.CloseConnection(p.serverConn, EndReasonApp, ""); err != nil {
		t.Fatal(err)
	}
	pump(t, p.client)

	if n := p.client.Stats().Flushing; n != 0 {
		t.Fatalf("expected the peer's close to end the flush, got %d flushing connections", n)
	}
}

func TestShutdownEndsFlush(t *testing.T) {
	p := connectPair(t)

	if err := p.client.SendMessageToConnection(p.clientConn, []byte("last"), Reliable); err != nil {
		t.Fatal(err)
	}
	if err := p.client.CloseConnection(p.clientConn, EndReasonApp, ""); err != nil {
		t.Fatal(err)
	}
	if err := p.client.Shutdown(); err != nil {
		t.Fatal(err)
	}
	pump(t, p.server)

	if received := receiveAll(t, p.server, p.serverConn); fmt.Sprint(received) != "[last]" {
		t.Fatalf("expected [last], got: %v", received)
	}
	if ev := p.lastServerEvent(t); ev.Info.State != StateClosedByPeer {
		t.Fatalf("expected server to see the close, got: %s", ev.Info.State)
	}
}

func TestRetransmitDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{20, time.Second},
	}

	for _, test := range tests {
		if delay := retransmitDelay(cfg, test.attempt, nil); delay != test.expected {
			t.Fatalf("attempt %d: expected delay: %s, got: %s", test.attempt, test.expected, delay)
		}
	}

	cfg.Jitter = true
	rng := mrand.New(mrand.NewSource(1))
	for i := 0; i < 100; i++ {
		delay := retransmitDelay(cfg, 2, rng)
		if delay < 100*time.Millisecond || delay >= 300*time.Millisecond {
			t.Fatalf("expected jittered delay in [100ms, 300ms), got: %s", delay)
		}
	}
}
