package sockets

import (
	"fmt"
	"net"
	"sync"
)

// MemNetwork is an in-process datagram network. Sockets are keyed by port
// only, so every bound address behaves like a loopback address. Delivery is
// synchronous and in order; use Drop to inject loss.
type MemNetwork struct {
	m        sync.Mutex
	sockets  map[int]*memConn
	nextPort int

	// Drop, if set, is consulted for every datagram. Returning true discards it.
	Drop func(data []byte, from, to *net.UDPAddr) bool
}

type memConn struct {
	net     *MemNetwork
	addr    *net.UDPAddr
	handler PacketHandler
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		sockets:  make(map[int]*memConn),
		nextPort: 40000,
	}
}

func (n *MemNetwork) Bind(addr *net.UDPAddr, handler PacketHandler) (PacketConn, error) {
	n.m.Lock()
	defer n.m.Unlock()

	port := addr.Port
	if port == 0 {
		for {
			n.nextPort++
			if _, ok := n.sockets[n.nextPort]; !ok {
				break
			}
		}
		port = n.nextPort
	}
	if _, ok := n.sockets[port]; ok {
		return nil, fmt.Errorf("mem network: port %d already in use", port)
	}

	c := &memConn{
		net:     n,
		addr:    &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		handler: handler,
	}
	n.sockets[port] = c
	return c, nil
}

func (n *MemNetwork) lookup(port int) *memConn {
	n.m.Lock()
	defer n.m.Unlock()
	return n.sockets[port]
}

func (c *memConn) SendPacket(data []byte, addr *net.UDPAddr) error {
	if c.net.lookup(c.addr.Port) != c {
		return net.ErrClosed
	}

	dst := c.net.lookup(addr.Port)
	if dst == nil {
		return nil
	}
	if drop := c.net.Drop; drop != nil && drop(data, c.addr, addr) {
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	dst.handler(buf, c.addr)
	return nil
}

func (c *memConn) LocalAddr() *net.UDPAddr {
	return c.addr
}

func (c *memConn) Close() error {
	c.net.m.Lock()
	defer c.net.m.Unlock()

	if c.net.sockets[c.addr.Port] != c {
		return net.ErrClosed
	}
	delete(c.net.sockets, c.addr.Port)
	return nil
}
