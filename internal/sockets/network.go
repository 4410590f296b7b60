package sockets

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/alexbakker/tox4go/transport"
)

// PacketHandler receives one datagram. The data slice is only valid for the
// duration of the call.
type PacketHandler func(data []byte, addr *net.UDPAddr)

// Network binds datagram sockets.
type Network interface {
	Bind(addr *net.UDPAddr, handler PacketHandler) (PacketConn, error)
}

type PacketConn interface {
	SendPacket(data []byte, addr *net.UDPAddr) error
	LocalAddr() *net.UDPAddr
	Close() error
}

// UDPNetwork carries datagrams over real UDP sockets using the tox4go
// transport.
type UDPNetwork struct{}

type udpConn struct {
	tp        transport.Transport
	addr      *net.UDPAddr
	listenErr chan error
}

func (n *UDPNetwork) Bind(addr *net.UDPAddr, handler PacketHandler) (PacketConn, error) {
	tp, err := transport.NewUDPTransport("udp", addr.String(), func(data []byte, addr *net.UDPAddr) {
		handler(data, addr)
	})
	if err != nil {
		return nil, fmt.Errorf("tox udp transport: %w", err)
	}

	c := &udpConn{
		tp:        tp,
		addr:      addr,
		listenErr: make(chan error, 1),
	}
	go func() {
		defer close(c.listenErr)

		if err := tp.Listen(); err != nil {
			c.listenErr <- err
		}
	}()

	return c, nil
}

func (c *udpConn) SendPacket(data []byte, addr *net.UDPAddr) error {
	return c.tp.SendPacket(data, addr)
}

// LocalAddr returns the address the socket was bound with. An ephemeral port
// is reported as zero.
func (c *udpConn) LocalAddr() *net.UDPAddr {
	return c.addr
}

func (c *udpConn) Close() error {
	c.tp.Close()
	if err := <-c.listenErr; err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("tox udp transport: %w", err)
	}
	return nil
}

// ParseEndpoint resolves a "host:port" string. The port must be numeric;
// zero is accepted so listeners can ask for an ephemeral port.
func ParseEndpoint(address string) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, address, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: bad port", ErrInvalidAddress, address)
	}

	if host == "" {
		return &net.UDPAddr{IP: net.IPv4zero, Port: int(port)}, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("%w: %q: unable to resolve host", ErrInvalidAddress, address)
	}

	ip := ips[0]
	for _, candidate := range ips {
		if v4 := candidate.To4(); v4 != nil {
			ip = v4
			break
		}
	}
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}
