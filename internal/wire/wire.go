// Package wire implements the datagram layout spoken between tknet peers.
//
// Every datagram starts with a fixed Header. Handshake packets (ConnectRequest,
// ConnectAccept, ConnectReject) carry a plaintext body. Data packets carry a
// sealed Frame; sealing is done by the caller, this package only lays out bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic prefixes every datagram so stray traffic is dropped cheaply.
	Magic   uint16 = 0x746b
	Version uint8  = 1

	HeaderSize      = 16
	HelloSize       = 4 + KeySize
	RejectMinSize   = 2
	FrameHeaderSize = 11
	KeySize         = 32

	// MaxPacketSize keeps datagrams below common path MTUs.
	MaxPacketSize = 1200
)

var (
	ErrShortPacket = errors.New("wire: packet too short")
	ErrBadMagic    = errors.New("wire: bad magic")
	ErrBadVersion  = errors.New("wire: unsupported version")
	ErrBadType     = errors.New("wire: unknown packet type")
	ErrBadFrame    = errors.New("wire: unknown frame kind")
	ErrTooLarge    = errors.New("wire: packet too large")
)

type PacketType uint8

const (
	PacketTypeConnectRequest PacketType = iota + 1
	PacketTypeConnectAccept
	PacketTypeConnectReject
	PacketTypeData
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeConnectRequest:
		return "connect_request"
	case PacketTypeConnectAccept:
		return "connect_accept"
	case PacketTypeConnectReject:
		return "connect_reject"
	case PacketTypeData:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Header prefixes every datagram. ConnID is the receiver's connection id and
// is zero only for a ConnectRequest.
type Header struct {
	Type      PacketType
	ConnID    uint32
	PacketNum uint64
}

func (h *Header) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, HeaderSize)), nil
}

// AppendBinary appends the encoded header to b.
func (h *Header) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, Magic)
	b = append(b, Version, byte(h.Type))
	b = binary.BigEndian.AppendUint32(b, h.ConnID)
	b = binary.BigEndian.AppendUint64(b, h.PacketNum)
	return b
}

func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return ErrShortPacket
	}
	if binary.BigEndian.Uint16(data) != Magic {
		return ErrBadMagic
	}
	if data[2] != Version {
		return ErrBadVersion
	}

	h.Type = PacketType(data[3])
	switch h.Type {
	case PacketTypeConnectRequest, PacketTypeConnectAccept, PacketTypeConnectReject, PacketTypeData:
	default:
		return ErrBadType
	}

	h.ConnID = binary.BigEndian.Uint32(data[4:])
	h.PacketNum = binary.BigEndian.Uint64(data[8:])
	return nil
}

// SplitPacket parses the header of a datagram and returns it with the body.
func SplitPacket(data []byte) (Header, []byte, error) {
	var h Header
	if len(data) > MaxPacketSize {
		return h, nil, ErrTooLarge
	}
	if err := h.UnmarshalBinary(data); err != nil {
		return h, nil, err
	}
	return h, data[HeaderSize:], nil
}

// Hello is the body of ConnectRequest and ConnectAccept packets.
type Hello struct {
	ConnID    uint32
	PublicKey [KeySize]byte
}

func (p *Hello) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, HelloSize)
	b = binary.BigEndian.AppendUint32(b, p.ConnID)
	b = append(b, p.PublicKey[:]...)
	return b, nil
}

func (p *Hello) UnmarshalBinary(data []byte) error {
	if len(data) < HelloSize {
		return ErrShortPacket
	}
	p.ConnID = binary.BigEndian.Uint32(data)
	copy(p.PublicKey[:], data[4:HelloSize])
	return nil
}

// Reject is the body of a ConnectReject packet.
type Reject struct {
	Reason uint16
	Debug  string
}

func (p *Reject) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, RejectMinSize+len(p.Debug))
	b = binary.BigEndian.AppendUint16(b, p.Reason)
	b = append(b, p.Debug...)
	return b, nil
}

func (p *Reject) UnmarshalBinary(data []byte) error {
	if len(data) < RejectMinSize {
		return ErrShortPacket
	}
	p.Reason = binary.BigEndian.Uint16(data)
	p.Debug = string(data[RejectMinSize:])
	return nil
}

type FrameKind uint8

const (
	FrameReliable FrameKind = iota + 1
	FrameUnreliable
	FrameAck
	FramePing
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameReliable:
		return "reliable"
	case FrameUnreliable:
		return "unreliable"
	case FrameAck:
		return "ack"
	case FramePing:
		return "ping"
	case FrameClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Frame is the plaintext content of a data packet.
//
// Ack is the cumulative acknowledgement: the next reliable sequence number the
// sender expects from its peer. Seq is only meaningful for FrameReliable and
// Reason only for FrameClose. For FrameClose the payload holds the debug text.
type Frame struct {
	Kind    FrameKind
	Ack     uint32
	Seq     uint32
	Reason  uint16
	Payload []byte
}

func (f *Frame) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(make([]byte, 0, FrameHeaderSize+len(f.Payload))), nil
}

// AppendBinary appends the encoded frame to b.
func (f *Frame) AppendBinary(b []byte) []byte {
	b = append(b, byte(f.Kind))
	b = binary.BigEndian.AppendUint32(b, f.Ack)
	b = binary.BigEndian.AppendUint32(b, f.Seq)
	b = binary.BigEndian.AppendUint16(b, f.Reason)
	b = append(b, f.Payload...)
	return b
}

// UnmarshalBinary decodes a frame. The payload aliases data.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < FrameHeaderSize {
		return ErrShortPacket
	}

	f.Kind = FrameKind(data[0])
	switch f.Kind {
	case FrameReliable, FrameUnreliable, FrameAck, FramePing, FrameClose:
	default:
		return ErrBadFrame
	}

	f.Ack = binary.BigEndian.Uint32(data[1:])
	f.Seq = binary.BigEndian.Uint32(data[5:])
	f.Reason = binary.BigEndian.Uint16(data[9:])
	f.Payload = data[FrameHeaderSize:]
	return nil
}
