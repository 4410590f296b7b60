package sockets

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/nacl/box"

	"github.com/tkengine/tknet/internal/wire"
)

var errOpen = errors.New("unable to open sealed frame")

// Nonce direction prefixes. Each side seals with its own direction so the two
// packet number spaces never collide under the shared key.
const (
	dirClientToServer byte = 0
	dirServerToClient byte = 1
)

type keyPair struct {
	public *[wire.KeySize]byte
	secret *[wire.KeySize]byte
}

func generateKeyPair() (*keyPair, error) {
	public, secret, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &keyPair{public: public, secret: secret}, nil
}

func (k *keyPair) precompute(peer *[wire.KeySize]byte) *[32]byte {
	var shared [32]byte
	box.Precompute(&shared, peer, k.secret)
	return &shared
}

func packetNonce(dir byte, packetNum uint64) *[24]byte {
	var nonce [24]byte
	nonce[0] = dir
	binary.BigEndian.PutUint64(nonce[1:], packetNum)
	return &nonce
}

func seal(out, plain []byte, dir byte, packetNum uint64, shared *[32]byte) []byte {
	return box.SealAfterPrecomputation(out, plain, packetNonce(dir, packetNum), shared)
}

func open(sealed []byte, dir byte, packetNum uint64, shared *[32]byte) ([]byte, error) {
	plain, ok := box.OpenAfterPrecomputation(nil, sealed, packetNonce(dir, packetNum), shared)
	if !ok {
		return nil, errOpen
	}
	return plain, nil
}

// MaxMessageSize is the largest payload that fits in one datagram.
const MaxMessageSize = wire.MaxPacketSize - wire.HeaderSize - wire.FrameHeaderSize - box.Overhead
