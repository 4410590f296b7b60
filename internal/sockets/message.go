package sockets

import (
	"sync"
	"sync/atomic"
	"time"
)

var messageBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, MaxMessageSize)
		return &buf
	},
}

// Message is one received payload. Data is only valid until Release is
// called, and every message handed out by ReceiveMessagesOnConnection must be
// released exactly once.
type Message struct {
	Conn        Handle
	Data        []byte
	Reliability Reliability
	ReceivedAt  time.Time

	buf         *[]byte
	outstanding *atomic.Int64
	released    atomic.Bool
}

func newMessage(conn Handle, payload []byte, rel Reliability, now time.Time, outstanding *atomic.Int64) *Message {
	buf := messageBufPool.Get().(*[]byte)
	*buf = append((*buf)[:0], payload...)

	outstanding.Add(1)
	return &Message{
		Conn:        conn,
		Data:        *buf,
		Reliability: rel,
		ReceivedAt:  now,
		buf:         buf,
		outstanding: outstanding,
	}
}

// Release returns the message buffer to the pool. Further calls are no-ops.
func (m *Message) Release() {
	if !m.released.CompareAndSwap(false, true) {
		return
	}

	m.outstanding.Add(-1)
	m.Data = nil
	messageBufPool.Put(m.buf)
	m.buf = nil
}
