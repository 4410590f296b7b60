package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Session is the journal record of one peer connection.
type Session struct {
	ID        int64      `json:"-"`
	SessionID ulid.ULID  `json:"session_id"`
	Source    string     `json:"source"`
	Conn      uint32     `json:"conn"`
	Net       string     `json:"net"`
	Addr      string     `json:"addr"`
	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at"`
	EndState  *string    `json:"end_state"`
	Traffic
}

type Traffic struct {
	MsgsIn   int64 `json:"msgs_in"`
	MsgsOut  int64 `json:"msgs_out"`
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
}

func (t Traffic) IsZero() bool {
	return t == Traffic{}
}

func (t *Traffic) Add(o Traffic) {
	t.MsgsIn += o.MsgsIn
	t.MsgsOut += o.MsgsOut
	t.BytesIn += o.BytesIn
	t.BytesOut += o.BytesOut
}
