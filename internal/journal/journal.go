// Package journal records peer sessions and their traffic in the session
// database. Events are queued from the session loop and written by a single
// worker goroutine.
package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tkengine/tknet/internal/models"
	"github.com/tkengine/tknet/internal/repo"
	"github.com/tkengine/tknet/internal/sockets"
)

const (
	DefaultBufferSize    = 1024
	DefaultFlushInterval = 5 * time.Second

	// EndStateLocal is recorded for sessions that were closed by this side.
	EndStateLocal = "closed_locally"
	// EndStateShutdown is recorded for sessions still open when the recorder
	// stops.
	EndStateShutdown = "shutdown"
)

type RecorderOptions struct {
	Logger *slog.Logger
	// Source is stored with every session, e.g. "server" or "client".
	Source        string
	BufferSize    int
	FlushInterval time.Duration
}

type eventKind int

const (
	eventOpen eventKind = iota
	eventClose
	eventTraffic
)

type event struct {
	kind  eventKind
	at    time.Time
	conn  sockets.Handle
	addr  net.Addr
	state sockets.State
	delta models.Traffic
}

type session struct {
	id      ulid.ULID
	pending models.Traffic
}

// Recorder implements metrics.ConnectionLifecycleHook and metrics.MessageHook.
// Emit calls never block: when the queue is full the event is dropped and
// counted.
type Recorder struct {
	repo   *repo.SessionsRepo
	opts   RecorderOptions
	logger *slog.Logger

	started atomic.Bool
	dropped atomic.Uint64
	events  chan *event

	// owned by the worker
	sessions map[sockets.Handle]*session
}

func NewRecorder(sessionsRepo *repo.SessionsRepo, opts RecorderOptions) *Recorder {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	return &Recorder{
		repo:     sessionsRepo,
		opts:     opts,
		logger:   opts.Logger,
		events:   make(chan *event, opts.BufferSize),
		sessions: make(map[sockets.Handle]*session),
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) emit(ev *event) {
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) EmitConnectionOpen(conn sockets.Handle, addr net.Addr, latency time.Duration) {
	r.emit(&event{kind: eventOpen, at: time.Now(), conn: conn, addr: addr})
}

func (r *Recorder) EmitConnectionClose(conn sockets.Handle, addr net.Addr, state sockets.State) {
	r.emit(&event{kind: eventClose, at: time.Now(), conn: conn, addr: addr, state: state})
}

// EmitConnectionError is a no-op: connections that never opened have no
// session.
func (r *Recorder) EmitConnectionError() {}

func (r *Recorder) EmitMessageReceived(conn sockets.Handle, addr net.Addr, size int, rel sockets.Reliability) {
	r.emit(&event{kind: eventTraffic, conn: conn, delta: models.Traffic{MsgsIn: 1, BytesIn: int64(size)}})
}

func (r *Recorder) EmitMessageSent(conn sockets.Handle, addr net.Addr, size int, rel sockets.Reliability) {
	r.emit(&event{kind: eventTraffic, conn: conn, delta: models.Traffic{MsgsOut: 1, BytesOut: int64(size)}})
}

func (r *Recorder) EmitSendError(conn sockets.Handle, addr net.Addr) {}

// Run writes queued events until ctx is cancelled. Sessions left open by a
// previous process are closed first. On return, queued events are written and
// every session that is still open is closed with EndStateShutdown.
func (r *Recorder) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("attempt to start journal twice")
	}

	n, err := r.repo.CloseAbandonedSessions(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("close abandoned sessions: %w", err)
	}
	if n > 0 {
		r.logger.Warn("Closed abandoned sessions", slog.Int64("sessions", n))
	}

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	r.logger.Info("Starting session journal", slog.String("source", r.opts.Source))
	for {
		select {
		case <-ctx.Done():
			return r.stop()
		case ev := <-r.events:
			r.handle(ctx, ev)
		case <-ticker.C:
			r.flush(ctx)
		}
	}
}

func (r *Recorder) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for len(r.events) > 0 {
		r.handle(ctx, <-r.events)
	}

	var errs []error
	now := time.Now()
	for h, s := range r.sessions {
		if _, err := r.repo.CloseSession(ctx, s.id, now, EndStateShutdown, s.pending); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", s.id, err))
		}
		delete(r.sessions, h)
	}

	r.logger.Info("Stopping session journal", slog.Uint64("dropped", r.Dropped()))
	return errors.Join(errs...)
}

func (r *Recorder) handle(ctx context.Context, ev *event) {
	switch ev.kind {
	case eventOpen:
		r.open(ctx, ev)
	case eventClose:
		r.close(ctx, ev)
	case eventTraffic:
		if s, ok := r.sessions[ev.conn]; ok {
			s.pending.Add(ev.delta)
		}
	}
}

func (r *Recorder) open(ctx context.Context, ev *event) {
	if prev, ok := r.sessions[ev.conn]; ok {
		r.logger.Warn("Session opened twice", slog.String("session", prev.id.String()))
		return
	}

	s := &models.Session{
		SessionID: ulid.Make(),
		Source:    r.opts.Source,
		Conn:      uint32(ev.conn),
		OpenedAt:  ev.at,
	}
	if ev.addr != nil {
		s.Net = ev.addr.Network()
		s.Addr = ev.addr.String()
	}

	if _, err := r.repo.OpenSession(ctx, s); err != nil {
		r.logger.Error("Unable to record session",
			slog.Uint64("conn", uint64(ev.conn)),
			slog.Any("err", err))
		return
	}
	r.sessions[ev.conn] = &session{id: s.SessionID}
}

func (r *Recorder) close(ctx context.Context, ev *event) {
	s, ok := r.sessions[ev.conn]
	if !ok {
		return
	}
	delete(r.sessions, ev.conn)

	endState := EndStateLocal
	if ev.state != sockets.StateNone {
		endState = ev.state.String()
	}

	if _, err := r.repo.CloseSession(ctx, s.id, ev.at, endState, s.pending); err != nil {
		r.logger.Error("Unable to close session",
			slog.String("session", s.id.String()),
			slog.Any("err", err))
	}
}

func (r *Recorder) flush(ctx context.Context) {
	for _, s := range r.sessions {
		if s.pending.IsZero() {
			continue
		}

		if err := r.repo.AddTraffic(ctx, s.id, s.pending); err != nil {
			r.logger.Error("Unable to record traffic",
				slog.String("session", s.id.String()),
				slog.Any("err", err))
			continue
		}
		s.pending = models.Traffic{}
	}
}
