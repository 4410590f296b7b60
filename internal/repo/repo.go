package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tkengine/tknet/internal/db"
	"github.com/tkengine/tknet/internal/models"
)

var ErrNotFound = fmt.Errorf("not found: %w", sql.ErrNoRows)

type SessionsRepo struct {
	db *sql.DB
	q  *db.Queries
}

func New(sqldb *sql.DB) *SessionsRepo {
	return &SessionsRepo{
		db: sqldb,
		q:  db.New(sqldb),
	}
}

func (r *SessionsRepo) OpenSession(ctx context.Context, s *models.Session) (*models.Session, error) {
	dbSession, err := r.q.InsertSession(ctx, &db.InsertSessionParams{
		SessionID: s.SessionID.String(),
		Source:    s.Source,
		Handle:    int64(s.Conn),
		Net:       s.Net,
		Addr:      s.Addr,
		OpenedAt:  db.Time(s.OpenedAt),
	})
	if err != nil {
		return nil, err
	}

	return convertSession(dbSession)
}

// CloseSession adds the final traffic counters to the session and marks it
// closed with the given end state.
func (r *SessionsRepo) CloseSession(ctx context.Context, id ulid.ULID, closedAt time.Time, endState string, traffic models.Traffic) (*models.Session, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	q := r.q.WithTx(tx)
	if !traffic.IsZero() {
		if _, err := q.AddSessionTraffic(ctx, newTrafficParams(id, traffic)); err != nil {
			return nil, fmt.Errorf("add traffic: %w", err)
		}
	}

	dbSession, err := q.CloseSession(ctx, &db.CloseSessionParams{
		ClosedAt:  db.NewNullTime(closedAt),
		EndState:  sql.NullString{String: endState, Valid: true},
		SessionID: id.String(),
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("close session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return convertSession(dbSession)
}

func (r *SessionsRepo) AddTraffic(ctx context.Context, id ulid.ULID, traffic models.Traffic) error {
	n, err := r.q.AddSessionTraffic(ctx, newTrafficParams(id, traffic))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SessionsRepo) GetSession(ctx context.Context, id ulid.ULID) (*models.Session, error) {
	dbSession, err := r.q.GetSession(ctx, id.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return convertSession(dbSession)
}

func (r *SessionsRepo) ListOpenSessions(ctx context.Context) ([]*models.Session, error) {
	dbSessions, err := r.q.ListOpenSessions(ctx)
	if err != nil {
		return nil, err
	}

	res := make([]*models.Session, 0, len(dbSessions))
	for _, dbSession := range dbSessions {
		s, err := convertSession(dbSession)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

// CloseAbandonedSessions closes every session that is still open. It is used
// on startup to clean up after a process that did not shut down cleanly.
func (r *SessionsRepo) CloseAbandonedSessions(ctx context.Context, closedAt time.Time) (int64, error) {
	return r.q.CloseAbandonedSessions(ctx, db.NewNullTime(closedAt))
}

func newTrafficParams(id ulid.ULID, t models.Traffic) *db.AddSessionTrafficParams {
	return &db.AddSessionTrafficParams{
		MsgsIn:    t.MsgsIn,
		MsgsOut:   t.MsgsOut,
		BytesIn:   t.BytesIn,
		BytesOut:  t.BytesOut,
		SessionID: id.String(),
	}
}

func convertSession(dbSession *db.PeerSession) (*models.Session, error) {
	id, err := ulid.ParseStrict(dbSession.SessionID)
	if err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}

	return &models.Session{
		ID:        dbSession.ID,
		SessionID: id,
		Source:    dbSession.Source,
		Conn:      uint32(dbSession.Handle),
		Net:       dbSession.Net,
		Addr:      dbSession.Addr,
		OpenedAt:  time.Time(dbSession.OpenedAt),
		ClosedAt:  convertNullTime(dbSession.ClosedAt),
		EndState:  convertNullString(dbSession.EndState),
		Traffic: models.Traffic{
			MsgsIn:   dbSession.MsgsIn,
			MsgsOut:  dbSession.MsgsOut,
			BytesIn:  dbSession.BytesIn,
			BytesOut: dbSession.BytesOut,
		},
	}, nil
}

func convertNullTime(t db.NullTime) *time.Time {
	if t.Valid {
		res := time.Time(t.Time)
		return &res
	}
	return nil
}

func convertNullString(s sql.NullString) *string {
	if s.Valid {
		return &s.String
	}
	return nil
}
