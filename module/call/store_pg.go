package call

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"convocore/tools/errs"
)

const callSchema = `
CREATE TABLE IF NOT EXISTS call_sessions (
    id              text PRIMARY KEY,
    conversation_id text NOT NULL REFERENCES conversations (id),
    caller_id       text NOT NULL REFERENCES users (id),
    call_type       text NOT NULL CHECK (call_type IN ('audio','video')),
    status          text NOT NULL CHECK (status IN ('ringing','active','ended')),
    started_at_ms   bigint NOT NULL,
    ended_at_ms     bigint NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_call_live ON call_sessions (conversation_id) WHERE status <> 'ended';

CREATE TABLE IF NOT EXISTS call_participants (
    call_session_id text NOT NULL REFERENCES call_sessions (id),
    user_id         text NOT NULL REFERENCES users (id),
    joined_at_ms    bigint NOT NULL,
    PRIMARY KEY (call_session_id, user_id)
);
`

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore { return &PgStore{pool: pool} }

func (s *PgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, callSchema)
	return errs.WrapMsg(err, "call schema")
}

func pgErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.ErrNotFound.WrapMsg(op)
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) && pge.Code == "23505" {
		return errs.ErrConflict.WrapMsg(op, "constraint", pge.ConstraintName)
	}
	return errs.ErrTransient.WrapMsg(op, "cause", err)
}

// InsertSession relies on uq_call_live: a concurrent second start hits the
// partial unique index and comes back Conflict, no read check involved.
func (s *PgStore) InsertSession(ctx context.Context, sess Session, caller Participant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgErr(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO call_sessions (id, conversation_id, caller_id, call_type, status, started_at_ms, ended_at_ms)
		 VALUES ($1,$2,$3,$4,$5,$6,0)`,
		sess.ID, sess.ConversationID, sess.CallerID, string(sess.Type), string(sess.Status), sess.StartedAtMS); err != nil {
		return pgErr(err, "insert call session")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO call_participants (call_session_id, user_id, joined_at_ms) VALUES ($1,$2,$3)`,
		caller.SessionID, caller.UserID, caller.JoinedAtMS); err != nil {
		return pgErr(err, "insert caller participant")
	}
	return pgErr(tx.Commit(ctx), "commit call start")
}

func (s *PgStore) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var typ, status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, caller_id, call_type, status, started_at_ms, ended_at_ms
		 FROM call_sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.ConversationID, &sess.CallerID, &typ, &status, &sess.StartedAtMS, &sess.EndedAtMS)
	if err != nil {
		return Session{}, pgErr(err, "get call session")
	}
	sess.Type, sess.Status = CallType(typ), Status(status)
	return sess, nil
}

func (s *PgStore) FindLive(ctx context.Context, convID string) (Session, error) {
	var sess Session
	var typ, status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, caller_id, call_type, status, started_at_ms, ended_at_ms
		 FROM call_sessions WHERE conversation_id = $1 AND status <> 'ended'`, convID).
		Scan(&sess.ID, &sess.ConversationID, &sess.CallerID, &typ, &status, &sess.StartedAtMS, &sess.EndedAtMS)
	if err != nil {
		return Session{}, pgErr(err, "find live call")
	}
	sess.Type, sess.Status = CallType(typ), Status(status)
	return sess, nil
}

// AddParticipant gates on liveness inside the INSERT, so a join racing a
// hangup cannot land a row on an ended session.
func (s *PgStore) AddParticipant(ctx context.Context, p Participant) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO call_participants (call_session_id, user_id, joined_at_ms)
		 SELECT $1, $2, $3
		 WHERE EXISTS (SELECT 1 FROM call_sessions WHERE id = $1 AND status <> 'ended')
		 ON CONFLICT (call_session_id, user_id) DO NOTHING`,
		p.SessionID, p.UserID, p.JoinedAtMS)
	if err != nil {
		return false, pgErr(err, "add call participant")
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Zero rows: either already joined or the session is gone.
	if in, err := s.HasParticipant(ctx, p.SessionID, p.UserID); err != nil {
		return false, err
	} else if in {
		return false, nil
	}
	return false, errs.ErrGone.WrapMsg("call has ended", "session", p.SessionID)
}

func (s *PgStore) HasParticipant(ctx context.Context, sessionID, userID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM call_participants WHERE call_session_id = $1 AND user_id = $2`,
		sessionID, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pgErr(err, "has call participant")
	}
	return true, nil
}

func (s *PgStore) ListParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT call_session_id, user_id, joined_at_ms FROM call_participants
		 WHERE call_session_id = $1 ORDER BY joined_at_ms, user_id`, sessionID)
	if err != nil {
		return nil, pgErr(err, "list call participants")
	}
	defer rows.Close()
	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.SessionID, &p.UserID, &p.JoinedAtMS); err != nil {
			return nil, pgErr(err, "scan call participant")
		}
		out = append(out, p)
	}
	return out, pgErr(rows.Err(), "call participants rows")
}

func (s *PgStore) Activate(ctx context.Context, sessionID string) (Session, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE call_sessions SET status = 'active' WHERE id = $1 AND status = 'ringing'`,
		sessionID)
	if err != nil {
		return Session{}, false, pgErr(err, "activate call")
	}
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, false, err
	}
	return sess, tag.RowsAffected() > 0, nil
}

func (s *PgStore) EndSession(ctx context.Context, sessionID string, atMS int64) (Session, bool, error) {
	var sess Session
	var typ, status string
	err := s.pool.QueryRow(ctx,
		`UPDATE call_sessions SET status = 'ended', ended_at_ms = $2
		 WHERE id = $1 AND status <> 'ended'
		 RETURNING id, conversation_id, caller_id, call_type, status, started_at_ms, ended_at_ms`,
		sessionID, atMS).
		Scan(&sess.ID, &sess.ConversationID, &sess.CallerID, &typ, &status, &sess.StartedAtMS, &sess.EndedAtMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, pgErr(err, "end call")
	}
	sess.Type, sess.Status = CallType(typ), Status(status)
	return sess, true, nil
}
