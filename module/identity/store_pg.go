package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"convocore/tools/errs"
)

const identitySchema = `
CREATE TABLE IF NOT EXISTS users (
    id            text PRIMARY KEY,
    display_name  text NOT NULL,
    handle        text,
    created_at_ms bigint NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_users_handle ON users (handle) WHERE handle IS NOT NULL;

CREATE TABLE IF NOT EXISTS conversations (
    id            text PRIMARY KEY,
    name          text,
    is_group      boolean NOT NULL,
    invite_code   text,
    direct_key    text,
    created_by    text NOT NULL REFERENCES users (id),
    created_at_ms bigint NOT NULL,
    updated_at_ms bigint NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_conversations_direct_key ON conversations (direct_key) WHERE direct_key IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS uq_conversations_invite_code ON conversations (invite_code) WHERE invite_code IS NOT NULL;

CREATE TABLE IF NOT EXISTS participants (
    conversation_id text NOT NULL REFERENCES conversations (id),
    user_id         text NOT NULL REFERENCES users (id),
    role            text NOT NULL CHECK (role IN ('admin','member')),
    joined_at_ms    bigint NOT NULL,
    PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_participants_user ON participants (user_id);
`

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore { return &PgStore{pool: pool} }

// EnsureSchema creates tables and the uniqueness constraints the resolver
// relies on.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, identitySchema)
	return errs.WrapMsg(err, "identity schema")
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

func (s *PgStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, handle, created_at_ms) VALUES ($1,$2,$3,$4)`,
		u.ID, u.DisplayName, u.Handle, u.CreatedAtMS)
	return pgErr(err, "create user")
}

func (s *PgStore) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, handle, created_at_ms FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.DisplayName, &u.Handle, &u.CreatedAtMS)
	if err != nil {
		return User{}, pgErr(err, "get user")
	}
	return u, nil
}

func (s *PgStore) SearchByHandle(ctx context.Context, handle string) ([]User, error) {
	handle = strings.TrimSpace(handle)
	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, handle, created_at_ms FROM users
		 WHERE handle IS NOT NULL AND handle ILIKE $1 || '%' ORDER BY handle LIMIT 20`, handle)
	if err != nil {
		return nil, pgErr(err, "search handle")
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Handle, &u.CreatedAtMS); err != nil {
			return nil, pgErr(err, "scan user")
		}
		out = append(out, u)
	}
	return out, pgErr(rows.Err(), "search handle rows")
}

func (s *PgStore) InsertDirect(ctx context.Context, conv Conversation, caller, peer Participant) (Conversation, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Conversation{}, false, pgErr(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var insertedID string
	err = tx.QueryRow(ctx,
		`INSERT INTO conversations (id, name, is_group, invite_code, direct_key, created_by, created_at_ms, updated_at_ms)
		 VALUES ($1, NULL, false, NULL, $2, $3, $4, $4)
		 ON CONFLICT (direct_key) WHERE direct_key IS NOT NULL DO NOTHING
		 RETURNING id`,
		conv.ID, conv.DirectKey, conv.CreatedBy, conv.CreatedAtMS).Scan(&insertedID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Race lost (or pair already resolved): redirect to the winner.
		// ON CONFLICT has already waited out any in-flight insert, so the
		// winner row is visible.
		var winner Conversation
		err = s.pool.QueryRow(ctx,
			`SELECT id, name, is_group, invite_code, direct_key, created_by, created_at_ms, updated_at_ms
			 FROM conversations WHERE direct_key = $1`, conv.DirectKey).
			Scan(&winner.ID, &winner.Name, &winner.IsGroup, &winner.InviteCode,
				&winner.DirectKey, &winner.CreatedBy, &winner.CreatedAtMS, &winner.UpdatedAtMS)
		if err != nil {
			return Conversation{}, false, pgErr(err, "load direct winner")
		}
		return winner, false, nil
	}
	if err != nil {
		return Conversation{}, false, pgErr(err, "insert direct conversation")
	}

	for _, p := range []Participant{caller, peer} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO participants (conversation_id, user_id, role, joined_at_ms) VALUES ($1,$2,$3,$4)`,
			insertedID, p.UserID, string(p.Role), p.JoinedAtMS); err != nil {
			return Conversation{}, false, pgErr(err, "insert direct participant")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, false, pgErr(err, "commit direct")
	}
	conv.ID = insertedID
	conv.UpdatedAtMS = conv.CreatedAtMS
	return conv, true, nil
}

func (s *PgStore) InsertGroup(ctx context.Context, conv Conversation, parts []Participant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgErr(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, name, is_group, invite_code, direct_key, created_by, created_at_ms, updated_at_ms)
		 VALUES ($1, $2, true, $3, NULL, $4, $5, $5)`,
		conv.ID, conv.Name, conv.InviteCode, conv.CreatedBy, conv.CreatedAtMS); err != nil {
		return pgErr(err, "insert group conversation")
	}
	for _, p := range parts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO participants (conversation_id, user_id, role, joined_at_ms)
			 VALUES ($1,$2,$3,$4) ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			conv.ID, p.UserID, string(p.Role), p.JoinedAtMS); err != nil {
			return pgErr(err, "insert group participant")
		}
	}
	return pgErr(tx.Commit(ctx), "commit group")
}

func (s *PgStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, is_group, invite_code, direct_key, created_by, created_at_ms, updated_at_ms
		 FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.IsGroup, &c.InviteCode, &c.DirectKey, &c.CreatedBy, &c.CreatedAtMS, &c.UpdatedAtMS)
	if err != nil {
		return Conversation{}, pgErr(err, "get conversation")
	}
	return c, nil
}

func (s *PgStore) FindByInviteCode(ctx context.Context, code string) (Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, is_group, invite_code, direct_key, created_by, created_at_ms, updated_at_ms
		 FROM conversations WHERE invite_code = $1`, code).
		Scan(&c.ID, &c.Name, &c.IsGroup, &c.InviteCode, &c.DirectKey, &c.CreatedBy, &c.CreatedAtMS, &c.UpdatedAtMS)
	if err != nil {
		return Conversation{}, pgErr(err, "find by invite code")
	}
	return c, nil
}

func (s *PgStore) AddParticipant(ctx context.Context, p Participant) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO participants (conversation_id, user_id, role, joined_at_ms)
		 VALUES ($1,$2,$3,$4) ON CONFLICT (conversation_id, user_id) DO NOTHING`,
		p.ConversationID, p.UserID, string(p.Role), p.JoinedAtMS)
	if err != nil {
		return false, pgErr(err, "add participant")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) ListParticipants(ctx context.Context, convID string) ([]Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, user_id, role, joined_at_ms FROM participants
		 WHERE conversation_id = $1 ORDER BY joined_at_ms, user_id`, convID)
	if err != nil {
		return nil, pgErr(err, "list participants")
	}
	defer rows.Close()
	var out []Participant
	for rows.Next() {
		var p Participant
		var role string
		if err := rows.Scan(&p.ConversationID, &p.UserID, &role, &p.JoinedAtMS); err != nil {
			return nil, pgErr(err, "scan participant")
		}
		p.Role = Role(role)
		out = append(out, p)
	}
	return out, pgErr(rows.Err(), "participants rows")
}

func (s *PgStore) RoleOf(ctx context.Context, convID, userID string) (Role, bool, error) {
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM participants WHERE conversation_id = $1 AND user_id = $2`,
		convID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, pgErr(err, "role of")
	}
	return Role(role), true, nil
}

// lockParticipants takes row locks on the whole conversation's membership
// and returns a role snapshot taken under those locks. Two guarded writes
// on the same conversation serialize here, so the later one re-reads the
// roles the earlier one committed.
func lockParticipants(ctx context.Context, tx pgx.Tx, convID string) (map[string]Role, error) {
	rows, err := tx.Query(ctx,
		`SELECT user_id, role FROM participants WHERE conversation_id = $1 FOR UPDATE`, convID)
	if err != nil {
		return nil, pgErr(err, "lock participants")
	}
	defer rows.Close()
	roles := make(map[string]Role)
	for rows.Next() {
		var uid, role string
		if err := rows.Scan(&uid, &role); err != nil {
			return nil, pgErr(err, "scan locked participant")
		}
		roles[uid] = Role(role)
	}
	return roles, pgErr(rows.Err(), "locked participant rows")
}

func otherAdminExists(roles map[string]Role, except string) bool {
	for uid, r := range roles {
		if uid != except && r == RoleAdmin {
			return true
		}
	}
	return false
}

// UpdateRoleGuarded re-checks the admin count at commit time, with the
// conversation's participant rows locked so a pair of cross demotions
// cannot both pass the check.
func (s *PgStore) UpdateRoleGuarded(ctx context.Context, convID, userID string, newRole Role) (Participant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Participant{}, pgErr(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	roles, err := lockParticipants(ctx, tx, convID)
	if err != nil {
		return Participant{}, err
	}
	current, ok := roles[userID]
	if !ok {
		return Participant{}, errs.ErrNotFound.WrapMsg("participant", "conversation", convID, "user", userID)
	}
	if newRole != RoleAdmin && current == RoleAdmin && !otherAdminExists(roles, userID) {
		return Participant{}, errs.ErrInvariantViolation.WrapMsg("demoting the last admin", "conversation", convID)
	}

	var p Participant
	var role string
	err = tx.QueryRow(ctx,
		`UPDATE participants SET role = $3
		 WHERE conversation_id = $1 AND user_id = $2
		 RETURNING conversation_id, user_id, role, joined_at_ms`,
		convID, userID, string(newRole)).
		Scan(&p.ConversationID, &p.UserID, &role, &p.JoinedAtMS)
	if err != nil {
		return Participant{}, pgErr(err, "update role")
	}
	if err := tx.Commit(ctx); err != nil {
		return Participant{}, pgErr(err, "commit role update")
	}
	p.Role = Role(role)
	return p, nil
}

func (s *PgStore) RemoveParticipantGuarded(ctx context.Context, convID, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgErr(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	roles, err := lockParticipants(ctx, tx, convID)
	if err != nil {
		return err
	}
	current, ok := roles[userID]
	if !ok {
		return errs.ErrNotFound.WrapMsg("participant", "conversation", convID, "user", userID)
	}
	if current == RoleAdmin && !otherAdminExists(roles, userID) {
		return errs.ErrInvariantViolation.WrapMsg("removing the last admin", "conversation", convID)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM participants WHERE conversation_id = $1 AND user_id = $2`,
		convID, userID); err != nil {
		return pgErr(err, "remove participant")
	}
	return pgErr(tx.Commit(ctx), "commit removal")
}

func (s *PgStore) TouchConversation(ctx context.Context, convID string, atMS int64) (Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`UPDATE conversations SET updated_at_ms = GREATEST(updated_at_ms, $2)
		 WHERE id = $1
		 RETURNING id, name, is_group, invite_code, direct_key, created_by, created_at_ms, updated_at_ms`,
		convID, atMS).
		Scan(&c.ID, &c.Name, &c.IsGroup, &c.InviteCode, &c.DirectKey, &c.CreatedBy, &c.CreatedAtMS, &c.UpdatedAtMS)
	if err != nil {
		return Conversation{}, pgErr(err, "touch conversation")
	}
	return c, nil
}

func (s *PgStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.name, c.is_group, c.invite_code, c.direct_key, c.created_by, c.created_at_ms, c.updated_at_ms
		 FROM conversations c
		 JOIN participants p ON p.conversation_id = c.id
		 WHERE p.user_id = $1
		 ORDER BY c.updated_at_ms DESC`, userID)
	if err != nil {
		return nil, pgErr(err, "list conversations")
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Name, &c.IsGroup, &c.InviteCode, &c.DirectKey, &c.CreatedBy, &c.CreatedAtMS, &c.UpdatedAtMS); err != nil {
			return nil, pgErr(err, "scan conversation")
		}
		out = append(out, c)
	}
	return out, pgErr(rows.Err(), "conversations rows")
}
