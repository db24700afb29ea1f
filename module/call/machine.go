package call

import (
	"context"
	"time"

	"convocore/module/events"
	"convocore/module/identity"
	"convocore/tools/errs"
	"convocore/tools/ids"
)

// Membership is the conversation-side gate. identity.Store satisfies it.
type Membership interface {
	RoleOf(ctx context.Context, convID, userID string) (identity.Role, bool, error)
	ListParticipants(ctx context.Context, convID string) ([]identity.Participant, error)
}

// Machine drives the ringing/active/ended lifecycle on top of the store's
// atomic transitions.
type Machine struct {
	store      Store
	membership Membership
	bus        events.Publisher
	now        func() time.Time
}

func NewMachine(store Store, membership Membership, bus events.Publisher) *Machine {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Machine{store: store, membership: membership, bus: bus, now: time.Now}
}

// Start places a new call on the conversation. A live session already on
// the line comes back Conflict straight from the store's unique index.
func (m *Machine) Start(ctx context.Context, convID, callerID string, typ CallType) (Session, error) {
	if !ValidCallType(typ) {
		return Session{}, errs.ErrInvariantViolation.WrapMsg("unknown call type", "type", string(typ))
	}
	if _, ok, err := m.membership.RoleOf(ctx, convID, callerID); err != nil {
		return Session{}, err
	} else if !ok {
		return Session{}, errs.ErrForbidden.WrapMsg("caller is not a participant", "conversation", convID)
	}

	at := m.now().UnixMilli()
	sess := Session{
		ID:             ids.GenerateWithPrefix("call"),
		ConversationID: convID,
		CallerID:       callerID,
		Type:           typ,
		Status:         StatusRinging,
		StartedAtMS:    at,
	}
	caller := Participant{SessionID: sess.ID, UserID: callerID, JoinedAtMS: at}
	if err := m.store.InsertSession(ctx, sess, caller); err != nil {
		return Session{}, err
	}

	m.publishSession(ctx, sess, events.OpInsert)
	m.publishParticipant(ctx, sess, caller)
	return sess, nil
}

// Join adds userID to the session. Rejoining is a no-op; the first join by
// someone other than the caller answers the call.
func (m *Machine) Join(ctx context.Context, sessionID, userID string) (Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.Status == StatusEnded {
		return Session{}, errs.ErrGone.WrapMsg("call has ended", "session", sessionID)
	}
	if _, ok, err := m.membership.RoleOf(ctx, sess.ConversationID, userID); err != nil {
		return Session{}, err
	} else if !ok {
		return Session{}, errs.ErrForbidden.WrapMsg("not a conversation participant", "session", sessionID)
	}

	p := Participant{SessionID: sessionID, UserID: userID, JoinedAtMS: m.now().UnixMilli()}
	added, err := m.store.AddParticipant(ctx, p)
	if err != nil {
		return Session{}, err
	}

	if userID != sess.CallerID {
		flipped := false
		if sess, flipped, err = m.store.Activate(ctx, sessionID); err != nil {
			return Session{}, err
		}
		if flipped {
			m.publishSession(ctx, sess, events.OpUpdate)
		}
	}
	if added {
		m.publishParticipant(ctx, sess, p)
	}
	return sess, nil
}

// End hangs up. Any call participant may end; there is no admin gate here
// so a stuck call can always be torn down by whoever is on it.
func (m *Machine) End(ctx context.Context, sessionID, actorID string) (Session, error) {
	in, err := m.store.HasParticipant(ctx, sessionID, actorID)
	if err != nil {
		return Session{}, err
	}
	if !in {
		if _, gerr := m.store.GetSession(ctx, sessionID); gerr != nil {
			return Session{}, gerr
		}
		return Session{}, errs.ErrForbidden.WrapMsg("not on the call", "session", sessionID)
	}

	sess, ok, err := m.store.EndSession(ctx, sessionID, m.now().UnixMilli())
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, errs.ErrGone.WrapMsg("call already ended", "session", sessionID)
	}
	m.publishSession(ctx, sess, events.OpUpdate)
	return sess, nil
}

// Live reports the conversation's current non-ended session, if any.
func (m *Machine) Live(ctx context.Context, convID, requesterID string) (Session, error) {
	if _, ok, err := m.membership.RoleOf(ctx, convID, requesterID); err != nil {
		return Session{}, err
	} else if !ok {
		return Session{}, errs.ErrForbidden.WrapMsg("not a participant", "conversation", convID)
	}
	return m.store.FindLive(ctx, convID)
}

func (m *Machine) publishSession(ctx context.Context, s Session, op events.Op) {
	m.bus.Publish(ctx, events.Change{
		Kind:           events.KindCallSession,
		Op:             op,
		ConversationID: s.ConversationID,
		Entity:         s.Entity(),
		AtMS:           m.now().UnixMilli(),
	}, m.audience(ctx, s.ConversationID))
}

func (m *Machine) publishParticipant(ctx context.Context, s Session, p Participant) {
	m.bus.Publish(ctx, events.Change{
		Kind:           events.KindCallParticipant,
		Op:             events.OpInsert,
		ConversationID: s.ConversationID,
		Entity:         p.Entity(),
		AtMS:           m.now().UnixMilli(),
	}, m.audience(ctx, s.ConversationID))
}

func (m *Machine) audience(ctx context.Context, convID string) []string {
	parts, err := m.membership.ListParticipants(ctx, convID)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.UserID)
	}
	return out
}
