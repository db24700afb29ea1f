package call

import (
	"context"
	"sort"
	"sync"

	"convocore/tools/errs"
)

// memStore keeps the pg store's atomicity under one mutex: the
// one-live-session rule and the no-join-after-end rule hold under the same
// lock that performs the write.
type memStore struct {
	mu         sync.Mutex
	sessions   map[string]Session
	liveByConv map[string]string
	parts      map[string][]Participant
}

func NewMemStore() Store {
	return &memStore{
		sessions:   make(map[string]Session),
		liveByConv: make(map[string]string),
		parts:      make(map[string][]Participant),
	}
}

func (m *memStore) InsertSession(_ context.Context, s Session, caller Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.liveByConv[s.ConversationID]; busy {
		return errs.ErrConflict.WrapMsg("live call exists", "conversation", s.ConversationID)
	}
	if _, dup := m.sessions[s.ID]; dup {
		return errs.ErrConflict.WrapMsg("session id exists", "session", s.ID)
	}
	m.sessions[s.ID] = s
	m.liveByConv[s.ConversationID] = s.ID
	m.parts[s.ID] = []Participant{caller}
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, errs.ErrNotFound.WrapMsg("call session", "id", id)
	}
	return s, nil
}

func (m *memStore) FindLive(_ context.Context, convID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.liveByConv[convID]
	if !ok {
		return Session{}, errs.ErrNotFound.WrapMsg("no live call", "conversation", convID)
	}
	return m.sessions[id], nil
}

func (m *memStore) AddParticipant(_ context.Context, p Participant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[p.SessionID]
	if !ok {
		return false, errs.ErrNotFound.WrapMsg("call session", "id", p.SessionID)
	}
	for _, have := range m.parts[p.SessionID] {
		if have.UserID == p.UserID {
			return false, nil
		}
	}
	if s.Status == StatusEnded {
		return false, errs.ErrGone.WrapMsg("call has ended", "session", p.SessionID)
	}
	m.parts[p.SessionID] = append(m.parts[p.SessionID], p)
	return true, nil
}

func (m *memStore) HasParticipant(_ context.Context, sessionID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.parts[sessionID] {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListParticipants(_ context.Context, sessionID string) ([]Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Participant, len(m.parts[sessionID]))
	copy(out, m.parts[sessionID])
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAtMS != out[j].JoinedAtMS {
			return out[i].JoinedAtMS < out[j].JoinedAtMS
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (m *memStore) Activate(_ context.Context, sessionID string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false, errs.ErrNotFound.WrapMsg("call session", "id", sessionID)
	}
	if s.Status != StatusRinging {
		return s, false, nil
	}
	s.Status = StatusActive
	m.sessions[sessionID] = s
	return s, true, nil
}

func (m *memStore) EndSession(_ context.Context, sessionID string, atMS int64) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false, errs.ErrNotFound.WrapMsg("call session", "id", sessionID)
	}
	if s.Status == StatusEnded {
		return Session{}, false, nil
	}
	s.Status = StatusEnded
	s.EndedAtMS = atMS
	m.sessions[sessionID] = s
	delete(m.liveByConv, s.ConversationID)
	return s, true, nil
}
