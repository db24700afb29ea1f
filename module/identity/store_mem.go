package identity

import (
	"context"
	"sort"
	"strings"
	"sync"

	"convocore/tools/errs"
)

// memStore mirrors the pg constraints under one mutex, so the guarded
// operations have the same commit-time semantics. Used by tests and as the
// reference model for the SQL behavior.
type memStore struct {
	mu          sync.Mutex
	users       map[string]User
	convs       map[string]Conversation
	byDirectKey map[string]string // direct_key -> conversation id
	byCode      map[string]string // invite_code -> conversation id
	parts       map[string]map[string]Participant
}

func NewMemStore() Store {
	return &memStore{
		users:       make(map[string]User),
		convs:       make(map[string]Conversation),
		byDirectKey: make(map[string]string),
		byCode:      make(map[string]string),
		parts:       make(map[string]map[string]Participant),
	}
}

func (s *memStore) CreateUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return errs.ErrConflict.WrapMsg("user exists", "id", u.ID)
	}
	s.users[u.ID] = u
	return nil
}

func (s *memStore) GetUser(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, errs.ErrNotFound.WrapMsg("user", "id", id)
	}
	return u, nil
}

func (s *memStore) SearchByHandle(_ context.Context, handle string) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []User
	for _, u := range s.users {
		if u.Handle != nil && strings.HasPrefix(strings.ToLower(*u.Handle), strings.ToLower(handle)) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].Handle < *out[j].Handle })
	return out, nil
}

func (s *memStore) InsertDirect(_ context.Context, conv Conversation, caller, peer Participant) (Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.DirectKey == nil {
		return Conversation{}, false, errs.ErrInvariantViolation.WrapMsg("direct conversation without pair key")
	}
	if winID, ok := s.byDirectKey[*conv.DirectKey]; ok {
		return s.convs[winID], false, nil
	}
	conv.UpdatedAtMS = conv.CreatedAtMS
	s.convs[conv.ID] = conv
	s.byDirectKey[*conv.DirectKey] = conv.ID
	s.parts[conv.ID] = map[string]Participant{
		caller.UserID: caller,
		peer.UserID:   peer,
	}
	return conv, true, nil
}

func (s *memStore) InsertGroup(_ context.Context, conv Conversation, parts []Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.InviteCode == nil {
		return errs.ErrInvariantViolation.WrapMsg("group without invite code")
	}
	if _, ok := s.byCode[*conv.InviteCode]; ok {
		return errs.ErrConflict.WrapMsg("invite code taken", "code", *conv.InviteCode)
	}
	if _, ok := s.convs[conv.ID]; ok {
		return errs.ErrConflict.WrapMsg("conversation exists", "id", conv.ID)
	}
	conv.UpdatedAtMS = conv.CreatedAtMS
	s.convs[conv.ID] = conv
	s.byCode[*conv.InviteCode] = conv.ID
	m := make(map[string]Participant, len(parts))
	for _, p := range parts {
		if _, dup := m[p.UserID]; !dup {
			m[p.UserID] = p
		}
	}
	s.parts[conv.ID] = m
	return nil
}

func (s *memStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, errs.ErrNotFound.WrapMsg("conversation", "id", id)
	}
	return c, nil
}

func (s *memStore) FindByInviteCode(_ context.Context, code string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCode[code]
	if !ok {
		return Conversation{}, errs.ErrNotFound.WrapMsg("invite code")
	}
	return s.convs[id], nil
}

func (s *memStore) AddParticipant(_ context.Context, p Participant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[p.ConversationID]; !ok {
		return false, errs.ErrNotFound.WrapMsg("conversation", "id", p.ConversationID)
	}
	m := s.parts[p.ConversationID]
	if m == nil {
		m = make(map[string]Participant)
		s.parts[p.ConversationID] = m
	}
	if _, ok := m[p.UserID]; ok {
		return false, nil
	}
	m[p.UserID] = p
	return true, nil
}

func (s *memStore) ListParticipants(_ context.Context, convID string) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.parts[convID]
	out := make([]Participant, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAtMS != out[j].JoinedAtMS {
			return out[i].JoinedAtMS < out[j].JoinedAtMS
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *memStore) RoleOf(_ context.Context, convID, userID string) (Role, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[convID][userID]
	if !ok {
		return "", false, nil
	}
	return p.Role, true, nil
}

func (s *memStore) otherAdminExistsLocked(convID, userID string) bool {
	for uid, p := range s.parts[convID] {
		if uid != userID && p.Role == RoleAdmin {
			return true
		}
	}
	return false
}

func (s *memStore) UpdateRoleGuarded(_ context.Context, convID, userID string, newRole Role) (Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[convID][userID]
	if !ok {
		return Participant{}, errs.ErrNotFound.WrapMsg("participant", "conversation", convID, "user", userID)
	}
	if newRole != RoleAdmin && p.Role == RoleAdmin && !s.otherAdminExistsLocked(convID, userID) {
		return Participant{}, errs.ErrInvariantViolation.WrapMsg("demoting the last admin", "conversation", convID)
	}
	p.Role = newRole
	s.parts[convID][userID] = p
	return p, nil
}

func (s *memStore) RemoveParticipantGuarded(_ context.Context, convID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[convID][userID]
	if !ok {
		return errs.ErrNotFound.WrapMsg("participant", "conversation", convID, "user", userID)
	}
	if p.Role == RoleAdmin && !s.otherAdminExistsLocked(convID, userID) {
		return errs.ErrInvariantViolation.WrapMsg("removing the last admin", "conversation", convID)
	}
	delete(s.parts[convID], userID)
	return nil
}

func (s *memStore) TouchConversation(_ context.Context, convID string, atMS int64) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return Conversation{}, errs.ErrNotFound.WrapMsg("conversation", "id", convID)
	}
	if atMS > c.UpdatedAtMS {
		c.UpdatedAtMS = atMS
		s.convs[convID] = c
	}
	return c, nil
}

func (s *memStore) ListConversationsForUser(_ context.Context, userID string) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for id, m := range s.parts {
		if _, ok := m[userID]; ok {
			out = append(out, s.convs[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAtMS > out[j].UpdatedAtMS })
	return out, nil
}
