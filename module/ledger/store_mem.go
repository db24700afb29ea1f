package ledger

import (
	"context"
	"sort"
	"sync"

	"convocore/tools/errs"
)

// memStore mirrors the mongo unique indexes in maps, same sentinel errors,
// so the append retry ladder behaves identically in tests.
type memStore struct {
	mu    sync.RWMutex
	byID  map[string]*Message
	byCID map[string]*Message          // sender|client_msg_id
	bySeq map[string]map[int64]*Message // conv -> seq
}

func NewMemStore() Store {
	return &memStore{
		byID:  make(map[string]*Message),
		byCID: make(map[string]*Message),
		bySeq: make(map[string]map[int64]*Message),
	}
}

func cidKey(sender, cid string) string { return sender + "|" + cid }

func (s *memStore) Insert(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; ok {
		return ErrDupID
	}
	if m.ClientMsgID != "" {
		if _, ok := s.byCID[cidKey(m.SenderID, m.ClientMsgID)]; ok {
			return ErrDupClientID
		}
	}
	seqs := s.bySeq[m.ConversationID]
	if seqs == nil {
		seqs = make(map[int64]*Message)
		s.bySeq[m.ConversationID] = seqs
	}
	if _, ok := seqs[m.Seq]; ok {
		return ErrDupSeq
	}
	cp := m
	s.byID[m.ID] = &cp
	if m.ClientMsgID != "" {
		s.byCID[cidKey(m.SenderID, m.ClientMsgID)] = &cp
	}
	seqs[m.Seq] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return Message{}, errs.ErrNotFound.WrapMsg("message", "id", id)
	}
	return *m, nil
}

func (s *memStore) FindByClientID(_ context.Context, senderID, clientMsgID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byCID[cidKey(senderID, clientMsgID)]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) MaxSeq(_ context.Context, convID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for seq := range s.bySeq[convID] {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (s *memStore) SetEdited(_ context.Context, id, senderID string, content string, atMS int64) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok || m.SenderID != senderID || m.Deleted {
		return Message{}, false, nil
	}
	m.Content = &content
	m.Edited = true
	m.UpdatedAtMS = atMS
	return *m, true, nil
}

func (s *memStore) SetDeleted(_ context.Context, id string, atMS int64) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return Message{}, false, nil
	}
	m.Deleted = true
	m.UpdatedAtMS = atMS
	return *m, true, nil
}

func (s *memStore) List(_ context.Context, convID string, cur Cursor, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	s.mu.RLock()
	all := make([]Message, 0, len(s.bySeq[convID]))
	for _, m := range s.bySeq[convID] {
		all = append(all, m.Redacted())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAtMS != all[j].CreatedAtMS {
			return all[i].CreatedAtMS < all[j].CreatedAtMS
		}
		return all[i].ID < all[j].ID
	})

	out := make([]Message, 0, limit)
	for _, m := range all {
		if m.CreatedAtMS < cur.AfterTsMS {
			continue
		}
		if m.CreatedAtMS == cur.AfterTsMS && m.ID <= cur.AfterID {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
