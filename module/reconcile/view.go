package reconcile

import (
	"sort"
	"sync"

	"convocore/module/identity"
	"convocore/module/ledger"
	"convocore/tools/errs"
)

// Entry is one row of a conversation's message list. Pending marks a
// locally staged send that the server has not confirmed yet.
type Entry struct {
	ledger.Message
	Pending bool `json:"pending"`
}

// View is one client's materialized state: the conversation list ordered
// most-recently-updated first, and an ordered message list per open
// conversation. Every apply is an idempotent upsert, so replayed or
// duplicated notifications cannot corrupt it.
type View struct {
	mu    sync.RWMutex
	convs []identity.Conversation
	msgs  map[string][]Entry
}

func NewView() *View {
	return &View{msgs: make(map[string][]Entry)}
}

func messageBefore(a, b ledger.Message) bool {
	if a.CreatedAtMS != b.CreatedAtMS {
		return a.CreatedAtMS < b.CreatedAtMS
	}
	return a.ID < b.ID
}

// ApplyConversation upserts by ID and re-slots the conversation by
// updated_at, leaving everything it did not touch in relative order.
func (v *View) ApplyConversation(c identity.Conversation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.convs {
		if v.convs[i].ID == c.ID {
			v.convs = append(v.convs[:i], v.convs[i+1:]...)
			break
		}
	}
	at := len(v.convs)
	for i := range v.convs {
		if v.convs[i].UpdatedAtMS < c.UpdatedAtMS {
			at = i
			break
		}
	}
	v.convs = append(v.convs, identity.Conversation{})
	copy(v.convs[at+1:], v.convs[at:])
	v.convs[at] = c
}

// ApplyMessage upserts an authoritative message. If it confirms a pending
// staged entry (same sender and client id), the staged entry is replaced in
// place instead of a second row appearing.
func (v *View) ApplyMessage(m ledger.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	list := v.msgs[m.ConversationID]

	if m.ClientMsgID != "" {
		for i := range list {
			if list[i].Pending && list[i].SenderID == m.SenderID && list[i].ClientMsgID == m.ClientMsgID {
				v.msgs[m.ConversationID] = replaceAt(list, i, m)
				return
			}
		}
	}
	for i := range list {
		if list[i].ID == m.ID {
			v.msgs[m.ConversationID] = replaceAt(list, i, m)
			return
		}
	}
	v.msgs[m.ConversationID] = insertSorted(list, Entry{Message: m})
}

// StageMessage inserts a provisional entry. The caller owns the temporary
// ID and must later Confirm or Drop it; a staged entry never just lingers.
func (v *View) StageMessage(m ledger.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.msgs[m.ConversationID] = insertSorted(v.msgs[m.ConversationID], Entry{Message: m, Pending: true})
}

// ConfirmStage swaps the staged entry for the server's message, keeping the
// list position unless the authoritative ordering says otherwise.
func (v *View) ConfirmStage(tempID string, m ledger.Message) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	list := v.msgs[m.ConversationID]
	for i := range list {
		if list[i].ID == tempID && list[i].Pending {
			// The stream may have confirmed it first; drop the double.
			for j := range list {
				if list[j].ID == m.ID {
					v.msgs[m.ConversationID] = append(list[:i], list[i+1:]...)
					return nil
				}
			}
			v.msgs[m.ConversationID] = replaceAt(list, i, m)
			return nil
		}
	}
	// No staged entry, but the authoritative row already landed: the stream
	// confirmed it through the client-id match and the late explicit
	// confirm has nothing left to do.
	for i := range list {
		if list[i].ID == m.ID {
			return nil
		}
	}
	return errs.ErrNotFound.WrapMsg("staged entry", "temp_id", tempID)
}

// DropStage removes the provisional entry after a failed write and hands
// the failure back so the caller surfaces it.
func (v *View) DropStage(convID, tempID string, cause error) error {
	v.mu.Lock()
	list := v.msgs[convID]
	for i := range list {
		if list[i].ID == tempID && list[i].Pending {
			v.msgs[convID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	v.mu.Unlock()
	return cause
}

// ResetConversations replaces the whole list with authoritative state.
func (v *View) ResetConversations(convs []identity.Conversation) {
	sorted := make([]identity.Conversation, len(convs))
	copy(sorted, convs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAtMS > sorted[j].UpdatedAtMS
	})
	v.mu.Lock()
	v.convs = sorted
	v.mu.Unlock()
}

// ResetMessages replaces one conversation's list with authoritative state,
// re-staging any still-pending local entries the server does not know.
func (v *View) ResetMessages(convID string, msgs []ledger.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var pending []Entry
	for _, e := range v.msgs[convID] {
		if e.Pending {
			pending = append(pending, e)
		}
	}
	list := make([]Entry, 0, len(msgs)+len(pending))
	for _, m := range msgs {
		list = append(list, Entry{Message: m})
	}
	for _, p := range pending {
		confirmed := false
		for _, m := range msgs {
			if p.ClientMsgID != "" && m.ClientMsgID == p.ClientMsgID && m.SenderID == p.SenderID {
				confirmed = true
				break
			}
		}
		if !confirmed {
			list = insertSorted(list, p)
		}
	}
	v.msgs[convID] = list
}

// Conversations returns a snapshot, most recently updated first.
func (v *View) Conversations() []identity.Conversation {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]identity.Conversation, len(v.convs))
	copy(out, v.convs)
	return out
}

// Messages returns a snapshot of one conversation's ordered list.
func (v *View) Messages(convID string) []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Entry, len(v.msgs[convID]))
	copy(out, v.msgs[convID])
	return out
}

// OpenConversations lists the conversation IDs the view holds messages for.
func (v *View) OpenConversations() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.msgs))
	for id := range v.msgs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func replaceAt(list []Entry, i int, m ledger.Message) []Entry {
	e := Entry{Message: m}
	inOrder := (i == 0 || !messageBefore(m, list[i-1].Message)) &&
		(i == len(list)-1 || !messageBefore(list[i+1].Message, m))
	if inOrder {
		list[i] = e
		return list
	}
	list = append(list[:i], list[i+1:]...)
	return insertSorted(list, e)
}

func insertSorted(list []Entry, e Entry) []Entry {
	at := len(list)
	for i := range list {
		if messageBefore(e.Message, list[i].Message) {
			at = i
			break
		}
	}
	list = append(list, Entry{})
	copy(list[at+1:], list[at:])
	list[at] = e
	return list
}
