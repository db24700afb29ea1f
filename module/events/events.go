package events

import (
	"context"
	"encoding/json"

	"convocore/tools/errs"
)

// Kind names the entity a change notification carries.
type Kind string

const (
	KindConversation    Kind = "conversation"
	KindParticipant     Kind = "participant"
	KindMessage         Kind = "message"
	KindCallSession     Kind = "call_session"
	KindCallParticipant Kind = "call_participant"
)

// Op is the mutation class. There is no delete: removals ride as updates
// (soft delete flags, participant left markers).
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// Change is the wire envelope. Entity is always the full current state of
// the changed record, never a diff, so applying any single notification is
// enough to converge.
type Change struct {
	ID             string         `json:"id"`   // notification id, for dedupe
	Kind           Kind           `json:"kind"`
	Op             Op             `json:"op"`
	ConversationID string         `json:"conversation_id"`
	Entity         map[string]any `json:"entity"`
	AtMS           int64          `json:"at_ms"`
}

func (c Change) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return b, nil
}

func Decode(data []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, errs.WrapMsg(err, "decode change event")
	}
	return c, nil
}

// SubjectConversation is the NATS subject carrying one conversation's feed.
func SubjectConversation(convID string) string { return "cc.conv." + convID }

// SubjectUser is the per-user feed (conversation list changes, invites).
func SubjectUser(userID string) string { return "cc.user." + userID }

// Publisher is what the stores call after commit. Implementations must not
// fail the originating write: delivery problems are logged and the
// reconciler's recovery path covers the gap.
type Publisher interface {
	Publish(ctx context.Context, ch Change, userIDs []string)
}

// Nop is used by tests and by store code paths that run without a bus.
type Nop struct{}

func (Nop) Publish(context.Context, Change, []string) {}
